package websocket

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/voxel-relay/internal/config"
	"github.com/cory-johannsen/voxel-relay/internal/relay"
	"github.com/cory-johannsen/voxel-relay/internal/relay/session"
)

// Conn pumps frames between one WebSocket and its relay session. Reads run on the
// serving goroutine; writes run on a dedicated goroutine and are the only writer
// of data frames.
type Conn struct {
	ws     *websocket.Conn
	cfg    config.WebSocketConfig
	relay  Relay
	logger *zap.Logger

	// closeCode and closeText are set by the read pump before Disconnect closes the
	// outbox, and read by the write pump after it observes the closed outbox.
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, cfg config.WebSocketConfig, r Relay, logger *zap.Logger) *Conn {
	return &Conn{
		ws:        ws,
		cfg:       cfg,
		relay:     r,
		logger:    logger,
		closeCode: websocket.CloseNormalClosure,
	}
}

// serve registers the connection with the relay and blocks until it ends.
//
// Postcondition: The session has been disconnected, both pumps have exited, and the
// socket is closed.
func (c *Conn) serve(remoteAddr string) {
	start := time.Now()
	sess := c.relay.Connect(remoteAddr)
	logger := c.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("remote_addr", remoteAddr),
	)

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump(sess, logger)
	}()

	c.readPump(sess.ID, logger)
	c.relay.Disconnect(sess.ID)
	<-written
	c.ws.Close()

	logger.Debug("websocket connection ended",
		zap.Int("close_code", c.closeCode),
		zap.Duration("duration", time.Since(start)),
	)
}

func (c *Conn) readPump(id string, logger *zap.Logger) {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if kind != websocket.TextMessage {
			logger.Warn("closing connection after non-text frame", zap.Int("frame_type", kind))
			c.setClose(websocket.CloseUnsupportedData, "text frames only")
			return
		}

		err = c.relay.Receive(id, payload)
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrProtocol):
			logger.Warn("closing connection after malformed message", zap.Error(err))
			c.setClose(websocket.ClosePolicyViolation, "malformed message")
			return
		case errors.Is(err, relay.ErrSessionClosed):
			return
		default:
			logger.Error("handling message", zap.Error(err))
			c.setClose(websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

func (c *Conn) setClose(code int, text string) {
	c.closeCode = code
	c.closeText = text
}

func (c *Conn) writePump(sess *session.Session, logger *zap.Logger) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		// Unblocks the read pump when the write side fails first.
		c.ws.Close()
	}()

	frames := sess.Outbox.Frames()
	for {
		select {
		case frame, ok := <-frames:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeText),
				)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
