package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a WebSocket test client that speaks the relay's JSON protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening relay endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("connecting to %s: %v (status %d) [%s]", url, err, status, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// ReadMessage reads one text frame and decodes it as a JSON object.
//
// Postcondition: Returns the decoded object, or fails the test on timeout or error.
func (c *WSClient) ReadMessage(timeout time.Duration) map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading message: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decoding message %q: %v", data, err)
	}
	return msg
}

// ReadRaw reads one frame and returns its bytes unmodified.
func (c *WSClient) ReadRaw(timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading message: %v", err)
	}
	return data
}

// ReadType reads one message and fails the test unless its type field equals want.
func (c *WSClient) ReadType(want string, timeout time.Duration) map[string]any {
	c.t.Helper()
	msg := c.ReadMessage(timeout)
	if got, _ := msg["type"].(string); got != want {
		c.t.Fatalf("expected message of type %q, got %v", want, msg)
	}
	return msg
}

// ReadClose reads until the server closes the connection and returns the close code.
// Data frames received before the close frame are discarded.
func (c *WSClient) ReadClose(timeout time.Duration) int {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		c.t.Fatalf("expected close frame, got: %v", err)
	}
}

// SendJSON encodes v and writes it as a text frame.
func (c *WSClient) SendJSON(v any) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("sending %v: %v", v, err)
	}
}

// SendText writes raw text as a single text frame.
func (c *WSClient) SendText(text string) {
	c.t.Helper()
	c.send(websocket.TextMessage, []byte(text))
}

// SendBinary writes data as a single binary frame.
func (c *WSClient) SendBinary(data []byte) {
	c.t.Helper()
	c.send(websocket.BinaryMessage, data)
}

func (c *WSClient) send(kind int, data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(kind, data); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.conn.Close()
}
