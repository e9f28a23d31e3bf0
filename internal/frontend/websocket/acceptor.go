// Package websocket serves the relay over WebSocket connections and exposes the
// HTTP health and session endpoints alongside it, plus the browser client files
// when a client directory is configured.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/voxel-relay/internal/config"
	"github.com/cory-johannsen/voxel-relay/internal/relay/protocol"
	"github.com/cory-johannsen/voxel-relay/internal/relay/session"
)

// Relay is the session relay a connection is attached to.
type Relay interface {
	Connect(remoteAddr string) *session.Session
	Receive(id string, payload []byte) error
	Disconnect(id string) bool
	Count() int
	Snapshot() []protocol.ClientState
}

// sessionsResponse is the body of GET /sessions.
type sessionsResponse struct {
	Count    int                    `json:"count"`
	Sessions []protocol.ClientState `json:"sessions"`
}

// Acceptor listens for HTTP connections, upgrades the configured path to a
// WebSocket, and attaches each connection to the relay.
type Acceptor struct {
	cfg      config.WebSocketConfig
	relay    Relay
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	running  bool
	stopped  bool
}

// NewAcceptor creates a WebSocket acceptor with the given configuration.
//
// Precondition: cfg must be valid; relay and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe, or
// mounted elsewhere through Handler.
func NewAcceptor(cfg config.WebSocketConfig, relay Relay, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:    cfg,
		relay:  relay,
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}

	a.router = mux.NewRouter()
	a.router.Use(a.logRequests, a.recoverPanics)
	a.router.NotFoundHandler = a.logRequests(http.NotFoundHandler())
	a.router.MethodNotAllowedHandler = a.logRequests(http.HandlerFunc(methodNotAllowed))
	a.router.HandleFunc(cfg.Path, a.serveWS).Methods(http.MethodGet)
	a.router.HandleFunc("/health", a.serveHealth).Methods(http.MethodGet)
	a.router.HandleFunc("/sessions", a.serveSessions).Methods(http.MethodGet)
	if cfg.ClientDir != "" {
		// Registered last so it only catches what the routes above do not.
		a.router.PathPrefix("/").HandlerFunc(a.serveClient).Methods(http.MethodGet, http.MethodHead)
	}
	return a
}

// Handler returns the HTTP handler serving every acceptor route.
func (a *Acceptor) Handler() http.Handler {
	return a.router
}

// ListenAndServe starts the HTTP listener and serves connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.listener = listener
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.running = true
	server := a.server
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", listener.Addr(), err)
	}
	return nil
}

// Stop closes the listener, closes every live connection, and waits for their
// pumps to exit. Safe to call more than once.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	server := a.server
	conns := make([]*websocket.Conn, 0, len(a.conns))
	for ws := range a.conns {
		conns = append(conns, ws)
	}
	a.mu.Unlock()

	if server != nil {
		if err := server.Close(); err != nil {
			a.logger.Warn("closing http server", zap.Error(err))
		}
	}

	deadline := time.Now().Add(time.Second)
	for _, ws := range conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline,
		)
		ws.Close()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped",
		zap.Int("closed_connections", len(conns)),
	)
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	if !a.begin() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer a.wg.Done()

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if !a.track(ws) {
		ws.Close()
		return
	}
	defer a.untrack(ws)

	newConn(ws, a.cfg, a.relay, a.logger).serve(r.RemoteAddr)
}

// begin reserves a slot in the wait group unless the acceptor is stopping.
func (a *Acceptor) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) track(ws *websocket.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.conns[ws] = struct{}{}
	return true
}

func (a *Acceptor) untrack(ws *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, ws)
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

func (a *Acceptor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Healthy"))
}

func (a *Acceptor) serveSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := a.relay.Snapshot()
	if sessions == nil {
		sessions = []protocol.ClientState{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessionsResponse{Count: len(sessions), Sessions: sessions}); err != nil {
		a.logger.Warn("writing sessions response", zap.Error(err))
	}
}

// checkOrigin accepts any origin when no allow-list is configured. Requests with no
// Origin header come from non-browser clients and are always accepted.
func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	a.logger.Warn("rejecting websocket origin",
		zap.String("origin", origin),
		zap.String("remote_addr", r.RemoteAddr),
	)
	return false
}
