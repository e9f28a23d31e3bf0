package websocket

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"
)

// indexFile is served for every client route that does not name an existing file.
const indexFile = "index.html"

// logRequests logs every request once its handler returns. For WebSocket
// upgrades that is when the connection ends.
func (a *Acceptor) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", m.Code),
			zap.Int64("bytes", m.Written),
			zap.Duration("elapsed", m.Duration),
		)
	})
}

// recoverPanics turns a handler panic into a 500 response.
func (a *Acceptor) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			a.logger.Error("http handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// serveClient serves a file from the client directory, or index.html when the
// request names no regular file there.
func (a *Acceptor) serveClient(w http.ResponseWriter, r *http.Request) {
	name := filepath.Join(a.cfg.ClientDir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(name); err != nil || info.IsDir() {
		name = filepath.Join(a.cfg.ClientDir, indexFile)
	}

	f, err := os.Open(name)
	if err != nil {
		a.logger.Warn("client file unavailable", zap.String("file", name), zap.Error(err))
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

