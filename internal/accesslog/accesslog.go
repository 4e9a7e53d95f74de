// Package accesslog logs each HTTP request to a pkg/wsserver upgrade
// endpoint with zerolog, the way the HTTP-facing edge of this kind of
// service logs independently of the slog-based protocol core: one
// structured line per request, built incrementally with With()/Str(), not
// threaded through the application as a *zerolog.Logger field.
package accesslog

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Middleware wraps next, logging one line per request via l: method, path,
// remote address, resulting status code, and duration. It's meant to sit in
// front of a pkg/wsserver upgrade endpoint, not inside wsconn/wsproto
// themselves, which stay zerolog-free.
func Middleware(l zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := l.With().
			Str("http_method", r.Method).
			Str("url_path", r.URL.EscapedPath()).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusSwitchingProtocols}
		next.ServeHTTP(sw, r)

		reqLogger.Info().
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("handled websocket upgrade request")
	})
}

// statusWriter captures the status code a handler wrote, defaulting to 101
// since a successful upgrade hijacks the connection before ever calling
// WriteHeader. It forwards Hijack to the underlying ResponseWriter so
// pkg/wsserver's http.Hijacker type assertion still succeeds through this
// wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking: %T", w.ResponseWriter)
	}
	return hijacker.Hijack()
}
