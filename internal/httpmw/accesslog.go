package httpmw

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
)

// statusWriter captures the status code and bytes written
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush keeps streaming pprof handlers working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// AccessLog stores a request-scoped logger in the context and writes one
// line per request after the handler returns. Liveness and readiness probes
// are skipped, they are polled constantly.
func AccessLog(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			L := base.With(
				"request_id", RequestIDFromContext(ctx),
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"network.peer.address", peerAddr(r.RemoteAddr),
			)
			ctx = log.WithContext(ctx, L)
			r = r.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			if isProbe(r.URL.Path) {
				return
			}
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			L.Info(ctx, "http request",
				"http.route", route,
				"http.response.status_code", status,
				"http.response.body.size", sw.bytes,
				"http.server.request.duration", time.Since(start).Seconds(),
			)
		})
	}
}

func isProbe(p string) bool {
	return p == "/-/healthy" || p == "/-/ready"
}

func peerAddr(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
