package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/version"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

const DefaultPort = 9000

// NewRouter builds the ops routes: health, readiness, metrics, last run,
// version and optionally pprof.
func NewRouter(opts *Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		httpmw.RequestID(""),
		httpmw.AccessLog(opts.Logger),
		middleware.Recoverer,
	)

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	r.Get("/-/version", versionHandler)
	r.Get("/-/last-run", lastRunHandler(opts.LastRun))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	} else {
		r.HandleFunc("/debug/*", http.NotFound)
	}
	return r
}

// Start admin HTTP server with the routes from NewRouter
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ro := *opts
	if ro.Logger == nil {
		ro.Logger = L
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           requireNonPublicNetwork(L, NewRouter(&ro)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile captures run for up to 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

// requireNonPublicNetwork rejects callers outside loopback, private and link-local ranges
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
			next.ServeHTTP(w, r)
			return
		}
		L.Warn(r.Context(), "ops request from public address rejected",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func lastRunHandler(src func() (any, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if src == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "no run recorded"})
			return
		}
		v, ok := src()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "no run recorded"})
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
