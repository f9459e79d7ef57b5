package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// LastRun reports the most recent run result for /-/last-run.
	// ok=false means no run has finished yet.
	LastRun func() (v any, ok bool)

	// Logger writes the access log. Start falls back to its own logger.
	Logger log.Logger
}
