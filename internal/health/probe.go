package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Gate fails until Open is called, e.g. until the schedule is armed.
type Gate struct {
	open   atomic.Bool
	reason string
}

// NewGate returns a closed gate reporting reason while closed.
func NewGate(reason string) *Gate {
	if reason == "" {
		reason = "not ready"
	}
	return &Gate{reason: reason}
}

func (g *Gate) Open()        { g.open.Store(true) }
func (g *Gate) Close()       { g.open.Store(false) }
func (g *Gate) IsOpen() bool { return g.open.Load() }

func (g *Gate) Probe() CheckFunc {
	return func(context.Context) error {
		if g.open.Load() {
			return nil
		}
		return xerrors.New(g.reason)
	}
}

// ShutdownGate flips readiness to false during drain/shutdown.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}

// Freshness fails when the last successful run is older than maxAge.
// A zero time from last means no run has succeeded yet, which passes so a
// fresh process is not reported unready before its first trigger.
func Freshness(maxAge time.Duration, last func() time.Time) CheckFunc {
	return func(context.Context) error {
		if maxAge <= 0 || last == nil {
			return nil
		}
		ts := last()
		if ts.IsZero() {
			return nil
		}
		if age := time.Since(ts); age > maxAge {
			return xerrors.Newf("last successful run %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
