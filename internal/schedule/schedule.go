// Package schedule runs the sync task once at startup and then on a daily cron trigger.
//
// Runs never overlap. A trigger that fires while the previous run is still in
// progress is skipped. Cancelling a Handle stops future triggers but leaves an
// in-flight run alone.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
)

// DefaultSpec fires every day at 02:00 in the scheduler's location.
const DefaultSpec = "0 2 * * *"

// Task is one unit of scheduled work, normally a full sync run.
type Task func(ctx context.Context) error

// Handle controls an armed schedule.
type Handle interface {
	// Cancel removes the pending trigger. Safe to call more than once.
	Cancel()

	// Next is the next firing time, zero once cancelled.
	Next() time.Time

	// Wait blocks until a run in progress at Cancel time has finished or ctx ends.
	Wait(ctx context.Context) error
}

// Scheduler arms recurring tasks. Tests substitute a fake to stay clock free.
type Scheduler interface {
	ScheduleDaily(spec string, task Task) (Handle, error)
}

// BootstrapFailure means the startup run did not complete and nothing was scheduled.
type BootstrapFailure struct {
	Cause error
}

func (e *BootstrapFailure) Error() string {
	return fmt.Sprintf("bootstrap run failed: %v", e.Cause)
}

func (e *BootstrapFailure) Unwrap() error { return e.Cause }

// Bootstrap runs task synchronously once. An error or panic escaping the task
// comes back as a *BootstrapFailure.
func Bootstrap(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &BootstrapFailure{Cause: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	if terr := task(ctx); terr != nil {
		return &BootstrapFailure{Cause: terr}
	}
	return nil
}

// PanicError carries a recovered panic value and the stack where it happened.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	SetScheduleArmed(armed bool)
	SetNextRun(unixSeconds float64)
}

type StartOptions struct {
	Logger    log.Logger
	Scheduler Scheduler
	Metrics   Metrics
	Spec      string
	Task      Task

	// RunOnStart runs Task once through Bootstrap before arming the schedule.
	RunOnStart bool
}

// Start performs the optional bootstrap run and arms the daily trigger.
// On a bootstrap failure no trigger is armed and the *BootstrapFailure is returned.
func Start(ctx context.Context, opts StartOptions) (Handle, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	spec := opts.Spec
	if spec == "" {
		spec = DefaultSpec
	}

	if opts.RunOnStart {
		L.Info(ctx, "bootstrap run starting")
		if err := Bootstrap(ctx, opts.Task); err != nil {
			L.Error(ctx, err, "bootstrap run failed, daily schedule not armed")
			return nil, err
		}
		L.Info(ctx, "bootstrap run complete")
	}

	h, err := opts.Scheduler.ScheduleDaily(spec, opts.Task)
	if err != nil {
		return nil, err
	}
	if opts.Metrics != nil {
		opts.Metrics.SetScheduleArmed(true)
		if next := h.Next(); !next.IsZero() {
			opts.Metrics.SetNextRun(float64(next.Unix()))
		}
	}
	L.Info(ctx, "daily schedule armed", "spec", spec, "next_run", h.Next().Format(time.RFC3339))
	return &metricsHandle{Handle: h, metrics: opts.Metrics}, nil
}

// metricsHandle clears the armed gauge on cancel.
type metricsHandle struct {
	Handle
	metrics Metrics
}

func (h *metricsHandle) Cancel() {
	h.Handle.Cancel()
	if h.metrics != nil {
		h.metrics.SetScheduleArmed(false)
	}
}
