package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

type CronOptions struct {
	Logger log.Logger

	// Location evaluates specs in this zone. Defaults to time.Local.
	Location *time.Location

	// BaseContext is handed to every triggered run. It should not be the
	// signal context, a shutdown must not interrupt a run already going.
	BaseContext context.Context

	// Metrics, when set, has its next-run gauge refreshed after every firing.
	Metrics Metrics
}

// CronScheduler arms tasks on a robfig/cron runner, one runner per Handle.
type CronScheduler struct {
	logger  log.Logger
	loc     *time.Location
	baseCtx context.Context
	metrics Metrics
}

func NewCron(opts CronOptions) *CronScheduler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &CronScheduler{
		logger:  opts.Logger,
		loc:     opts.Location,
		baseCtx: opts.BaseContext,
		metrics: opts.Metrics,
	}
}

// ParseSpec checks a five-field cron expression (descriptors like @daily allowed).
func ParseSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	if err != nil {
		return xerrors.Wrapf(err, "parse schedule %q", spec)
	}
	return nil
}

func (s *CronScheduler) ScheduleDaily(spec string, task Task) (Handle, error) {
	cl := cronLogger{L: s.logger.With("component", "cron")}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	h := &cronHandle{c: c}
	id, err := c.AddFunc(spec, func() {
		ctx := s.baseCtx
		start := time.Now()
		s.logger.Info(ctx, "scheduled run starting", "spec", spec)
		if err := task(ctx); err != nil {
			s.logger.Error(ctx, err, "scheduled run failed", "spec", spec)
		} else {
			s.logger.Info(ctx, "scheduled run complete", "duration", time.Since(start).String())
		}
		if s.metrics != nil {
			if next := h.Next(); !next.IsZero() {
				s.metrics.SetNextRun(float64(next.Unix()))
			}
		}
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "schedule %q", spec)
	}
	h.id = id
	c.Start()
	return h, nil
}

type cronHandle struct {
	c    *cron.Cron
	id   cron.EntryID
	once sync.Once

	mu      sync.Mutex
	stopped context.Context
}

func (h *cronHandle) Cancel() {
	h.once.Do(func() {
		h.c.Remove(h.id)
		stopped := h.c.Stop()
		h.mu.Lock()
		h.stopped = stopped
		h.mu.Unlock()
	})
}

func (h *cronHandle) Next() time.Time {
	return h.c.Entry(h.id).Next
}

func (h *cronHandle) Wait(ctx context.Context) error {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped == nil {
		return xerrors.New("schedule: Wait called before Cancel")
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	L log.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	// cron reports every wake and schedule at info, which is noise for a daily job
	if msg == "skip" {
		l.L.Warn(context.Background(), "scheduled run skipped, previous run still in progress")
		return
	}
	l.L.Debug(context.Background(), "cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.L.Error(context.Background(), err, "cron: "+msg, kv...)
}
