// Package pipeline runs the fetch, publish, invalidate pass over a catalog.
//
// Items are processed one at a time in catalog order. A failure on one item is
// recorded and the run moves on; the cache invalidator is called at most once
// per run with every directory that received a new object.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/publish"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

// Fetcher stages one resource locally. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, key string) (fetch.StagedFile, error)
}

// Publisher uploads one staged file. *publish.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, key, localPath string) (publish.PublishReceipt, error)
}

// Invalidator purges CDN caches for directories. *cdn.Invalidator satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, dirs []string)
}

// RunMetrics is implemented by the metrics package to observe runs.
type RunMetrics interface {
	IncItem(stage, outcome string)
	ObserveItemDuration(seconds float64)
	AddBytesFetched(n int64)
	ObserveRun(outcome string, seconds float64)
	SetLastRun(unixSeconds float64, success bool)
}

type Options struct {
	Logger      log.Logger
	Fetcher     Fetcher
	Publisher   Publisher
	Invalidator Invalidator
	Metrics     RunMetrics

	// OnComplete is called with every finished run, on the calling goroutine.
	OnComplete func(RunResult)

	// Remove deletes a staged file after publish. Defaults to os.Remove.
	Remove func(path string) error
}

type Orchestrator struct {
	fetcher     Fetcher
	publisher   Publisher
	invalidator Invalidator
	metrics     RunMetrics
	onComplete  func(RunResult)
	remove      func(string) error
	logger      log.Logger
	tracer      trace.Tracer
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Fetcher == nil || opts.Publisher == nil || opts.Invalidator == nil {
		return nil, xerrors.New("pipeline: fetcher, publisher and invalidator are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Remove == nil {
		opts.Remove = os.Remove
	}
	return &Orchestrator{
		fetcher:     opts.Fetcher,
		publisher:   opts.Publisher,
		invalidator: opts.Invalidator,
		metrics:     opts.Metrics,
		onComplete:  opts.OnComplete,
		remove:      opts.Remove,
		logger:      opts.Logger,
		tracer:      otel.Tracer("rulesync/pipeline"),
	}, nil
}

// RunOnce processes every item in order and returns the aggregate.
// A cancelled ctx stops new items from starting; the invalidation for
// directories already published is still requested.
func (o *Orchestrator) RunOnce(ctx context.Context, items []catalog.ResourceItem) RunResult {
	res := RunResult{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	L := o.logger.With("run_id", res.RunID)

	ctx, span := o.tracer.Start(ctx, "rulesync.run", trace.WithAttributes(
		attribute.String("rulesync.run_id", res.RunID),
		attribute.Int("rulesync.items", len(items)),
	))
	defer span.End()

	L.Info(ctx, "sync run started", "items", len(items))

	dirs := newDirSet()
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			L.Warn(ctx, "sync run interrupted",
				"remaining", len(items)-i,
				"reason", err.Error(),
			)
			break
		}
		res.Attempted++
		if f, ok := o.processItem(ctx, L, item); !ok {
			res.Failed++
			res.Failures = append(res.Failures, f)
			continue
		}
		dirs.add(item.Dir())
		res.Succeeded++
	}

	res.Dirs = dirs.list()
	if len(res.Dirs) > 0 {
		// invalidation runs even when ctx ended mid-run so published objects are not served stale
		o.invalidator.Invalidate(context.WithoutCancel(ctx), res.Dirs)
	}

	res.FinishedAt = time.Now().UTC()
	o.finish(ctx, L, span, res)
	return res
}

// processItem runs fetch, publish and cleanup for one item.
func (o *Orchestrator) processItem(ctx context.Context, L log.Logger, item catalog.ResourceItem) (ItemFailure, bool) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "rulesync.item", trace.WithAttributes(
		attribute.String("rulesync.key", item.DestinationKey),
		attribute.String("url.full", item.SourceURL),
	))
	defer span.End()
	defer o.observeDuration(start)

	L = L.With("key", item.DestinationKey)

	staged, err := o.fetcher.Fetch(ctx, item.SourceURL, item.DestinationKey)
	if err != nil {
		L.Error(ctx, err, "resource fetch failed", "url", item.SourceURL)
		o.incItem(StageFetch, OutcomeFailure)
		failSpan(span, err)
		return newFailure(item.DestinationKey, item.SourceURL, StageFetch, err), false
	}
	o.incItem(StageFetch, OutcomeSuccess)
	if o.metrics != nil {
		o.metrics.AddBytesFetched(staged.Size)
	}

	receipt, err := o.publisher.Publish(ctx, item.DestinationKey, staged.Path)
	if err != nil {
		// staged file stays on disk for inspection, the next run overwrites it
		L.Error(ctx, err, "resource publish failed", "staged_path", staged.Path)
		o.incItem(StagePublish, OutcomeFailure)
		failSpan(span, err)
		return newFailure(item.DestinationKey, item.SourceURL, StagePublish, err), false
	}
	o.incItem(StagePublish, OutcomeSuccess)

	if err := o.remove(staged.Path); err != nil {
		L.Warn(ctx, "remove staged file failed", "staged_path", staged.Path, "err", err.Error())
	}

	L.Info(ctx, "resource synced",
		"bytes", staged.Size,
		"sha256", staged.SHA256,
		"object_key", receipt.Key,
		"etag", receipt.ETag,
		"duration", time.Since(start).String(),
	)
	return ItemFailure{}, true
}

func (o *Orchestrator) finish(ctx context.Context, L log.Logger, span trace.Span, res RunResult) {
	outcome := res.Outcome()
	span.SetAttributes(
		attribute.String("rulesync.outcome", outcome),
		attribute.Int("rulesync.succeeded", res.Succeeded),
		attribute.Int("rulesync.failed", res.Failed),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d items failed", res.Failed, res.Attempted))
	}

	kv := []any{
		"outcome", outcome,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"dirs", res.Dirs,
		"duration", res.Duration().String(),
	}
	if res.Failed > 0 {
		L.Warn(ctx, "sync run finished with failures", kv...)
	} else {
		L.Info(ctx, "sync run finished", kv...)
	}

	if o.metrics != nil {
		o.metrics.ObserveRun(outcome, res.Duration().Seconds())
		o.metrics.SetLastRun(float64(res.FinishedAt.Unix()), outcome == OutcomeSuccess)
	}

	if o.onComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					L.Error(ctx, fmt.Errorf("panic: %v", r), "run completion hook panicked")
				}
			}()
			o.onComplete(res)
		}()
	}
}

func (o *Orchestrator) incItem(stage Stage, outcome string) {
	if o.metrics != nil {
		o.metrics.IncItem(string(stage), outcome)
	}
}

func (o *Orchestrator) observeDuration(start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveItemDuration(time.Since(start).Seconds())
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
