// Package cdn invalidates cached directories after a run publishes new objects.
//
// One request is issued per directory, in the order given, and a failure on one
// directory never stops the rest. Errors are logged and counted; nothing is
// returned to the caller.
package cdn

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// InvalidationAPI is the slice of the CloudFront API the invalidator needs.
// *cloudfront.Client satisfies it.
type InvalidationAPI interface {
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// Metrics receives one outcome per directory.
type Metrics interface {
	ObserveInvalidation(outcome string, d time.Duration)
}

// InvalidationError is logged for a directory whose invalidation failed.
type InvalidationError struct {
	Dir    string
	Target string
	Cause  error
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("invalidate %s (%s): %v", e.Dir, e.Target, e.Cause)
}

func (e *InvalidationError) Unwrap() error { return e.Cause }

type Options struct {
	Logger  log.Logger
	Client  InvalidationAPI
	Metrics Metrics

	// BaseURL is the public CDN origin, e.g. "https://cdn.example.com".
	// It only shapes the logged target, CloudFront is addressed by distribution.
	BaseURL        string
	DistributionID string

	// KeyPrefix is the storage key prefix the publisher writes under. It is
	// prepended to every directory so invalidations match the published objects.
	KeyPrefix string

	// RequestsPerSecond paces CreateInvalidation calls. Zero or less disables pacing.
	RequestsPerSecond float64
}

type Invalidator struct {
	client         InvalidationAPI
	metrics        Metrics
	baseURL        string
	distributionID string
	keyPrefix      string
	limiter        *rate.Limiter
	logger         log.Logger
}

func New(opts Options) (*Invalidator, error) {
	if opts.Client == nil {
		return nil, xerrors.New("cdn: invalidation client is required")
	}
	if opts.DistributionID == "" {
		return nil, xerrors.New("cdn: distribution id is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Invalidator{
		client:         opts.Client,
		metrics:        opts.Metrics,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		distributionID: opts.DistributionID,
		keyPrefix:      strings.Trim(opts.KeyPrefix, "/"),
		limiter:        lim,
		logger:         opts.Logger,
	}, nil
}

// Target is the public URL of dir as a directory, always ending in "/".
func (iv *Invalidator) Target(dir string) string {
	return iv.baseURL + dirPath(iv.storageDir(dir))
}

// storageDir places dir under the key prefix, the way the publisher does for keys.
func (iv *Invalidator) storageDir(dir string) string {
	if iv.keyPrefix == "" {
		return dir
	}
	return path.Join(iv.keyPrefix, dir)
}

// Invalidate requests a recursive invalidation for each directory in order.
func (iv *Invalidator) Invalidate(ctx context.Context, dirs []string) {
	for _, dir := range dirs {
		target := iv.Target(dir)
		start := time.Now()
		id, err := iv.invalidate(ctx, dir)
		d := time.Since(start)

		if err != nil {
			ierr := &InvalidationError{Dir: dir, Target: target, Cause: err}
			iv.logger.Error(ctx, ierr, "cdn invalidation failed", "dir", dir, "target", target)
			iv.observe(OutcomeError, d)
			continue
		}
		iv.logger.Info(ctx, "cdn invalidation requested",
			"dir", dir,
			"target", target,
			"invalidation_id", id,
			"duration", d.String(),
		)
		iv.observe(OutcomeSuccess, d)
	}
}

func (iv *Invalidator) invalidate(ctx context.Context, dir string) (string, error) {
	if err := iv.limiter.Wait(ctx); err != nil {
		return "", xerrors.Wrap(err, "wait for invalidation slot")
	}
	out, err := iv.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(iv.distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(uuid.NewString()),
			Paths: &types.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{InvalidationPath(iv.storageDir(dir))},
			},
		},
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "create invalidation on distribution %s", iv.distributionID)
	}
	if out == nil || out.Invalidation == nil {
		return "", nil
	}
	return aws.ToString(out.Invalidation.Id), nil
}

func (iv *Invalidator) observe(outcome string, d time.Duration) {
	if iv.metrics != nil {
		iv.metrics.ObserveInvalidation(outcome, d)
	}
}

// InvalidationPath is the CloudFront wildcard path covering everything under dir.
func InvalidationPath(dir string) string {
	return dirPath(dir) + "*"
}

// dirPath renders dir as "/dir/". Keys at the bucket root have dir "." and map to "/".
func dirPath(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return "/"
	}
	return "/" + dir + "/"
}
