// Package publish uploads staged resources to object storage.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

const (
	textContentType    = "text/plain; charset=utf-8"
	defaultContentType = "application/octet-stream"
	sniffLen           = 3072
)

// ObjectPutter is the slice of the S3 API the publisher needs.
// *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PublishReceipt describes an object written to storage.
type PublishReceipt struct {
	Key         string
	ETag        string
	VersionID   string
	ContentType string
	Size        int64
	Duration    time.Duration
}

// PublishError is returned for any failure storing one resource.
type PublishError struct {
	Key   string
	Cause error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Key, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

type Options struct {
	Logger log.Logger
	Client ObjectPutter
	Bucket string

	// KeyPrefix is prepended to every destination key, e.g. "mirror".
	KeyPrefix string

	// CacheControl is set on every object when non-empty.
	CacheControl string
}

type Publisher struct {
	client       ObjectPutter
	bucket       string
	prefix       string
	cacheControl string
	logger       log.Logger
}

func New(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, xerrors.New("publish: object client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("publish: bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Publisher{
		client:       opts.Client,
		bucket:       opts.Bucket,
		prefix:       strings.Trim(opts.KeyPrefix, "/"),
		cacheControl: opts.CacheControl,
		logger:       opts.Logger,
	}, nil
}

// ObjectKey maps a destination key to the key written in the bucket.
func (p *Publisher) ObjectKey(key string) string {
	if p.prefix == "" {
		return key
	}
	return path.Join(p.prefix, key)
}

// Publish replaces the object for key with the contents of localPath.
// The local file is never removed. Every failure is a *PublishError.
func (p *Publisher) Publish(ctx context.Context, key, localPath string) (PublishReceipt, error) {
	start := time.Now()

	f, err := os.Open(localPath)
	if err != nil {
		return PublishReceipt{}, &PublishError{Key: key, Cause: xerrors.Wrapf(err, "open staged file %s", localPath)}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return PublishReceipt{}, &PublishError{Key: key, Cause: xerrors.Wrapf(err, "stat staged file %s", localPath)}
	}

	ct, err := detectContentType(f, key)
	if err != nil {
		return PublishReceipt{}, &PublishError{Key: key, Cause: err}
	}

	objKey := p.ObjectKey(key)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(objKey),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String(ct),
	}
	if p.cacheControl != "" {
		in.CacheControl = aws.String(p.cacheControl)
	}

	out, err := p.client.PutObject(ctx, in)
	if err != nil {
		return PublishReceipt{}, &PublishError{Key: key, Cause: xerrors.Wrapf(err, "put s3://%s/%s", p.bucket, objKey)}
	}

	r := PublishReceipt{
		Key:         objKey,
		ContentType: ct,
		Size:        fi.Size(),
		Duration:    time.Since(start),
	}
	if out != nil {
		r.ETag = strings.Trim(aws.ToString(out.ETag), `"`)
		r.VersionID = aws.ToString(out.VersionId)
	}

	p.logger.Debug(ctx, "resource published",
		"key", objKey,
		"bucket", p.bucket,
		"bytes", r.Size,
		"content_type", ct,
		"etag", r.ETag,
		"duration", r.Duration.String(),
	)
	return r, nil
}

// detectContentType sniffs the head of f and rewinds it.
// Rule lists are plain text whatever the sniffer decides.
func detectContentType(f *os.File, key string) (string, error) {
	if strings.EqualFold(path.Ext(key), ".txt") {
		return textContentType, nil
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", xerrors.Wrap(err, "read file head")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", xerrors.Wrap(err, "rewind staged file")
	}
	if n == 0 {
		return defaultContentType, nil
	}
	return mimetype.Detect(head[:n]).String(), nil
}
