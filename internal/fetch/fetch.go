// Package fetch downloads catalog resources into a local staging directory.
//
// Bodies are streamed to disk through a sha256 hasher; nothing is buffered in
// memory. Downloads land in a ".part" sibling and are renamed into place only
// after the non-empty check passes, so a failed fetch never leaves a staged file.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

const (
	DefaultTimeout = 5 * time.Minute
	partSuffix     = ".part"
)

// StagedFile is a fetched resource sitting in the staging directory.
type StagedFile struct {
	Key    string
	Path   string
	Size   int64
	SHA256 string
}

type Options struct {
	Logger log.Logger

	// StagingDir is the root under which destination keys are laid out.
	StagingDir string

	// Client defaults to an http.Client with an otelhttp transport.
	Client *http.Client

	// Timeout bounds a single fetch including the body copy. Zero uses DefaultTimeout.
	Timeout time.Duration

	UserAgent string
}

type Fetcher struct {
	client    *http.Client
	root      string
	timeout   time.Duration
	userAgent string
	logger    log.Logger
}

func New(opts Options) (*Fetcher, error) {
	if opts.StagingDir == "" {
		return nil, xerrors.New("fetch: staging dir is required")
	}
	root, err := filepath.Abs(opts.StagingDir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch: resolve staging dir %s", opts.StagingDir)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "fetch: create staging dir %s", root)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Fetcher{
		client:    client,
		root:      root,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}, nil
}

// StagingPath returns where key is staged, without touching the filesystem.
func (f *Fetcher) StagingPath(key string) (string, error) {
	return pathutil.JoinUnder(f.root, key)
}

// Fetch downloads sourceURL to the staging path for key.
// Every failure is a *FetchError.
//
// A failed download never replaces the staged file, the body goes to a
// ".part" file that is removed on error. A staged file left by an earlier run
// (its publish failed, so it was retained) therefore survives a later failed
// fetch unchanged and is replaced only by the next successful one.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, key string) (StagedFile, error) {
	dst, err := f.StagingPath(key)
	if err != nil {
		return StagedFile{}, &FetchError{Kind: KindWrite, Key: key, URL: sourceURL, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return StagedFile{}, &FetchError{Kind: KindNetwork, Key: key, URL: sourceURL, Cause: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return StagedFile{}, &FetchError{Kind: KindNetwork, Key: key, URL: sourceURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return StagedFile{}, &FetchError{Kind: KindStatus, Key: key, URL: sourceURL, Status: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return StagedFile{}, &FetchError{Kind: KindWrite, Key: key, URL: sourceURL, Cause: err}
	}

	part := dst + partSuffix
	written, sum, err := writeStream(part, resp.Body)
	if err != nil {
		_ = os.Remove(part)
		kind := KindWrite
		if ctx.Err() != nil || isReadErr(err) {
			kind = KindNetwork
		}
		return StagedFile{}, &FetchError{Kind: kind, Key: key, URL: sourceURL, Cause: err}
	}

	if written == 0 {
		_ = os.Remove(part)
		return StagedFile{}, &FetchError{Kind: KindEmptyOrMissing, Key: key, URL: sourceURL,
			Cause: xerrors.Newf("downloaded body for %s is empty", key)}
	}

	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return StagedFile{}, &FetchError{Kind: KindWrite, Key: key, URL: sourceURL, Cause: err}
	}

	// post-condition on what actually landed on disk, not just bytes copied
	fi, err := os.Stat(dst)
	if err != nil || fi.Size() == 0 {
		_ = os.Remove(dst)
		cause := err
		if cause == nil {
			cause = xerrors.Newf("staged file %s is empty", dst)
		}
		return StagedFile{}, &FetchError{Kind: KindEmptyOrMissing, Key: key, URL: sourceURL, Cause: cause}
	}

	f.logger.Debug(ctx, "resource fetched",
		"key", key,
		"url", sourceURL,
		"bytes", fi.Size(),
		"sha256", sum,
		"duration", time.Since(start).String(),
	)

	return StagedFile{Key: key, Path: dst, Size: fi.Size(), SHA256: sum}, nil
}

type readErr struct{ err error }

func (e *readErr) Error() string { return e.err.Error() }
func (e *readErr) Unwrap() error { return e.err }

func isReadErr(err error) bool {
	_, ok := err.(*readErr)
	return ok
}

// writeStream copies src into a new file at p while hashing it.
// Read-side failures come back as *readErr so callers can tell network from disk.
func writeStream(p string, src io.Reader) (int64, string, error) {
	out, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), readerFunc(func(b []byte) (int, error) {
		n, rerr := src.Read(b)
		if rerr != nil && rerr != io.EOF {
			return n, &readErr{err: rerr}
		}
		return n, rerr
	}))
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(b []byte) (int, error) { return f(b) }
