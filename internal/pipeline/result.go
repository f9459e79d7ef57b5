package pipeline

import (
	"errors"
	"time"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/publish"
)

// Stage names the pipeline step an item failed in.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StagePublish Stage = "publish"
)

// Run outcomes as reported to metrics and the last-run endpoint.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
	OutcomeEmpty   = "empty"
)

// Item-level error types, re-exported so callers can match on one package.
type (
	FetchError   = fetch.FetchError
	PublishError = publish.PublishError
)

// ItemFailure records why one resource did not make it through a run.
type ItemFailure struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Stage   Stage  `json:"stage"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func newFailure(key, url string, stage Stage, err error) ItemFailure {
	f := ItemFailure{Key: key, URL: url, Stage: stage, Message: err.Error(), Err: err}
	var fe *FetchError
	if errors.As(err, &fe) {
		f.Kind = string(fe.Kind)
	}
	return f
}

// RunResult aggregates one pass over the catalog.
type RunResult struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`

	// Dirs holds each directory with at least one published item, in first-publish order.
	Dirs     []string      `json:"dirs"`
	Failures []ItemFailure `json:"failures,omitempty"`

	// Aborted is set when the context ended before every item was attempted.
	Aborted bool `json:"aborted,omitempty"`
}

func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r RunResult) Outcome() string {
	switch {
	case r.Attempted == 0:
		return OutcomeEmpty
	case r.Failed == 0 && !r.Aborted:
		return OutcomeSuccess
	case r.Succeeded == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// dirSet is an insertion-ordered set of directories.
type dirSet struct {
	seen  map[string]struct{}
	order []string
}

func newDirSet() *dirSet {
	return &dirSet{seen: make(map[string]struct{})}
}

func (s *dirSet) add(dir string) {
	if _, ok := s.seen[dir]; ok {
		return
	}
	s.seen[dir] = struct{}{}
	s.order = append(s.order, dir)
}

func (s *dirSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
