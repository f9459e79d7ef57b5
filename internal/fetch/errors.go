package fetch

import "fmt"

// Kind classifies why a fetch failed.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindStatus         Kind = "status"
	KindWrite          Kind = "write"
	KindEmptyOrMissing Kind = "empty_or_missing"
)

// FetchError is returned for any failure retrieving one resource.
type FetchError struct {
	Kind   Kind
	Key    string
	URL    string
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindStatus:
		return fmt.Sprintf("fetch %s: %s: unexpected status %d", e.Key, e.URL, e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("fetch %s (%s): %v", e.Key, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("fetch %s (%s)", e.Key, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Cause }
