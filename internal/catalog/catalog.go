// Package catalog describes what rulesync mirrors: an ordered list of source URLs
// and the object keys they are published under.
//
// The built-in list mirrors the clash rule sets and geo databases. A YAML file can
// replace it at startup; either way the list is validated once and treated as
// read-only afterwards.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

// ResourceItem is one remote file and the destination key it is stored under.
type ResourceItem struct {
	SourceURL      string `yaml:"url" json:"url" validate:"required,url"`
	DestinationKey string `yaml:"key" json:"key" validate:"required"`
}

// Dir is the parent directory of the destination key, used as the CDN
// invalidation scope. Keys at the top level return ".".
func (r ResourceItem) Dir() string {
	return path.Dir(r.DestinationKey)
}

type file struct {
	Resources []ResourceItem `yaml:"resources"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes a YAML catalog and validates it.
func Parse(data []byte) ([]ResourceItem, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, xerrors.New("catalog: document is empty")
	}
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, xerrors.Wrap(err, "catalog: decode")
	}
	if err := Validate(f.Resources); err != nil {
		return nil, err
	}
	return f.Resources, nil
}

// LoadFile reads and validates a YAML catalog from disk.
func LoadFile(p string) ([]ResourceItem, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, xerrors.Wrapf(err, "catalog: read %s", p)
	}
	items, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "catalog: %s", p)
	}
	return items, nil
}

// Validate checks every item and the list as a whole, reporting all problems at once.
func Validate(items []ResourceItem) error {
	if len(items) == 0 {
		return xerrors.New("catalog: no resources")
	}
	var errs []error
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if err := validate.Struct(it); err != nil {
			errs = append(errs, fmt.Errorf("resource %d: %w", i, err))
			continue
		}
		if u, err := url.Parse(it.SourceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("resource %d: url %q must be http or https", i, it.SourceURL))
		}
		if err := pathutil.ValidKey(it.DestinationKey); err != nil {
			errs = append(errs, fmt.Errorf("resource %d: %w", i, err))
		}
		if prev, dup := seen[it.DestinationKey]; dup {
			errs = append(errs, fmt.Errorf("resource %d: key %q already used by resource %d", i, it.DestinationKey, prev))
		} else {
			seen[it.DestinationKey] = i
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Dirs returns the distinct parent directories of items in first-seen order.
func Dirs(items []ResourceItem) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		d := it.Dir()
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
