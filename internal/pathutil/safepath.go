package pathutil

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

// HasDotSegments reports whether any slash-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ValidKey reports whether key is usable as both an object key and a path below a
// staging root: relative, already clean, no dot segments, no empty segments.
func ValidKey(key string) error {
	switch {
	case key == "":
		return xerrors.New("key is empty")
	case strings.HasPrefix(key, "/"):
		return xerrors.Newf("key %q must be relative", key)
	case strings.Contains(key, `\`):
		return xerrors.Newf("key %q must use forward slashes", key)
	case HasDotSegments(key):
		return xerrors.Newf("key %q contains dot segments", key)
	case path.Clean(key) != key:
		return xerrors.Newf("key %q is not clean", key)
	}
	return nil
}

// JoinUnder maps a validated key onto the local filesystem below root and
// refuses anything that would resolve outside it.
func JoinUnder(root, key string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", xerrors.Wrapf(err, "resolve root %s", root)
	}
	p := filepath.Join(absRoot, filepath.FromSlash(key))
	rel, err := filepath.Rel(absRoot, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", xerrors.Newf("key %q escapes root %s", key, root)
	}
	return p, nil
}
