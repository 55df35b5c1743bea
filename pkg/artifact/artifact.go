package artifact

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrInvalidPath is returned for paths that cannot be artifact keys.
var ErrInvalidPath = errors.New("artifact: invalid path")

// Artifact maps forward-slash relative file paths to file contents.
// Keys never start with a separator, never escape the root, and never name
// a directory.
type Artifact map[string]string

// NormalizePath converts p into an artifact key.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasSuffix(p, "/") {
		return "", fmt.Errorf("%w: %q is a directory", ErrInvalidPath, p)
	}

	clean := path.Clean("/" + p)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
		}
	}
	return clean, nil
}

// Add stores content under the normalized form of p.
func (a Artifact) Add(p, content string) error {
	key, err := NormalizePath(p)
	if err != nil {
		return err
	}
	a[key] = content
	return nil
}

// Paths returns the keys in lexical order.
func (a Artifact) Paths() []string {
	paths := make([]string, 0, len(a))
	for p := range a {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Validate reports the first key that breaks the artifact invariants.
func (a Artifact) Validate() error {
	for p := range a {
		key, err := NormalizePath(p)
		if err != nil {
			return err
		}
		if key != p {
			return fmt.Errorf("%w: %q is not normalized", ErrInvalidPath, p)
		}
	}
	for p := range a {
		// A key that is a prefix directory of another key names a directory.
		for q := range a {
			if strings.HasPrefix(q, p+"/") {
				return fmt.Errorf("%w: %q is both a file and a directory", ErrInvalidPath, p)
			}
		}
	}
	return nil
}
