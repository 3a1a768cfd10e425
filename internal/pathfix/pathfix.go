// Package pathfix normalizes stored artifact paths so ledger records and
// on-disk locations agree.
//
// Two kinds of drift are repaired: relative prefixes such as "../" that only
// resolved from a nested working directory, and date-stamped directories
// that no longer match where a re-run placed the artifact.
package pathfix

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrUnresolvable marks a stored path with no existing artifact behind it.
var ErrUnresolvable = errors.New("pathfix: path unresolvable")

// UnresolvableError names the stored path that could not be resolved.
type UnresolvableError struct {
	Path string
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnresolvable, e.Path)
}

func (e *UnresolvableError) Unwrap() error {
	return ErrUnresolvable
}

var dateSegment = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Canonicalizer rewrites stored paths relative to Root, the site root the
// pipeline and web requests run from.
type Canonicalizer struct {
	Root string
}

// New returns a Canonicalizer for root.
func New(root string) *Canonicalizer {
	return &Canonicalizer{Root: root}
}

// Canonicalize returns the corrected form of stored. A path that already
// resolves comes back unchanged; one that cannot be resolved comes back
// unchanged with an *UnresolvableError. Applying Canonicalize to its own
// output is a no-op.
func (c *Canonicalizer) Canonicalize(stored string) (string, error) {
	norm := c.Normalize(stored)
	if norm == "" {
		return stored, &UnresolvableError{Path: stored}
	}
	if c.exists(norm) {
		return norm, nil
	}
	if moved, ok := c.findRedated(norm); ok {
		return moved, nil
	}
	return stored, &UnresolvableError{Path: stored}
}

// Normalize applies the lexical rewrites only: slash direction, leading
// "./" and "../" segments, and absolute paths under Root.
func (c *Canonicalizer) Normalize(stored string) string {
	p := strings.TrimSpace(strings.ReplaceAll(stored, `\`, "/"))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(filepath.FromSlash(p)) {
		if rel, ok := c.relativeToRoot(filepath.FromSlash(p)); ok {
			return rel
		}
		return path.Clean(p)
	}
	p = strings.TrimLeft(path.Clean(p), "/")
	for strings.HasPrefix(p, "../") {
		p = p[3:]
	}
	if p == "" || p == "." || p == ".." {
		return ""
	}
	return p
}

// Resolve returns the filesystem location of a stored path.
func (c *Canonicalizer) Resolve(stored string) string {
	p := filepath.FromSlash(stored)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// Relative converts an absolute filesystem path under Root into the stored,
// slash-separated form. Paths outside Root are returned cleaned.
func (c *Canonicalizer) Relative(abs string) string {
	if rel, ok := c.relativeToRoot(abs); ok {
		return rel
	}
	return filepath.ToSlash(filepath.Clean(abs))
}

func (c *Canonicalizer) exists(stored string) bool {
	info, err := os.Stat(c.Resolve(stored))
	return err == nil && !info.IsDir()
}

func (c *Canonicalizer) relativeToRoot(abs string) (string, bool) {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, filepath.Clean(abs))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// findRedated looks for the same file under a sibling date directory,
// newest date first.
func (c *Canonicalizer) findRedated(norm string) (string, bool) {
	segs := strings.Split(norm, "/")
	idx := -1
	for i := len(segs) - 2; i >= 0; i-- {
		if dateSegment.MatchString(segs[i]) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}

	parent := strings.Join(segs[:idx], "/")
	rest := strings.Join(segs[idx+1:], "/")
	entries, err := os.ReadDir(c.Resolve(parentOrDot(parent)))
	if err != nil {
		return "", false
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() && dateSegment.MatchString(e.Name()) && e.Name() != segs[idx] {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	for _, d := range dates {
		candidate := path.Join(parent, d, rest)
		if c.exists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func parentOrDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}
