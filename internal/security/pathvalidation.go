// Package security confines user-supplied paths to configured media roots.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoots is returned for a path that resolves outside every root.
var ErrOutsideRoots = errors.New("path is outside the allowed media roots")

// Roots is a set of directories that user-supplied paths must stay within.
// An empty Roots allows any path.
type Roots []string

// Resolve returns the canonical absolute form of path, or ErrOutsideRoots
// when it escapes every root. Symlinks are resolved, including those in the
// existing parents of a path that does not exist yet.
func (r Roots) Resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	canonical, err := canonicalize(path)
	if err != nil {
		return "", err
	}
	if len(r) == 0 {
		return canonical, nil
	}
	for _, root := range r {
		canonicalRoot, err := canonicalize(root)
		if err != nil {
			continue
		}
		if within(canonical, canonicalRoot) {
			return canonical, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideRoots, path)
}

// ValidatePathWithinDirectory reports whether filePath stays inside safeDir
// after symlink resolution.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	_, err := Roots{safeDir}.Resolve(filePath)
	return err
}

// canonicalize makes path absolute and resolves symlinks in its longest
// existing prefix.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// Walk up to the nearest existing ancestor so a symlinked parent of a
	// not-yet-created path cannot escape.
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rel), nil
		}
		if filepath.Dir(dir) == dir {
			return abs, nil
		}
	}
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// SanitizeFilename turns an arbitrary string into a safe file name: runs of
// characters other than ASCII letters, digits, '.', '_' and '-' become a
// single underscore, leading and trailing dots and underscores are trimmed,
// and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		safe := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		if !safe {
			pendingUnderscore = true
			continue
		}
		if pendingUnderscore && b.Len() > 0 && r != '_' {
			b.WriteByte('_')
		}
		pendingUnderscore = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
