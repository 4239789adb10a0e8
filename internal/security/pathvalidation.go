// Package security validates operator-supplied identifiers before they touch
// the filesystem. Session names arrive over HTTP and become directory names
// under the session base directory, so they must never contain path syntax.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateSessionName rejects names that are empty, contain path separators,
// or resolve to anything other than a single plain path element. The name is
// later joined onto the session base directory, so "..", absolute paths, and
// separator characters are all traversal attempts.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("session name %q must not contain path separators", name)
	}
	if name != filepath.Clean(name) || name == "." || name == ".." {
		return fmt.Errorf("session name %q is not a plain path element", name)
	}
	return nil
}

// ValidatePathWithinDirectory checks that path, once cleaned and made
// absolute, stays inside dir. It is the backstop behind ValidateSessionName
// for paths assembled from several parts.
func ValidatePathWithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return fmt.Errorf("path outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes %s", path, dir)
	}
	return nil
}
