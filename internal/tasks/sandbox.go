package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// PathPolicy restricts which filesystem paths the fs and shell tasks may
// touch. An empty policy allows everything; deny rules always win.
type PathPolicy struct {
	ReadOnlyPaths []string `json:"read_only_paths,omitempty"`
	WritablePaths []string `json:"writable_paths,omitempty"`
	DenyPaths     []string `json:"deny_paths,omitempty"`
}

// PathAccessMode indicates the type of filesystem access being requested.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

// ValidatePath checks whether the given path is permitted under the policy.
// Paths are resolved through symlinks before matching so a link cannot
// escape an allowed root.
func (p PathPolicy) ValidatePath(path string, mode PathAccessMode) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	// Deny list always wins. Fail-closed: invalid deny path → deny access.
	for _, deny := range p.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	hasReadOnly := len(p.ReadOnlyPaths) > 0
	hasWritable := len(p.WritablePaths) > 0

	// No restrictions configured, unrestricted access.
	if !hasReadOnly && !hasWritable {
		return nil
	}

	switch mode {
	case PathAccessWrite:
		if !hasWritable {
			return schema.NewErrorf(schema.ErrCodePathDenied, "write access to %q denied: no writable paths configured", path)
		}
		for _, w := range p.WritablePaths {
			base, err := resolveCleanPath(w)
			if err != nil {
				continue // Invalid allow entry cannot grant access.
			}
			if isUnderPath(clean, base) {
				return nil
			}
		}
		return schema.NewErrorf(schema.ErrCodePathDenied, "write access to %q denied: not under any writable path", path)

	case PathAccessRead:
		for _, ro := range p.ReadOnlyPaths {
			base, err := resolveCleanPath(ro)
			if err != nil {
				continue
			}
			if isUnderPath(clean, base) {
				return nil
			}
		}
		for _, w := range p.WritablePaths {
			base, err := resolveCleanPath(w)
			if err != nil {
				continue
			}
			if isUnderPath(clean, base) {
				return nil
			}
		}
		return schema.NewErrorf(schema.ErrCodePathDenied, "read access to %q denied: not under any allowed path", path)
	}

	return nil
}

// resolveCleanPath cleans a path, makes it absolute, and resolves symlinks.
// When the target does not exist yet, the longest existing ancestor is
// resolved instead so write targets still get symlink checking.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	return resolveAncestor(abs), nil
}

// resolveAncestor resolves symlinks on the longest existing ancestor of abs
// and rejoins the non-existing suffix.
func resolveAncestor(abs string) string {
	dir := abs
	var suffix []string
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	return filepath.Join(append([]string{resolved}, suffix...)...)
}

// isUnderPath reports whether path is base itself or contained within it.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
