package shadowprint

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilename rejects externally supplied names that could not have come
// from a well-behaved client: empty names, NUL or control bytes, absolute
// paths, and parent-directory segments.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: filename cannot be empty", ErrInvalidInput)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: filename contains control characters", ErrInvalidInput)
		}
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: filename cannot be an absolute path", ErrInvalidInput)
	}
	for _, segment := range strings.Split(filepath.ToSlash(name), "/") {
		if segment == ".." {
			return fmt.Errorf("%w: filename cannot contain '..'", ErrInvalidInput)
		}
	}
	return nil
}

// ResolveWithinRoot canonicalizes path (following symlinks and collapsing
// relative segments) and returns the canonical form, failing with
// ErrPathTraversal unless the result is a descendant of the canonicalized
// root. The path must exist; callers validate host directories after creating
// them and data files after confirming they are present.
func ResolveWithinRoot(path, root string) (string, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolve root: %v", ErrInvalidInput, err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrInvalidInput, path, err)
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, path, root)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, path, root)
	}
	return resolved, nil
}
