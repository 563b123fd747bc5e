package shadowprint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// CreateOrReplaceSymlink creates a symlink at link pointing at target. If an
// entry already exists at link (symlink or regular file) it is removed and the
// creation retried exactly once. Convergent rather than atomic: between the
// removal and the retry the path briefly has no entry, which is acceptable
// only while a single process mutates aliases in the host directory.
func CreateOrReplaceSymlink(link, target string) error {
	err := os.Symlink(target, link)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create symlink %s: %w", link, err)
	}
	if removeErr := os.Remove(link); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("replace symlink %s: %w", link, removeErr)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create symlink %s: %w", link, err)
	}
	return nil
}

// RemoveSymlinkIfPresent removes the entry at path only when it is a symlink.
// A missing entry is not an error.
func RemoveSymlinkIfPresent(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// removeFileIfPresent deletes a regular file, treating a missing file as
// success so cleanup stays idempotent.
func removeFileIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
