package shadowprint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const thumbnailsDirName = ".thumbs"

func fileStem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LinkThumbnails mirrors preview thumbnails from the original file to the
// substitute: every entry in the thumbnails directory whose name starts with
// the original's stem gets an alias under the substitute's stem pointing at
// the original thumbnail. Entries that already exist are skipped. Failures
// are logged per thumbnail and never abort the caller's workflow.
func LinkThumbnails(root, originalName, tempName string, logger Logger) {
	thumbsDir := filepath.Join(root, thumbnailsDirName)
	entries, err := os.ReadDir(thumbsDir)
	if err != nil {
		return
	}
	originalStem := fileStem(originalName)
	tempStem := fileStem(tempName)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, originalStem) {
			continue
		}
		if err := linkThumbnail(thumbsDir, name, originalStem, tempStem); err != nil {
			logger.Printf("failed to link thumbnail %s: %v", name, err)
		}
	}
}

func linkThumbnail(thumbsDir, thumbName, originalStem, tempStem string) error {
	mirrored := tempStem + strings.TrimPrefix(thumbName, originalStem)
	mirroredPath := filepath.Join(thumbsDir, mirrored)
	if _, err := os.Lstat(mirroredPath); err == nil {
		return nil
	}
	return os.Symlink(filepath.Join(thumbsDir, thumbName), mirroredPath)
}

// CleanupThumbnailLinks removes the mirrored thumbnail aliases for a
// substitute file. Only symlinks are removed; real thumbnails are left alone.
func CleanupThumbnailLinks(root, tempName string, logger Logger) {
	thumbsDir := filepath.Join(root, thumbnailsDirName)
	entries, err := os.ReadDir(thumbsDir)
	if err != nil {
		return
	}
	tempStem := fileStem(tempName)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, tempStem) {
			continue
		}
		full := filepath.Join(thumbsDir, name)
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			continue
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Printf("failed to remove thumbnail alias %s: %v", name, err)
		}
	}
}
