package shadowprint

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchThumbnails mirrors thumbnails that materialize after print start. The
// print server scans G-code metadata asynchronously, so the thumbnails for an
// original often do not exist yet when the substitute is created; this watcher
// closes that gap for prints still in the registry.
func (m *Manager) WatchThumbnails(ctx context.Context) error {
	thumbsDir := filepath.Join(m.gcodesDir, thumbnailsDirName)
	if err := os.MkdirAll(thumbsDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(thumbsDir); err != nil {
		watcher.Close()
		return err
	}
	go m.runThumbnailWatcher(ctx, watcher, thumbsDir)
	return nil
}

func (m *Manager) runThumbnailWatcher(ctx context.Context, watcher *fsnotify.Watcher, thumbsDir string) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			m.mirrorLateThumbnail(thumbsDir, filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("thumbnail watcher error: %v", err)
		}
	}
}

func (m *Manager) mirrorLateThumbnail(thumbsDir, thumbName string) {
	info, err := os.Lstat(filepath.Join(thumbsDir, thumbName))
	if err != nil {
		return
	}
	// Mirrored aliases are symlinks themselves; only real thumbnails are
	// mirrored, which also keeps the watcher from reacting to its own links.
	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	type mirror struct {
		originalStem string
		tempStem     string
	}
	var targets []mirror
	m.mu.Lock()
	for _, record := range m.active {
		originalStem := fileStem(record.OriginalFilename)
		if strings.HasPrefix(thumbName, originalStem) {
			targets = append(targets, mirror{originalStem: originalStem, tempStem: fileStem(record.TempFilename)})
		}
	}
	m.mu.Unlock()

	for _, target := range targets {
		if err := linkThumbnail(thumbsDir, thumbName, target.originalStem, target.tempStem); err != nil {
			m.logger.Printf("failed to mirror late thumbnail %s: %v", thumbName, err)
		}
	}
}
