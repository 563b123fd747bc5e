package shadowprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchThumbnailsMirrorsLateThumbnails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t)
	env.writeOriginal(t, "part.gcode", "G28\n")

	if err := env.manager.WatchThumbnails(ctx); err != nil {
		t.Fatalf("WatchThumbnails: %v", err)
	}

	resp, err := env.manager.CreateModifiedPrint(ctx, CreateModifiedPrintRequest{
		OriginalFilename: "part.gcode",
		Content:          "G28\nG1 X10\n",
	})
	if err != nil {
		t.Fatalf("CreateModifiedPrint: %v", err)
	}

	// Thumbnail shows up only after the print already started.
	thumbsDir := filepath.Join(env.root, thumbnailsDirName)
	if err := os.WriteFile(filepath.Join(thumbsDir, "part-32x32.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("write late thumbnail: %v", err)
	}

	mirrored := filepath.Join(thumbsDir, fileStem(resp.TempFilename)+"-32x32.png")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if info, err := os.Lstat(mirrored); err == nil {
			if info.Mode()&os.ModeSymlink == 0 {
				t.Fatalf("mirrored thumbnail must be a symlink")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirrored thumbnail %s never appeared", mirrored)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
