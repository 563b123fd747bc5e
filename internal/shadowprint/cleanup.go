package shadowprint

import (
	"context"
	"path/filepath"
	"time"
)

// Cleaned rows older than this are purged by reconciliation to bound table
// growth.
const cleanedRecordRetention = 30 * 24 * time.Hour

// scheduleCleanup retires a finished print: the alias and its mirrored
// thumbnails are deleted immediately, the durable row flips to
// pending_cleanup, and a one-shot timer deletes the temp file after the
// configured delay. The timer is fire-once and never cancelled; every deletion
// it performs is idempotent, and a timer lost to a restart is recovered by
// startup reconciliation.
func (m *Manager) scheduleCleanup(ctx context.Context, record *PrintRecord) {
	if err := RemoveSymlinkIfPresent(filepath.Join(m.gcodesDir, record.SymlinkFilename)); err != nil {
		m.logger.Printf("failed to remove symlink %s: %v", record.SymlinkFilename, err)
	}
	CleanupThumbnailLinks(m.gcodesDir, record.TempFilename, m.logger)

	if !record.memoryOnly {
		scheduledAt := m.now().Add(m.cleanupDelay)
		if err := m.tracker.UpdateStatus(ctx, record.TempFilename, StatusPendingCleanup, scheduledAt); err != nil {
			m.logger.Printf("failed to update cleanup status for %s: %v", record.TempFilename, err)
		}
	}

	tempFilename := record.TempFilename
	memoryOnly := record.memoryOnly
	m.afterFunc(m.cleanupDelay, func() {
		m.cleanupTempFile(tempFilename, memoryOnly)
	})
	m.logger.Printf("scheduled cleanup of %s in %s", tempFilename, m.cleanupDelay)
}

func (m *Manager) cleanupTempFile(tempFilename string, memoryOnly bool) {
	if err := removeFileIfPresent(filepath.Join(m.gcodesDir, tempFilename)); err != nil {
		m.logger.Printf("failed to delete temp file %s: %v", tempFilename, err)
	}
	if memoryOnly {
		return
	}
	if err := m.tracker.MarkCleaned(context.Background(), tempFilename); err != nil {
		m.logger.Printf("failed to mark %s cleaned: %v", tempFilename, err)
	}
}

// Reconcile repairs state a prior crash left behind: every pending_cleanup row
// whose scheduled time has passed gets its temp file, alias and thumbnail
// aliases deleted and is marked cleaned, then cleaned rows past the retention
// window are purged. Runs once at startup and again from the idle recovery
// hook; per-row failures are logged and skipped.
func (m *Manager) Reconcile(ctx context.Context, now time.Time) (int, error) {
	rows, err := m.tracker.PendingBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, row := range rows {
		if err := removeFileIfPresent(filepath.Join(m.gcodesDir, row.TempFilename)); err != nil {
			m.logger.Printf("reconcile: failed to delete temp file %s: %v", row.TempFilename, err)
			continue
		}
		if err := RemoveSymlinkIfPresent(filepath.Join(m.gcodesDir, row.SymlinkFilename)); err != nil {
			m.logger.Printf("reconcile: failed to remove symlink %s: %v", row.SymlinkFilename, err)
		}
		CleanupThumbnailLinks(m.gcodesDir, row.TempFilename, m.logger)
		if err := m.tracker.MarkCleaned(ctx, row.TempFilename); err != nil {
			m.logger.Printf("reconcile: failed to mark %s cleaned: %v", row.TempFilename, err)
		}
		cleaned++
	}
	if cleaned > 0 {
		m.logger.Printf("reconciliation removed %d stale substitute files", cleaned)
	}

	purged, err := m.tracker.PurgeCleanedBefore(ctx, now.Add(-cleanedRecordRetention))
	if err != nil {
		m.logger.Printf("reconcile: failed to purge old records: %v", err)
	} else if purged > 0 {
		m.logger.Printf("reconciliation purged %d old records", purged)
	}
	return cleaned, nil
}
