package shadowprint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationTrackerRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	tracker, err := NewPostgresTracker(dsn)
	if err != nil {
		t.Fatalf("new postgres tracker: %v", err)
	}
	tracker.tableName = postgresIntegrationTableName("shadowprint_tracked_it")
	t.Cleanup(func() {
		_ = tracker.Close()
		postgresIntegrationDropTable(t, dsn, tracker.tableName)
	})

	created := time.Now().UTC().Truncate(time.Microsecond)
	id, err := tracker.Insert(ctx, &TrackedPrint{
		OriginalFilename: "part.gcode",
		TempFilename:     ".shadow_temp/part_mod_ab12cd34.gcode",
		SymlinkFilename:  ".shadow_print/part.gcode",
		Modifications:    []string{"z-offset +0.05", "speed 90%"},
		CreatedAt:        created,
		Status:           StatusActive,
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero id")
	}

	if err := tracker.SetJobID(ctx, ".shadow_temp/part_mod_ab12cd34.gcode", "0001AB"); err != nil {
		t.Fatalf("set job id failed: %v", err)
	}

	rows, err := tracker.PendingBefore(ctx, time.Now().UTC().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("pending before failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("active row must not be pending, got %d rows", len(rows))
	}

	scheduledAt := time.Now().UTC().Add(-time.Minute)
	if err := tracker.UpdateStatus(ctx, ".shadow_temp/part_mod_ab12cd34.gcode", StatusPendingCleanup, scheduledAt); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	rows, err = tracker.PendingBefore(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("pending before after update failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 due row, got %d", len(rows))
	}
	row := rows[0]
	if row.ID != id {
		t.Fatalf("expected id %d, got %d", id, row.ID)
	}
	if row.JobID != "0001AB" {
		t.Fatalf("expected job id to persist, got %q", row.JobID)
	}
	if len(row.Modifications) != 2 || row.Modifications[0] != "z-offset +0.05" {
		t.Fatalf("modifications round trip failed: %v", row.Modifications)
	}
	if !row.CreatedAt.Equal(created) {
		t.Fatalf("created at round trip failed: %v != %v", row.CreatedAt, created)
	}

	if err := tracker.MarkCleaned(ctx, ".shadow_temp/part_mod_ab12cd34.gcode"); err != nil {
		t.Fatalf("mark cleaned failed: %v", err)
	}
	rows, err = tracker.PendingBefore(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("pending before after clean failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("cleaned row must not be pending, got %d rows", len(rows))
	}

	purged, err := tracker.PurgeCleanedBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SHADOWPRINT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SHADOWPRINT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
