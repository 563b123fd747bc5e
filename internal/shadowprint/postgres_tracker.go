package shadowprint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTrackerTableName = "shadowprint_tracked_prints"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresTracker struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTracker(dsn string) (*PostgresTracker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresTracker{
		dsn:       dsn,
		tableName: postgresTrackerTableName,
		openDB:    sql.Open,
	}, nil
}

func (t *PostgresTracker) ensureReady() error {
	if t == nil {
		return ErrInvalidInput
	}
	t.initOnce.Do(func() {
		db, err := t.openDB("postgres", t.dsn)
		if err != nil {
			t.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				original_filename TEXT NOT NULL,
				temp_filename TEXT NOT NULL,
				symlink_filename TEXT NOT NULL,
				modifications TEXT,
				job_id TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				cleanup_scheduled_at TIMESTAMPTZ,
				status TEXT NOT NULL DEFAULT 'active'
			)`, postgresQuoteIdentifier(t.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			t.initErr = err
			return
		}
		t.db = db
	})
	if t.initErr != nil {
		return t.initErr
	}
	if t.db == nil {
		return fmt.Errorf("postgres tracker not initialized")
	}
	return nil
}

func (t *PostgresTracker) Insert(ctx context.Context, row *TrackedPrint) (int64, error) {
	if row == nil {
		return 0, ErrInvalidInput
	}
	if err := t.ensureReady(); err != nil {
		return 0, err
	}
	modifications, err := json.Marshal(row.Modifications)
	if err != nil {
		return 0, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (original_filename, temp_filename, symlink_filename, modifications, job_id, created_at, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		RETURNING id`, postgresQuoteIdentifier(t.tableName))
	var id int64
	err = t.db.QueryRowContext(opCtx, query,
		row.OriginalFilename,
		row.TempFilename,
		row.SymlinkFilename,
		string(modifications),
		row.JobID,
		row.CreatedAt.UTC(),
		StatusActive,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (t *PostgresTracker) SetJobID(ctx context.Context, tempFilename, jobID string) error {
	if err := t.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET job_id = $1 WHERE temp_filename = $2`, postgresQuoteIdentifier(t.tableName))
	_, err := t.db.ExecContext(opCtx, query, jobID, tempFilename)
	return err
}

func (t *PostgresTracker) UpdateStatus(ctx context.Context, tempFilename, status string, cleanupScheduledAt time.Time) error {
	if err := t.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var scheduled any
	if !cleanupScheduledAt.IsZero() {
		scheduled = cleanupScheduledAt.UTC()
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, cleanup_scheduled_at = $2
		WHERE temp_filename = $3`, postgresQuoteIdentifier(t.tableName))
	_, err := t.db.ExecContext(opCtx, query, status, scheduled, tempFilename)
	return err
}

func (t *PostgresTracker) PendingBefore(ctx context.Context, now time.Time) ([]TrackedPrint, error) {
	if err := t.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, original_filename, temp_filename, symlink_filename, COALESCE(modifications, '[]'),
			COALESCE(job_id, ''), created_at, cleanup_scheduled_at, status
		FROM %s
		WHERE status = $1 AND cleanup_scheduled_at < $2`, postgresQuoteIdentifier(t.tableName))
	rows, err := t.db.QueryContext(opCtx, query, StatusPendingCleanup, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackedPrint
	for rows.Next() {
		var (
			row           TrackedPrint
			modifications string
			scheduled     sql.NullTime
		)
		if err := rows.Scan(&row.ID, &row.OriginalFilename, &row.TempFilename, &row.SymlinkFilename,
			&modifications, &row.JobID, &row.CreatedAt, &scheduled, &row.Status); err != nil {
			return nil, err
		}
		if scheduled.Valid {
			row.CleanupScheduledAt = scheduled.Time
		}
		if err := json.Unmarshal([]byte(modifications), &row.Modifications); err != nil {
			row.Modifications = nil
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *PostgresTracker) MarkCleaned(ctx context.Context, tempFilename string) error {
	if err := t.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE temp_filename = $2`, postgresQuoteIdentifier(t.tableName))
	_, err := t.db.ExecContext(opCtx, query, StatusCleaned, tempFilename)
	return err
}

func (t *PostgresTracker) PurgeCleanedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := t.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE status = $1 AND created_at < $2`, postgresQuoteIdentifier(t.tableName))
	result, err := t.db.ExecContext(opCtx, query, StatusCleaned, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (t *PostgresTracker) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
