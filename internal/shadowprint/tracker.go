package shadowprint

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	StatusActive         = "active"
	StatusPendingCleanup = "pending_cleanup"
	StatusCleaned        = "cleaned"
)

// TrackedPrint is the durable row recorded for every substituted print so a
// restarted process can finish cleanup the previous one never got to.
type TrackedPrint struct {
	ID                 int64
	OriginalFilename   string
	TempFilename       string
	SymlinkFilename    string
	Modifications      []string
	JobID              string
	CreatedAt          time.Time
	CleanupScheduledAt time.Time
	Status             string
}

// Tracker persists substituted-print rows. Implementations are best-effort
// collaborators: the lifecycle manager logs and absorbs every error they
// return, so a failing tracker degrades a record to memory-only tracking
// instead of failing the print.
type Tracker interface {
	Insert(ctx context.Context, row *TrackedPrint) (int64, error)
	SetJobID(ctx context.Context, tempFilename, jobID string) error
	UpdateStatus(ctx context.Context, tempFilename, status string, cleanupScheduledAt time.Time) error
	PendingBefore(ctx context.Context, now time.Time) ([]TrackedPrint, error)
	MarkCleaned(ctx context.Context, tempFilename string) error
	PurgeCleanedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// BuildTrackerFromDSN selects a tracker implementation by DSN scheme. An empty
// DSN yields the in-memory tracker, which offers no crash recovery but keeps
// the rest of the lifecycle fully functional.
func BuildTrackerFromDSN(dsn string) (Tracker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryTracker(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryTracker(), nil
	case "postgres", "postgresql":
		return NewPostgresTracker(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: tracker backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported tracker backend scheme: %s", scheme)
	}
}

type MemoryTracker struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]TrackedPrint
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{rows: map[int64]TrackedPrint{}}
}

func (t *MemoryTracker) Insert(ctx context.Context, row *TrackedPrint) (int64, error) {
	if row == nil {
		return 0, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	stored := *row
	stored.ID = t.nextID
	stored.Modifications = append([]string(nil), row.Modifications...)
	t.rows[stored.ID] = stored
	return stored.ID, nil
}

func (t *MemoryTracker) SetJobID(ctx context.Context, tempFilename, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, row := range t.rows {
		if row.TempFilename == tempFilename {
			row.JobID = jobID
			t.rows[id] = row
		}
	}
	return nil
}

func (t *MemoryTracker) UpdateStatus(ctx context.Context, tempFilename, status string, cleanupScheduledAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, row := range t.rows {
		if row.TempFilename == tempFilename {
			row.Status = status
			row.CleanupScheduledAt = cleanupScheduledAt
			t.rows[id] = row
		}
	}
	return nil
}

func (t *MemoryTracker) PendingBefore(ctx context.Context, now time.Time) ([]TrackedPrint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TrackedPrint
	for _, row := range t.rows {
		if row.Status == StatusPendingCleanup && !row.CleanupScheduledAt.IsZero() && row.CleanupScheduledAt.Before(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *MemoryTracker) MarkCleaned(ctx context.Context, tempFilename string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, row := range t.rows {
		if row.TempFilename == tempFilename {
			row.Status = StatusCleaned
			t.rows[id] = row
		}
	}
	return nil
}

func (t *MemoryTracker) PurgeCleanedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var purged int64
	for id, row := range t.rows {
		if row.Status == StatusCleaned && row.CreatedAt.Before(cutoff) {
			delete(t.rows, id)
			purged++
		}
	}
	return purged, nil
}

func (t *MemoryTracker) Close() error {
	return nil
}
