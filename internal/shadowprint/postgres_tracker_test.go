package shadowprint

import (
	"errors"
	"testing"
)

func TestNewPostgresTrackerRequiresDSN(t *testing.T) {
	if _, err := NewPostgresTracker("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier("shadowprint_tracked_prints"); got != `"shadowprint_tracked_prints"` {
		t.Fatalf("unexpected quoting %q", got)
	}
	if got := postgresQuoteIdentifier(`evil"name`); got != `"evil""name"` {
		t.Fatalf("unexpected quoting of embedded quote %q", got)
	}
}
