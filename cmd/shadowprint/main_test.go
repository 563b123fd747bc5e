package main

import (
	"os"
	"testing"
	"time"
)

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("SHADOWPRINT_TEST_INT64", "268435456")
	got := int64Env("SHADOWPRINT_TEST_INT64", 7)
	if got != 268435456 {
		t.Fatalf("expected 268435456, got %d", got)
	}
}

func TestInt64EnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SHADOWPRINT_TEST_INT64_BAD", "not-a-number")
	got := int64Env("SHADOWPRINT_TEST_INT64_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("SHADOWPRINT_TEST_DURATION", "36h")
	got := durationEnv("SHADOWPRINT_TEST_DURATION", time.Second)
	if got != 36*time.Hour {
		t.Fatalf("expected 36h, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SHADOWPRINT_TEST_DURATION_BAD", "soon")
	got := durationEnv("SHADOWPRINT_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnvParsesValue(t *testing.T) {
	t.Setenv("SHADOWPRINT_TEST_BOOL", "false")
	if got := boolEnv("SHADOWPRINT_TEST_BOOL", true); got {
		t.Fatalf("expected false")
	}
}

func TestBoolEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SHADOWPRINT_TEST_BOOL_BAD", "maybe")
	if got := boolEnv("SHADOWPRINT_TEST_BOOL_BAD", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("SHADOWPRINT_TEST_INT64_UNSET")
	_ = os.Unsetenv("SHADOWPRINT_TEST_DURATION_UNSET")

	if got := int64Env("SHADOWPRINT_TEST_INT64_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("SHADOWPRINT_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}
