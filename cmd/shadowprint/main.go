package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/printworks/shadowprint/internal/httpapi"
	"github.com/printworks/shadowprint/internal/moonraker"
	"github.com/printworks/shadowprint/internal/shadowprint"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("SHADOWPRINT_ADDR")
	if addr == "" {
		addr = ":8087"
	}

	tracker, err := shadowprint.BuildTrackerFromDSN(os.Getenv("SHADOWPRINT_TRACKER_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize tracker: %v", err)
	}

	var (
		client *moonraker.Client
		runner shadowprint.GCodeRunner
	)
	moonrakerURL := strings.TrimSpace(os.Getenv("SHADOWPRINT_MOONRAKER_URL"))
	if moonrakerURL != "" {
		client = moonraker.NewClient(moonrakerURL, log.Default())
		go client.Run(ctx)
		runner = client
	} else {
		log.Printf("SHADOWPRINT_MOONRAKER_URL not set, prints cannot be started")
	}

	manager, err := shadowprint.NewManager(shadowprint.Options{
		GcodesDir:       os.Getenv("SHADOWPRINT_GCODES_DIR"),
		TempDir:         os.Getenv("SHADOWPRINT_TEMP_DIR"),
		SymlinkDir:      os.Getenv("SHADOWPRINT_SYMLINK_DIR"),
		CleanupDelay:    durationEnv("SHADOWPRINT_CLEANUP_DELAY", 0),
		MaxContentBytes: int64Env("SHADOWPRINT_MAX_CONTENT_BYTES", 0),
		Disabled:        !boolEnv("SHADOWPRINT_ENABLED", true),
		Tracker:         tracker,
		Runner:          runner,
		Logger:          log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize print manager: %v", err)
	}
	defer manager.Close()

	if client != nil {
		// The capability probe needs a live connection, so it runs in the
		// background and installs the history handle when it resolves.
		go func() {
			probeCtx, cancel := context.WithTimeout(ctx, durationEnv("SHADOWPRINT_CAPABILITY_TIMEOUT", 15*time.Second))
			defer cancel()
			historyClient, err := client.WaitHistoryCapability(probeCtx)
			switch {
			case err != nil:
				log.Printf("history capability probe failed, history patching disabled: %v", err)
			case historyClient == nil:
				log.Printf("moonraker does not expose the history component, history patching disabled")
			default:
				manager.SetHistory(historyClient)
				log.Printf("history patching enabled")
			}
		}()
		client.OnNotification("notify_job_state_changed", func(ctx context.Context, params json.RawMessage) {
			var payload []struct {
				PrevStats shadowprint.JobStats `json:"prev_stats"`
				NewStats  shadowprint.JobStats `json:"new_stats"`
			}
			if err := json.Unmarshal(params, &payload); err != nil || len(payload) == 0 {
				log.Printf("ignoring malformed job state notification: %v", err)
				return
			}
			manager.HandleJobStateChanged(ctx, payload[0].PrevStats, payload[0].NewStats)
		})
		client.OnNotification("notify_klippy_ready", func(ctx context.Context, _ json.RawMessage) {
			manager.HandleKlippyReady(ctx)
		})
	}

	go func() {
		if _, err := manager.Reconcile(ctx, time.Now().UTC()); err != nil {
			log.Printf("startup reconciliation failed: %v", err)
		}
	}()
	if err := manager.WatchThumbnails(ctx); err != nil {
		log.Printf("thumbnail watcher unavailable: %v", err)
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(manager, httpapi.ServerConfig{
			MaxBodyBytes: int64Env("SHADOWPRINT_MAX_BODY_BYTES", 0),
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("shadowprint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
