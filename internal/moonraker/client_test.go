package moonraker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeMoonraker struct {
	components    []string
	pushOnConnect *rpcMessage

	mu      sync.Mutex
	scripts []string
	modify  map[string]any
}

func (s *fakeMoonraker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	defer conn.Close(websocket.StatusNormalClosure, "")

	if s.pushOnConnect != nil {
		if err := wsjson.Write(ctx, conn, s.pushOnConnect); err != nil {
			return
		}
	}

	for {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     uint64          `json:"id"`
		}
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "server.info":
			resp["result"] = map[string]any{
				"klippy_state":      "ready",
				"components":        s.components,
				"moonraker_version": "v0.9.3",
			}
		case "printer.gcode.script":
			var p struct {
				Script string `json:"script"`
			}
			_ = json.Unmarshal(req.Params, &p)
			s.mu.Lock()
			s.scripts = append(s.scripts, p.Script)
			s.mu.Unlock()
			resp["result"] = "ok"
		case "server.history.get_job":
			var p struct {
				UID string `json:"uid"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if p.UID == "0001AB" {
				resp["result"] = map[string]any{
					"job": map[string]any{
						"job_id":         "0001AB",
						"filename":       ".shadow_print/part.gcode",
						"auxiliary_data": map[string]any{"filament_used": 12.5},
					},
				}
			} else {
				resp["error"] = map[string]any{"code": 404, "message": "job not found"}
			}
		case "server.history.modify_job":
			var p map[string]any
			_ = json.Unmarshal(req.Params, &p)
			s.mu.Lock()
			s.modify = p
			s.mu.Unlock()
			resp["result"] = map[string]any{}
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

func startClient(t *testing.T, s *fakeMoonraker) (*Client, context.Context) {
	t.Helper()
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	client := NewClient(url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	go client.Run(ctx)
	return client, ctx
}

func TestRunScriptAndHistory(t *testing.T) {
	server := &fakeMoonraker{components: []string{"klippy_connection", "history", "file_manager"}}
	client, ctx := startClient(t, server)

	history, err := client.WaitHistoryCapability(ctx)
	if err != nil {
		t.Fatalf("WaitHistoryCapability: %v", err)
	}
	if history == nil {
		t.Fatalf("expected history capability")
	}

	if err := client.RunScript(ctx, `SDCARD_PRINT_FILE FILENAME=".shadow_print/part.gcode"`); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	server.mu.Lock()
	scripts := append([]string(nil), server.scripts...)
	server.mu.Unlock()
	if len(scripts) != 1 || !strings.Contains(scripts[0], ".shadow_print/part.gcode") {
		t.Fatalf("unexpected scripts %v", scripts)
	}

	job, err := history.GetJob(ctx, "0001AB")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job == nil || job.UID != "0001AB" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Filename != ".shadow_print/part.gcode" {
		t.Fatalf("unexpected job filename %q", job.Filename)
	}
	if job.AuxiliaryData["filament_used"] != 12.5 {
		t.Fatalf("unexpected auxiliary data %v", job.AuxiliaryData)
	}

	missing, err := history.GetJob(ctx, "FFFFFF")
	if err != nil {
		t.Fatalf("GetJob missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil job for unknown uid, got %+v", missing)
	}

	if err := history.ModifyJob(ctx, "0001AB", "part.gcode", map[string]any{"shadowprint_original": "part.gcode"}); err != nil {
		t.Fatalf("ModifyJob: %v", err)
	}
	server.mu.Lock()
	modify := server.modify
	server.mu.Unlock()
	if modify["uid"] != "0001AB" || modify["filename"] != "part.gcode" {
		t.Fatalf("unexpected modify params %v", modify)
	}
}

func TestHistoryCapabilityAbsent(t *testing.T) {
	server := &fakeMoonraker{components: []string{"klippy_connection", "file_manager"}}
	client, ctx := startClient(t, server)

	history, err := client.WaitHistoryCapability(ctx)
	if err != nil {
		t.Fatalf("WaitHistoryCapability: %v", err)
	}
	if history != nil {
		t.Fatalf("expected nil capability handle")
	}
}

func TestNotificationDispatch(t *testing.T) {
	server := &fakeMoonraker{
		components: []string{"history"},
		pushOnConnect: &rpcMessage{
			JSONRPC: "2.0",
			Method:  "notify_job_state_changed",
			Params:  json.RawMessage(`[{"new_stats":{"state":"printing","filename":".shadow_print/part.gcode","job_id":"0001AB"}}]`),
		},
	}

	received := make(chan json.RawMessage, 1)
	httpSrv := httptest.NewServer(server)
	t.Cleanup(httpSrv.Close)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	client := NewClient(url, nil)
	client.OnNotification("notify_job_state_changed", func(ctx context.Context, params json.RawMessage) {
		// Calling back through the client from a handler must not deadlock.
		if _, err := client.ServerInfo(ctx); err != nil {
			t.Errorf("ServerInfo from handler: %v", err)
		}
		received <- params
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	go client.Run(ctx)

	select {
	case params := <-received:
		var payload []struct {
			NewStats struct {
				State    string `json:"state"`
				Filename string `json:"filename"`
				JobID    string `json:"job_id"`
			} `json:"new_stats"`
		}
		if err := json.Unmarshal(params, &payload); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if len(payload) != 1 || payload[0].NewStats.JobID != "0001AB" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-ctx.Done():
		t.Fatalf("notification never dispatched")
	}
}

func TestCallWithoutConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/websocket", nil)
	err := client.Call(context.Background(), "server.info", nil, nil)
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
