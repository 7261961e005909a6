package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camrelay/internal/api"
	"camrelay/internal/capture"
	"camrelay/internal/config"
	"camrelay/internal/logging"
	"camrelay/internal/workflow"
)

func newTestAPI(t *testing.T, token string) (*apiServer, *fixture) {
	t.Helper()
	f := newFixture(t, testConfig(t), capture.PassthroughDetector{})
	srv := newAPIServer(config.API{Bind: "127.0.0.1:0", Token: token}, f.daemon, logging.NewNop())
	if srv == nil {
		t.Fatal("expected api server for a non-empty bind")
	}
	return srv, f
}

func serve(t *testing.T, srv *apiServer, method, target, token string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return w.Code
}

func TestAPIServerDisabledWithoutBind(t *testing.T) {
	srv := newAPIServer(config.API{Bind: "  "}, nil, logging.NewNop())
	if srv != nil {
		t.Fatal("expected nil server for empty bind")
	}
	if err := srv.start(); err != nil {
		t.Fatalf("nil start: %v", err)
	}
	srv.stop()
}

func TestAPIRequiresBearerToken(t *testing.T) {
	srv, _ := newTestAPI(t, "secret")
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "guess", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serve(t, srv, http.MethodGet, "/api/health", tt.token, nil); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestAPIStagesDescribeWiring(t *testing.T) {
	srv, _ := newTestAPI(t, "")
	var resp api.StagesResponse
	if code := serve(t, srv, http.MethodGet, "/api/stages", "", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(resp.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %+v", resp.Stages)
	}
	want := []struct{ name, next string }{
		{workflow.StageCapture, workflow.StageWriter},
		{workflow.StageWriter, workflow.StageUploader},
		{workflow.StageUploader, ""},
	}
	for i, w := range want {
		if resp.Stages[i].Name != w.name || resp.Stages[i].Next != w.next {
			t.Fatalf("stage %d: got %+v, want %s -> %q", i, resp.Stages[i], w.name, w.next)
		}
	}

	var pool api.PoolStatus
	if code := serve(t, srv, http.MethodGet, "/api/pool", "", &pool); code != http.StatusOK || pool.ActiveStreams != 0 {
		t.Fatalf("unexpected pool response %d %+v", code, pool)
	}
}

func TestAPILogsFilters(t *testing.T) {
	srv, f := newTestAPI(t, "")
	f.hub.Publish(logging.LogEvent{Level: "INFO", Message: "frame stream opened", Camera: "front", Component: "capture"})
	f.hub.Publish(logging.LogEvent{Level: "WARN", Message: "stream interrupted", Camera: "front", Component: "capture"})
	f.hub.Publish(logging.LogEvent{Level: "ERROR", Message: "upload failed", Camera: "yard", Component: "workflow"})

	tests := []struct {
		name  string
		query string
		want  []string
		next  uint64
	}{
		{"all", "", []string{"frame stream opened", "stream interrupted", "upload failed"}, 3},
		{"camera", "?camera=front", []string{"frame stream opened", "stream interrupted"}, 3},
		{"level", "?level=warn", []string{"stream interrupted", "upload failed"}, 3},
		{"component", "?component=WORKFLOW", []string{"upload failed"}, 3},
		{"since", "?since=2", []string{"upload failed"}, 3},
		{"tail", "?tail=1&limit=1", []string{"upload failed"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp api.LogStreamResponse
			if code := serve(t, srv, http.MethodGet, "/api/logs"+tt.query, "", &resp); code != http.StatusOK {
				t.Fatalf("expected 200, got %d", code)
			}
			var got []string
			for _, evt := range resp.Events {
				got = append(got, evt.Message)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
			if resp.Next != tt.next {
				t.Fatalf("expected next %d, got %d", tt.next, resp.Next)
			}
		})
	}
}

func TestAPIShutdownReturnsReport(t *testing.T) {
	srv, f := newTestAPI(t, "")
	if err := f.daemon.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	var report api.ShutdownReport
	if code := serve(t, srv, http.MethodPost, "/api/shutdown", "", &report); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !report.Clean || len(report.Stopped) == 0 || len(report.Stages) != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.daemon.Running() {
		t.Fatal("expected daemon stopped after shutdown request")
	}
}

func TestAPIShutdownReportsPartialPastWriteTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cfg := testConfig(t)
	cfg.Workflow.ShutdownDeadline = 1
	f := newFixture(t, cfg, blockingDetector{release: release})
	srv := newAPIServer(config.API{Bind: "127.0.0.1:0"}, f.daemon, logging.NewNop())
	srv.server.WriteTimeout = 200 * time.Millisecond
	if err := srv.start(); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping listener test: %v", err)
		}
		t.Fatalf("start api: %v", err)
	}
	t.Cleanup(srv.stop)

	if err := f.daemon.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	entry := f.pipeline.Entry()
	entry.Enqueue(capture.Frame{Camera: "front", Seq: 1, Timestamp: time.Now()})
	entry.Enqueue(capture.Frame{Camera: "front", Seq: 2, Timestamp: time.Now()})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+srv.listener.Addr().String()+"/api/shutdown", "application/json", nil)
	if err != nil {
		t.Fatalf("post shutdown: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report api.ShutdownReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Clean || len(report.Unconfirmed) == 0 {
		t.Fatalf("expected partial report, got %+v", report)
	}
}

func TestAPIUnknownRoutes(t *testing.T) {
	srv, _ := newTestAPI(t, "")
	if code := serve(t, srv, http.MethodGet, "/api/queue", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := serve(t, srv, http.MethodGet, "/api/shutdown", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}
