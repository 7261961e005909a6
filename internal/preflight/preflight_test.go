package preflight

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"camrelay/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	result := CheckDirectoryAccess("test", t.TempDir())
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if result := CheckDirectoryAccess("test", f); result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckBinary(t *testing.T) {
	present := filepath.Join(t.TempDir(), "detector")
	if err := os.WriteFile(present, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	tests := []struct {
		name    string
		command string
		want    bool
	}{
		{name: "present", command: present, want: true},
		{name: "missing", command: "clearly-not-present-binary", want: false},
		{name: "empty", command: " ", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckBinary("Detector", tt.command); got.Passed != tt.want {
				t.Fatalf("CheckBinary(%q) = %+v, want passed=%v", tt.command, got, tt.want)
			}
		})
	}
}

func TestCheckEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "ok", status: http.StatusOK, want: true},
		{name: "unauthorized still reachable", status: http.StatusUnauthorized, want: true},
		{name: "server error", status: http.StatusServiceUnavailable, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()
			if got := CheckEndpoint(context.Background(), "nvr", srv.URL, 0); got.Passed != tt.want {
				t.Fatalf("CheckEndpoint = %+v, want passed=%v", got, tt.want)
			}
		})
	}
}

func TestCheckEndpoint_MissingURL(t *testing.T) {
	if result := CheckEndpoint(context.Background(), "nvr", "", 0); result.Passed {
		t.Fatal("expected failure for missing URL")
	}
}

func TestCheckTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	if result := CheckTCP(context.Background(), "SFTP server", "127.0.0.1", addr.Port); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	_ = ln.Close()
	if result := CheckTCP(context.Background(), "SFTP server", "127.0.0.1", addr.Port); result.Passed {
		t.Fatal("expected failure after listener closed")
	}
	if result := CheckTCP(context.Background(), "SFTP server", "", 22); result.Passed || result.Detail != "missing host" {
		t.Fatalf("unexpected result for empty host: %+v", result)
	}
}

func TestRunAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LedgerPath = filepath.Join(base, "ledger.db")
	cfg.Cameras = []config.Camera{
		{Name: "front", URL: srv.URL + "/mjpeg"},
		{Name: "garage", URL: "http://127.0.0.1:1/mjpeg", Disabled: true},
	}
	cfg.Servers = []config.Server{{Name: "nvr", URL: srv.URL + "/health", TimeoutMillis: 500}}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	results := RunAll(context.Background(), &cfg)
	names := make(map[string]Result, len(results))
	for _, r := range results {
		names[r.Name] = r
	}
	for _, want := range []string{"Log directory", "Artifact directory", "Ledger directory", "Camera front", "Server nvr"} {
		r, ok := names[want]
		if !ok {
			t.Fatalf("missing check %q in %+v", want, results)
		}
		if !r.Passed {
			t.Fatalf("check %q failed: %s", want, r.Detail)
		}
	}
	if _, ok := names["Camera garage"]; ok {
		t.Fatal("disabled camera should not be checked")
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestFailedIgnoresOptional(t *testing.T) {
	results := []Result{
		{Name: "a", Passed: true},
		{Name: "b", Optional: true, Detail: "timed out"},
		{Name: "c", Detail: "does not exist"},
	}
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "c" {
		t.Fatalf("unexpected failed set %+v", failed)
	}
	for i, want := range []string{"ok", "warn", "error"} {
		if got := results[i].Severity(); got != want {
			t.Fatalf("Severity(%s) = %q, want %q", results[i].Name, got, want)
		}
	}
}
