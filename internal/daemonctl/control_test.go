package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"camrelay/internal/config"
	"camrelay/internal/ledger"
)

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content *string
		want    int
		wantErr bool
	}{
		{name: "missing", content: nil, want: 0},
		{name: "valid", content: ptr("4242\n"), want: 4242},
		{name: "blank", content: ptr("  \n"), want: 0},
		{name: "garbage", content: ptr("abc"), wantErr: true},
		{name: "negative", content: ptr("-5"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".pid")
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0o644); err != nil {
					t.Fatalf("write pid: %v", err)
				}
			}
			got, err := ReadPID(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadPID err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ReadPID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestForceKillRefusesCurrentProcess(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "camrelay.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := ForceKillProcess(pidPath, "", 0); err == nil {
		t.Fatal("expected refusal to kill current process")
	}
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("pid file should be kept after refusal: %v", err)
	}
}

func TestForceKillWithoutPID(t *testing.T) {
	if _, err := ForceKillProcess(filepath.Join(t.TempDir(), "absent.pid"), "", 0); err == nil {
		t.Fatal("expected error without any pid")
	}
}

func TestWaitForShutdownMissingSocket(t *testing.T) {
	if err := WaitForShutdown(filepath.Join(t.TempDir(), "absent.sock"), time.Second); err != nil {
		t.Fatalf("expected immediate success, got %v", err)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testConfig(t)
	if _, err := StopAndTerminate(&cfg, time.Second); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestBuildStatusSnapshotOffline(t *testing.T) {
	cfg := testConfig(t)
	store, err := ledger.Open(cfg.Paths.LedgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	ctx := context.Background()
	for _, status := range []ledger.Status{ledger.StatusUploaded, ledger.StatusFailed} {
		if _, err := store.Record(ctx, ledger.Upload{Camera: "front", LocalPath: "/a.csv", Bytes: 10, Status: status}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = store.Close()

	snapshot, err := BuildStatusSnapshot(ctx, &cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if snapshot.Reachable || snapshot.Status.Running {
		t.Fatalf("expected offline snapshot, got %+v", snapshot)
	}
	if snapshot.Status.Uploads.Total != 2 || snapshot.Status.Uploads.Failed != 1 {
		t.Fatalf("unexpected upload summary %+v", snapshot.Status.Uploads)
	}
	if len(snapshot.Checks) < 3 {
		t.Fatalf("expected directory checks, got %+v", snapshot.Checks)
	}
	for _, check := range snapshot.Checks[:3] {
		if !check.Passed {
			t.Fatalf("directory check failed: %+v", check)
		}
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base, err := os.MkdirTemp("", "crctl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LedgerPath = filepath.Join(base, "ledger.db")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return cfg
}

func ptr(s string) *string { return &s }
