package records

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return rows
}

func TestCSVWriterAppendsWithinInterval(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewCSVWriter(dir, time.Minute, logging.NewNop())
	w.now = clock.now
	defer w.Close()

	first, err := w.ProduceArtifact(context.Background(), Detection{
		Camera:    "dock",
		Frame:     1,
		Timestamp: clock.t,
		Boxes: []Box{
			{Label: "person", Confidence: 0.9, X1: 10, Y1: 20, X2: 50, Y2: 80},
			{Label: "forklift", Confidence: 0.5, X1: 100, Y1: 100, X2: 90, Y2: 130},
		},
	})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if first.Rows != 2 || first.Camera != "dock" {
		t.Fatalf("unexpected artifact: %+v", first)
	}
	if filepath.Dir(first.Path) != filepath.Join(dir, "dock") {
		t.Fatalf("unexpected artifact dir: %s", first.Path)
	}

	clock.t = clock.t.Add(30 * time.Second)
	second, err := w.ProduceArtifact(context.Background(), Detection{Camera: "dock", Frame: 2, Timestamp: clock.t})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if second.Path != first.Path {
		t.Fatalf("expected same file within interval, got %s and %s", first.Path, second.Path)
	}
	if second.Rows != 3 || second.Size <= first.Size {
		t.Fatalf("expected file to grow: first=%+v second=%+v", first, second)
	}

	rows := readRows(t, second.Path)
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][len(rows[0])-1] != "height_px" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][3] != "person" || rows[1][9] != "40" || rows[1][10] != "60" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[2][9] != "10" {
		t.Fatalf("expected width from reversed corners, got %v", rows[2])
	}
	if rows[3][2] != "2" || rows[3][3] != "" {
		t.Fatalf("expected empty-label row for frame without boxes, got %v", rows[3])
	}
}

func TestCSVWriterRotatesAfterInterval(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewCSVWriter(dir, time.Minute, logging.NewNop())
	w.now = clock.now
	defer w.Close()

	a, err := w.ProduceArtifact(context.Background(), Detection{Camera: "yard", Timestamp: clock.t})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	clock.t = clock.t.Add(61 * time.Second)
	b, err := w.ProduceArtifact(context.Background(), Detection{Camera: "yard", Timestamp: clock.t})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if a.Path == b.Path {
		t.Fatal("expected a new file after the rotation interval")
	}
	if b.Rows != 1 || !b.IntervalStart.Equal(clock.t) {
		t.Fatalf("unexpected rotated artifact: %+v", b)
	}
	if got := len(readRows(t, a.Path)); got != 2 {
		t.Fatalf("expected rotated file to keep its rows, got %d", got)
	}
}

func TestCSVWriterSeparatesCameras(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, time.Minute, logging.NewNop())
	defer w.Close()

	a, err := w.ProduceArtifact(context.Background(), Detection{Camera: "a", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("write a: %v", err)
	}
	b, err := w.ProduceArtifact(context.Background(), Detection{Camera: "b", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("write b: %v", err)
	}
	if filepath.Dir(a.Path) == filepath.Dir(b.Path) {
		t.Fatalf("expected per-camera directories, got %s and %s", a.Path, b.Path)
	}
}

func TestCSVWriterRejectsBadInput(t *testing.T) {
	w := NewCSVWriter(t.TempDir(), time.Minute, logging.NewNop())
	defer w.Close()

	if _, err := w.ProduceArtifact(context.Background(), Detection{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.ProduceArtifact(ctx, Detection{Camera: "a"}); !errors.Is(err, services.ErrProcessing) {
		t.Fatalf("expected processing error, got %v", err)
	}
}

func TestCSVWriterFailsWhenDirectoryUnwritable(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	w := NewCSVWriter(blocker, time.Minute, logging.NewNop())
	_, err := w.ProduceArtifact(context.Background(), Detection{Camera: "a", Timestamp: time.Now()})
	if !errors.Is(err, services.ErrProcessing) {
		t.Fatalf("expected processing error, got %v", err)
	}
}
