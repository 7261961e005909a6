package records

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

// Header is the first row of every record file.
var Header = []string{"timestamp", "camera", "frame", "label", "confidence", "x1", "y1", "x2", "y2", "width_px", "height_px"}

const timestampLayout = "2006-01-02 15:04:05.000000"

// CSVWriter appends detections to one CSV file per camera, starting a new file
// whenever the rotation interval has elapsed since the current file was opened.
type CSVWriter struct {
	dir    string
	rotate time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	files map[string]*csvFile
}

type csvFile struct {
	path  string
	name  string
	start time.Time
	rows  int
	f     *os.File
	w     *csv.Writer
}

// NewCSVWriter writes under dir/<camera>/. A non-positive rotate falls back to
// one minute.
func NewCSVWriter(dir string, rotate time.Duration, logger *slog.Logger) *CSVWriter {
	if rotate <= 0 {
		rotate = time.Minute
	}
	return &CSVWriter{
		dir:    dir,
		rotate: rotate,
		logger: logging.NewComponentLogger(logger, "records"),
		now:    time.Now,
		files:  make(map[string]*csvFile),
	}
}

// ProduceArtifact appends det to its camera's current file. A detection with no
// boxes still writes a single row with an empty label.
func (w *CSVWriter) ProduceArtifact(ctx context.Context, det Detection) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, services.Wrap(services.ErrProcessing, "records", "write", "context done", err)
	}
	if det.Camera == "" {
		return Artifact{}, services.Wrap(services.ErrValidation, "records", "write", "detection has no camera", nil)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := w.currentLocked(det.Camera)
	if err != nil {
		return Artifact{}, err
	}
	for _, row := range rowsFor(det) {
		if err := file.w.Write(row); err != nil {
			return Artifact{}, services.Wrap(services.ErrProcessing, "records", "write", file.path, err)
		}
		file.rows++
	}
	file.w.Flush()
	if err := file.w.Error(); err != nil {
		return Artifact{}, services.Wrap(services.ErrProcessing, "records", "flush", file.path, err)
	}
	info, err := file.f.Stat()
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrProcessing, "records", "stat", file.path, err)
	}
	return Artifact{
		Camera:        det.Camera,
		Path:          file.path,
		Name:          file.name,
		Size:          info.Size(),
		Rows:          file.rows,
		IntervalStart: file.start,
	}, nil
}

func (w *CSVWriter) currentLocked(camera string) (*csvFile, error) {
	now := w.now()
	if file, ok := w.files[camera]; ok {
		if now.Sub(file.start) < w.rotate {
			return file, nil
		}
		if err := file.f.Close(); err != nil {
			w.logger.Debug("close rotated record file", logging.String("path", file.path), logging.Error(err))
		}
		delete(w.files, camera)
	}

	dir := filepath.Join(w.dir, camera)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrProcessing, "records", "mkdir", dir, err)
	}
	name := fmt.Sprintf("%s_%s.csv", camera, now.UTC().Format("20060102T150405.000000Z"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, services.Wrap(services.ErrProcessing, "records", "create", path, err)
	}
	file := &csvFile{path: path, name: name, start: now, f: f, w: csv.NewWriter(f)}
	if err := file.w.Write(Header); err != nil {
		_ = f.Close()
		return nil, services.Wrap(services.ErrProcessing, "records", "write header", path, err)
	}
	w.files[camera] = file
	w.logger.Info("record file opened",
		logging.String(logging.FieldCamera, camera),
		logging.String("path", path),
		logging.Duration("rotate_interval", w.rotate),
	)
	return file, nil
}

// Close flushes and closes every open file.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for camera, file := range w.files {
		file.w.Flush()
		if err := file.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, camera)
	}
	return first
}

func rowsFor(det Detection) [][]string {
	base := []string{
		det.Timestamp.UTC().Format(timestampLayout),
		det.Camera,
		strconv.FormatUint(det.Frame, 10),
	}
	if len(det.Boxes) == 0 {
		return [][]string{append(base, "", "", "", "", "", "", "", "")}
	}
	rows := make([][]string, 0, len(det.Boxes))
	for _, b := range det.Boxes {
		row := append(append([]string(nil), base...),
			b.Label,
			formatFloat(b.Confidence),
			formatFloat(b.X1),
			formatFloat(b.Y1),
			formatFloat(b.X2),
			formatFloat(b.Y2),
			formatFloat(b.Width()),
			formatFloat(b.Height()),
		)
		rows = append(rows, row)
	}
	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
