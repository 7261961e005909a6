package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"camrelay/internal/services"
)

// Status is the outcome of one upload attempt.
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

// Upload is one ledger row.
type Upload struct {
	ID         int64         `json:"id"`
	Camera     string        `json:"camera"`
	LocalPath  string        `json:"local_path"`
	RemotePath string        `json:"remote_path,omitempty"`
	Bytes      int64         `json:"bytes"`
	Rows       int           `json:"rows"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	UploadedAt time.Time     `json:"uploaded_at"`
}

// Stats summarises the ledger.
type Stats struct {
	Total      int64     `json:"total"`
	Uploaded   int64     `json:"uploaded"`
	Failed     int64     `json:"failed"`
	Bytes      int64     `json:"bytes"`
	LastUpload time.Time `json:"last_upload,omitzero"`
}

// Store persists upload attempts in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// timeLayout is fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// Open creates or opens the ledger database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "ledger", "open", "ledger path is empty", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends an upload attempt and returns its id. A zero UploadedAt is
// stamped with the current time.
func (s *Store) Record(ctx context.Context, u Upload) (int64, error) {
	if u.Camera == "" || u.LocalPath == "" {
		return 0, services.Wrap(services.ErrValidation, "ledger", "record", "camera and local path are required", nil)
	}
	if u.Status == "" {
		u.Status = StatusUploaded
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now()
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO uploads (
            camera, local_path, remote_path, bytes, rows, status, error_message, duration_ms, uploaded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Camera,
		u.LocalPath,
		nullableString(u.RemotePath),
		u.Bytes,
		u.Rows,
		string(u.Status),
		nullableString(u.Error),
		u.Duration.Milliseconds(),
		u.UploadedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit uploads, newest first. camera filters when set.
func (s *Store) Recent(ctx context.Context, camera string, limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, camera, local_path, remote_path, bytes, rows, status, error_message, duration_ms, uploaded_at
        FROM uploads`
	args := []any{}
	if camera != "" {
		query += ` WHERE camera = ?`
		args = append(args, camera)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var (
			u          Upload
			remote     sql.NullString
			errMsg     sql.NullString
			status     string
			durationMS int64
			uploadedAt string
		)
		if err := rows.Scan(&u.ID, &u.Camera, &u.LocalPath, &remote, &u.Bytes, &u.Rows, &status, &errMsg, &durationMS, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		u.RemotePath = remote.String
		u.Error = errMsg.String
		u.Status = Status(status)
		u.Duration = time.Duration(durationMS) * time.Millisecond
		u.UploadedAt = parseTime(uploadedAt)
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// Stats aggregates every recorded attempt.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		last  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1),
                COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN status = ? THEN bytes ELSE 0 END), 0),
                MAX(CASE WHEN status = ? THEN uploaded_at END)
         FROM uploads`,
		string(StatusUploaded), string(StatusFailed), string(StatusUploaded), string(StatusUploaded),
	).Scan(&stats.Total, &stats.Uploaded, &stats.Failed, &stats.Bytes, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	if last.Valid {
		stats.LastUpload = parseTime(last.String)
	}
	return stats, nil
}

// Prune deletes rows older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM uploads WHERE uploaded_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune uploads: %w", err)
	}
	return res.RowsAffected()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
