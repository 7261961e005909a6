package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"camrelay/internal/connpool"
	"camrelay/internal/logging"
	"camrelay/internal/records"
	"camrelay/internal/services"
)

// HTTPUploader PUTs artifacts to <base>/<camera>/<file> through the shared pool.
type HTTPUploader struct {
	base    *url.URL
	pool    *connpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPUploader validates baseURL and returns an uploader bound to pool.
func NewHTTPUploader(baseURL string, pool *connpool.Pool, timeout time.Duration, logger *slog.Logger) (*HTTPUploader, error) {
	if pool == nil {
		return nil, services.Wrap(services.ErrConfiguration, "transfer", "new http", "connection pool is required", nil)
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, services.Wrap(services.ErrConfiguration, "transfer", "new http", fmt.Sprintf("invalid http_url %q", baseURL), err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPUploader{
		base:    parsed,
		pool:    pool,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "transfer-http"),
	}, nil
}

func (u *HTTPUploader) Upload(ctx context.Context, artifact records.Artifact) (Receipt, error) {
	start := time.Now()
	f, err := os.Open(artifact.Path)
	if err != nil {
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "open artifact", artifact.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "stat artifact", artifact.Path, err)
	}

	target := u.base.JoinPath(artifact.Camera, artifact.Name)
	reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, target.String(), f)
	if err != nil {
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "build request", target.Redacted(), err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "text/csv")

	resp, err := u.pool.Do(req)
	if err != nil {
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "put", target.Redacted(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "put", fmt.Sprintf("%s returned %s", target.Redacted(), resp.Status), nil)
	}

	receipt := Receipt{
		Camera:     artifact.Camera,
		LocalPath:  artifact.Path,
		RemotePath: target.String(),
		Bytes:      info.Size(),
		UploadedAt: time.Now().UTC(),
		Duration:   time.Since(start),
	}
	u.logger.Debug("artifact uploaded",
		logging.String(logging.FieldCamera, artifact.Camera),
		logging.String("remote", receipt.RemotePath),
		logging.Int64("bytes", receipt.Bytes),
	)
	return receipt, nil
}

func (u *HTTPUploader) Close() error { return nil }
