package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"camrelay/internal/config"
	"camrelay/internal/connpool"
	"camrelay/internal/logging"
	"camrelay/internal/records"
	"camrelay/internal/services"
)

// Receipt acknowledges one successful upload.
type Receipt struct {
	Camera     string        `json:"camera"`
	LocalPath  string        `json:"local_path"`
	RemotePath string        `json:"remote_path"`
	Bytes      int64         `json:"bytes"`
	UploadedAt time.Time     `json:"uploaded_at"`
	Duration   time.Duration `json:"duration"`
}

// Uploader ships an artifact to the remote endpoint. Failures carry
// services.ErrTransfer.
type Uploader interface {
	Upload(ctx context.Context, artifact records.Artifact) (Receipt, error)
	Close() error
}

// New builds the uploader selected by cfg.Mode.
func New(cfg config.Transfer, pool *connpool.Pool, logger *slog.Logger) (Uploader, error) {
	switch cfg.Mode {
	case "", config.TransferNone:
		return NopUploader{logger: logging.NewComponentLogger(logger, "transfer")}, nil
	case config.TransferHTTP:
		return NewHTTPUploader(cfg.HTTPURL, pool, cfg.TimeoutDuration(), logger)
	case config.TransferSFTP:
		return NewSFTPUploader(SFTPOptions{
			Host:           cfg.Host,
			Port:           cfg.Port,
			User:           cfg.User,
			Password:       cfg.Password,
			KeyPath:        cfg.KeyPath,
			KnownHostsPath: cfg.KnownHostsPath,
			RemoteDir:      cfg.RemoteDir,
			Timeout:        cfg.TimeoutDuration(),
		}, logger)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "transfer", "new", fmt.Sprintf("unsupported mode %q", cfg.Mode), nil)
	}
}

// NopUploader accepts every artifact without sending it anywhere.
type NopUploader struct {
	logger *slog.Logger
}

func (n NopUploader) Upload(_ context.Context, artifact records.Artifact) (Receipt, error) {
	if n.logger != nil {
		n.logger.Debug("upload skipped; transfer disabled", logging.String("path", artifact.Path))
	}
	return Receipt{
		Camera:     artifact.Camera,
		LocalPath:  artifact.Path,
		Bytes:      artifact.Size,
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (NopUploader) Close() error { return nil }
