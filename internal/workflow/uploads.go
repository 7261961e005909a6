package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"camrelay/internal/ledger"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
	"camrelay/internal/records"
	"camrelay/internal/services"
	"camrelay/internal/transfer"
)

const notifyTimeout = 10 * time.Second

// uploadTracker is the uploader stage's process function. It records every
// attempt in the ledger and raises one notification when a camera reaches
// the configured run of consecutive failures.
type uploadTracker struct {
	uploader  transfer.Uploader
	ledger    UploadRecorder
	notifier  notifications.Service
	threshold int
	logger    *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func (u *uploadTracker) process(ctx context.Context, artifact records.Artifact) (transfer.Receipt, error) {
	ctx = services.WithCamera(ctx, artifact.Camera)
	start := time.Now()
	receipt, err := u.uploader.Upload(ctx, artifact)
	elapsed := time.Since(start)

	u.record(ctx, artifact, receipt, err, elapsed)
	u.track(ctx, artifact.Camera, err)
	if err != nil {
		return transfer.Receipt{}, err
	}
	logging.WithContext(ctx, u.logger).Debug("artifact uploaded",
		logging.String("remote_path", receipt.RemotePath),
		logging.Int64("bytes", receipt.Bytes),
		logging.Duration("elapsed", elapsed),
	)
	return receipt, nil
}

func (u *uploadTracker) record(ctx context.Context, artifact records.Artifact, receipt transfer.Receipt, uploadErr error, elapsed time.Duration) {
	if u.ledger == nil {
		return
	}
	entry := ledger.Upload{
		Camera:     artifact.Camera,
		LocalPath:  artifact.Path,
		RemotePath: receipt.RemotePath,
		Bytes:      artifact.Size,
		Rows:       artifact.Rows,
		Status:     ledger.StatusUploaded,
		Duration:   elapsed,
	}
	if uploadErr != nil {
		entry.Status = ledger.StatusFailed
		entry.Error = uploadErr.Error()
	} else if receipt.Bytes > 0 {
		entry.Bytes = receipt.Bytes
	}
	if _, err := u.ledger.Record(ctx, entry); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, u.logger), "failed to record upload in ledger", "ledger_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the ledger database path and disk space"),
			logging.String(logging.FieldImpact, "upload history is incomplete; uploads continue"),
		)
	}
}

func (u *uploadTracker) track(ctx context.Context, camera string, uploadErr error) {
	u.mu.Lock()
	if uploadErr == nil {
		recovered := u.failures[camera] >= u.threshold && u.threshold > 0
		u.failures[camera] = 0
		u.mu.Unlock()
		if recovered {
			logging.WithContext(ctx, u.logger).Info("uploads recovered")
		}
		return
	}
	u.failures[camera]++
	count := u.failures[camera]
	u.mu.Unlock()

	if u.threshold <= 0 || count != u.threshold {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := u.notifier.Publish(notifyCtx, notifications.EventUploadFailures, notifications.Payload{
		"camera":   camera,
		"failures": count,
		"error":    uploadErr.Error(),
	}); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, u.logger), "upload failure notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notification settings with camrelay test-notify"),
			logging.String(logging.FieldImpact, "operators were not alerted about failing uploads"),
		)
	}
}

func (u *uploadTracker) snapshot() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.failures))
	for k, v := range u.failures {
		out[k] = v
	}
	return out
}
