package workflow

import (
	"context"
	"errors"
	"log/slog"

	"camrelay/internal/health"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
)

// HealthSource is the part of health.Monitor the notifier bridge needs.
type HealthSource interface {
	AddListener(fn health.Listener)
	Status(name string) (health.Record, bool)
}

// NotifyHealthChanges publishes a notification when a server becomes
// unavailable or recovers. The first probe of a healthy server
// (UNKNOWN to AVAILABLE) is not announced.
func NotifyHealthChanges(monitor HealthSource, notifier notifications.Service, logger *slog.Logger) {
	logger = logging.NewComponentLogger(logger, "workflow")
	monitor.AddListener(func(name string, oldStatus, newStatus health.Status) {
		var event notifications.Event
		switch {
		case newStatus == health.StatusUnavailable:
			event = notifications.EventServerUnavailable
		case newStatus == health.StatusAvailable && oldStatus == health.StatusUnavailable:
			event = notifications.EventServerAvailable
		default:
			return
		}
		payload := notifications.Payload{"server": name, "previous": string(oldStatus)}
		if rec, ok := monitor.Status(name); ok {
			payload["url"] = rec.URL
			if rec.LastError != "" {
				payload["error"] = rec.LastError
			}
		}
		// Listeners run on the prober goroutine; keep the probe cadence.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := notifier.Publish(ctx, event, payload); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("health notification failed", logging.String(logging.FieldServer, name), logging.Error(err))
			}
		}()
	})
}
