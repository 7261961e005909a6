package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"camrelay/internal/config"
	"camrelay/internal/logging"
)

// Event names a notification type. Values double as MQTT topic suffixes.
type Event string

const (
	EventDaemonStarted     Event = "daemon_started"
	EventServerAvailable   Event = "server_available"
	EventServerUnavailable Event = "server_unavailable"
	EventUploadFailures    Event = "upload_failures"
	EventShutdownPartial   Event = "shutdown_partial"
	EventTest              Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes relay events to operator-facing sinks.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds the configured sinks: ntfy when a topic is set, MQTT when
// a broker is set, both behind a Multi when both are set. With neither a noop
// implementation is returned. Event families disabled in cfg are dropped
// before reaching any sink.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	logger = logging.NewComponentLogger(logger, "notifications")
	var sinks []Service
	if topic := strings.TrimSpace(cfg.Notifications.NtfyTopic); topic != "" {
		sinks = append(sinks, NewNtfy(topic, cfg.Notifications.RequestTimeoutDuration()))
	}
	if broker := strings.TrimSpace(cfg.Notifications.MQTTBroker); broker != "" {
		sinks = append(sinks, NewMQTT(MQTTOptions{
			Broker:   broker,
			Topic:    cfg.Notifications.MQTTTopic,
			ClientID: cfg.Notifications.MQTTClientID,
			Timeout:  cfg.Notifications.RequestTimeoutDuration(),
		}, logger))
	}

	var svc Service
	switch len(sinks) {
	case 0:
		return noopService{}
	case 1:
		svc = sinks[0]
	default:
		svc = Multi(sinks...)
	}

	muted := map[Event]bool{}
	if !cfg.Notifications.HealthChanges {
		muted[EventServerAvailable] = true
		muted[EventServerUnavailable] = true
	}
	if !cfg.Notifications.Shutdown {
		muted[EventShutdownPartial] = true
	}
	if cfg.Notifications.UploadFailures <= 0 {
		muted[EventUploadFailures] = true
	}
	if len(muted) == 0 {
		return svc
	}
	return &filtered{next: svc, muted: muted}
}

// Close releases sink connections when svc holds any.
func Close(svc Service) error {
	if c, ok := svc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type filtered struct {
	next  Service
	muted map[Event]bool
}

func (f *filtered) Publish(ctx context.Context, event Event, payload Payload) error {
	if f.muted[event] {
		return nil
	}
	return f.next.Publish(ctx, event, payload)
}

func (f *filtered) Close() error { return Close(f.next) }

type multi []Service

// Multi fans an event out to every sink. All sinks are attempted; failures
// are joined.
func Multi(sinks ...Service) Service {
	return multi(sinks)
}

func (m multi) Publish(ctx context.Context, event Event, payload Payload) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := Close(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
