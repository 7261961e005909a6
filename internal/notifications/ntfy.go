package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"camrelay/internal/services"
)

const userAgent = "camrelay/0.1.0"

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

// NtfyService posts events to an ntfy topic URL.
type NtfyService struct {
	endpoint string
	client   *http.Client
}

// NewNtfy posts to endpoint with the given request timeout.
func NewNtfy(endpoint string, timeout time.Duration) *NtfyService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NtfyService{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (n *NtfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventDaemonStarted:
		return message{
			title: "Camrelay - Started",
			body:  fmt.Sprintf("Relaying %s camera(s)", field(payload, "cameras", "0")),
			tags:  []string{"camrelay", "daemon", "started"},
		}, true
	case EventServerAvailable:
		return message{
			title: "Camrelay - Server Available",
			body:  fmt.Sprintf("✅ %s is reachable again", field(payload, "server", "server")),
			tags:  []string{"camrelay", "health", "available"},
		}, true
	case EventServerUnavailable:
		body := fmt.Sprintf("⚠️ %s is unreachable", field(payload, "server", "server"))
		if reason := field(payload, "error", ""); reason != "" {
			body += ": " + reason
		}
		return message{
			title:    "Camrelay - Server Unavailable",
			body:     body,
			tags:     []string{"camrelay", "health", "unavailable"},
			priority: "high",
		}, true
	case EventUploadFailures:
		body := fmt.Sprintf("❌ %s consecutive upload failures for %s",
			field(payload, "failures", "?"), field(payload, "camera", "camera"))
		if reason := field(payload, "error", ""); reason != "" {
			body += "\nLast error: " + reason
		}
		return message{
			title:    "Camrelay - Upload Failures",
			body:     body,
			tags:     []string{"camrelay", "upload", "alert"},
			priority: "high",
		}, true
	case EventShutdownPartial:
		return message{
			title:    "Camrelay - Partial Shutdown",
			body:     fmt.Sprintf("Components did not stop in time: %s", field(payload, "unconfirmed", "unknown")),
			tags:     []string{"camrelay", "shutdown", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Camrelay - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"camrelay", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func field(payload Payload, key, fallback string) string {
	value, ok := payload[key]
	if !ok || value == nil {
		return fallback
	}
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
		return fallback
	case []string:
		if len(v) == 0 {
			return fallback
		}
		return strings.Join(v, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func (n *NtfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return services.Wrap(services.ErrValidation, "notifications", "build ntfy request", "", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return services.Wrap(services.ClassifyNetwork(err), "notifications", "send ntfy notification", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return services.Wrap(services.ErrConnection, "notifications", "send ntfy notification",
			fmt.Sprintf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
