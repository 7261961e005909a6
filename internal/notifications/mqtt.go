package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Timeout  time.Duration
}

// mqttClient is the subset of mqtt.Client the sink uses.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTService publishes events as JSON to <topic>/<event>. The client
// connects in the background and reconnects on its own; publishing while
// disconnected fails with ErrConnection.
type MQTTService struct {
	opts   MQTTOptions
	client mqttClient
	logger *slog.Logger

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// MQTTStats reports per-topic publish counts.
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTT starts connecting to the broker and returns immediately.
func NewMQTT(opts MQTTOptions, logger *slog.Logger) *MQTTService {
	opts = normalizeMQTT(opts)
	logger = logging.NewComponentLogger(logger, "mqtt")

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(2 * time.Second)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)
	clientOpts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", logging.String("broker", opts.Broker), logging.String("client_id", opts.ClientID))
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.WarnWithContext(logger, "mqtt connection lost", "mqtt_connection_lost",
			logging.Error(err),
			logging.String("broker", opts.Broker),
			logging.String(logging.FieldErrorHint, "check broker availability; the client reconnects automatically"),
			logging.String(logging.FieldImpact, "events are not published to MQTT until reconnected"),
		)
	}

	client := mqtt.NewClient(clientOpts)
	client.Connect()
	return newMQTTWithClient(opts, client, logger)
}

func newMQTTWithClient(opts MQTTOptions, client mqttClient, logger *slog.Logger) *MQTTService {
	return &MQTTService{
		opts:      normalizeMQTT(opts),
		client:    client,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

func normalizeMQTT(opts MQTTOptions) MQTTOptions {
	if opts.Broker != "" && !strings.Contains(opts.Broker, "://") {
		opts.Broker = "tcp://" + opts.Broker
	}
	opts.Topic = strings.Trim(opts.Topic, "/")
	if opts.Topic == "" {
		opts.Topic = "camrelay"
	}
	if opts.ClientID == "" {
		opts.ClientID = "camrelay-" + uuid.NewString()[:8]
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	return opts
}

func (m *MQTTService) Publish(ctx context.Context, event Event, payload Payload) error {
	topic := fmt.Sprintf("%s/%s", m.opts.Topic, event)
	if !m.client.IsConnectionOpen() {
		m.countError()
		return services.Wrap(services.ErrConnection, "notifications", "mqtt publish", "not connected to "+m.opts.Broker, nil)
	}

	doc := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		doc[k] = v
	}
	doc["event"] = string(event)
	doc["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	body, err := json.Marshal(doc)
	if err != nil {
		m.countError()
		return services.Wrap(services.ErrValidation, "notifications", "mqtt publish", "marshal payload", err)
	}

	token := m.client.Publish(topic, m.opts.QoS, false, body)
	timeout := m.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		m.countError()
		return services.Wrap(services.ErrTimeout, "notifications", "mqtt publish", topic, nil)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return services.Wrap(services.ErrConnection, "notifications", "mqtt publish", topic, err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
	m.logger.Debug("event published", logging.String("topic", topic), logging.Int("size", len(body)))
	return nil
}

// Stats returns a copy of the publish counters.
func (m *MQTTService) Stats() MQTTStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MQTTStats{Connected: m.client.IsConnectionOpen(), Published: published, Errors: m.errors}
}

// Close disconnects with a short grace period for in-flight publishes.
func (m *MQTTService) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTTService) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
