package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"camrelay/internal/health"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
	"camrelay/internal/workflow"
)

type fakeMonitor struct {
	mu        sync.Mutex
	listeners []health.Listener
	records   map[string]health.Record
}

func (m *fakeMonitor) AddListener(fn health.Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *fakeMonitor) Status(name string) (health.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}

func (m *fakeMonitor) transition(name string, from, to health.Status) {
	m.mu.Lock()
	m.records[name] = health.Record{Name: name, URL: "http://nvr/health", Status: to, LastError: "503 Service Unavailable"}
	listeners := append([]health.Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}

type syncNotifier struct {
	mu       sync.Mutex
	events   []notifications.Event
	payloads []notifications.Payload
}

func (n *syncNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *syncNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func TestNotifyHealthChanges(t *testing.T) {
	monitor := &fakeMonitor{records: map[string]health.Record{}}
	notifier := &syncNotifier{}
	workflow.NotifyHealthChanges(monitor, notifier, logging.NewNop())

	monitor.transition("nvr", health.StatusUnknown, health.StatusAvailable)
	monitor.transition("nvr", health.StatusAvailable, health.StatusUnavailable)
	waitFor(t, time.Second, func() bool { return notifier.count() == 1 })
	monitor.transition("nvr", health.StatusUnavailable, health.StatusAvailable)
	waitFor(t, time.Second, func() bool { return notifier.count() == 2 })

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.events[0] != notifications.EventServerUnavailable || notifier.events[1] != notifications.EventServerAvailable {
		t.Fatalf("unexpected events %v", notifier.events)
	}
	first := notifier.payloads[0]
	if first["server"] != "nvr" || first["url"] != "http://nvr/health" || first["previous"] != "AVAILABLE" {
		t.Fatalf("unexpected payload %v", first)
	}
}
