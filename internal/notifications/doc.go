// Package notifications delivers relay events to operators.
//
// ntfy receives short human-readable messages; MQTT receives one JSON document
// per event on <topic>/<event> for dashboards and automations. Either sink may
// be configured alone, and NewService degrades to a no-op when neither is.
// Callers depend only on the Service interface.
package notifications
