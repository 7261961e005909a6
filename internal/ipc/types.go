package ipc

import "camrelay/internal/api"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse carries the full daemon snapshot.
type StatusResponse struct {
	Status api.DaemonStatus `json:"status"`
}

// StopRequest stops every component within the shutdown deadline.
type StopRequest struct{}

// StopResponse reports the shutdown outcome.
type StopResponse struct {
	Stopped bool               `json:"stopped"`
	Report  api.ShutdownReport `json:"report"`
}

// HealthRequest fetches server health snapshots.
type HealthRequest struct{}

// HealthResponse lists every monitored server.
type HealthResponse struct {
	Servers []api.ServerStatus `json:"servers"`
}

// UploadsRequest lists recent ledger rows. An empty camera matches all.
type UploadsRequest struct {
	Camera string `json:"camera"`
	Limit  int    `json:"limit"`
}

// UploadsResponse contains ledger rows, newest first.
type UploadsResponse struct {
	Uploads []api.Upload `json:"uploads"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
