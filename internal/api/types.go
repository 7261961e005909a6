package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool              `json:"running"`
	PID          int               `json:"pid"`
	StartedAt    string            `json:"startedAt,omitempty"`
	Uptime       string            `json:"uptime,omitempty"`
	LockFilePath string            `json:"lockFilePath"`
	LedgerPath   string            `json:"ledgerPath,omitempty"`
	LogPath      string            `json:"logPath,omitempty"`
	Pool         PoolStatus        `json:"pool"`
	Stages       []StageStatus     `json:"stages"`
	Sources      []SourceStatus    `json:"sources"`
	Servers      []ServerStatus    `json:"servers"`
	Components   []ComponentStatus `json:"components"`
	Uploads      UploadSummary     `json:"uploads"`
	LastShutdown *ShutdownReport   `json:"lastShutdown,omitempty"`
}

// PoolStatus reports connection pool counters and open streams.
type PoolStatus struct {
	RequestsMade      int64          `json:"requestsMade"`
	StreamsOpened     int64          `json:"streamsOpened"`
	StreamsClosed     int64          `json:"streamsClosed"`
	ConnectionsClosed int64          `json:"connectionsClosed"`
	Errors            int64          `json:"errors"`
	ActiveSessions    int            `json:"activeSessions"`
	ActiveStreams     int            `json:"activeStreams"`
	Streams           []StreamStatus `json:"streams"`
}

// StreamStatus describes one open stream handle.
type StreamStatus struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	OpenedAt string `json:"openedAt"`
}

// StageStatus mirrors a pipeline stage's counters and its handoff target.
type StageStatus struct {
	Name           string `json:"name"`
	Next           string `json:"next,omitempty"`
	Capacity       int    `json:"capacity"`
	Depth          int    `json:"depth"`
	Queued         int64  `json:"queued"`
	Processed      int64  `json:"processed"`
	Failed         int64  `json:"failed"`
	Rejected       int64  `json:"rejected"`
	HandoffDropped int64  `json:"handoffDropped"`
	Running        bool   `json:"running"`
	LastBeat       string `json:"lastBeat,omitempty"`
}

// SourceStatus reports capture counters for one camera.
type SourceStatus struct {
	Camera     string `json:"camera"`
	URL        string `json:"url"`
	Connected  bool   `json:"connected"`
	Received   uint64 `json:"received"`
	Sampled    uint64 `json:"sampled"`
	Enqueued   uint64 `json:"enqueued"`
	Dropped    uint64 `json:"dropped"`
	Gated      uint64 `json:"gated"`
	Reconnects uint64 `json:"reconnects"`
	LastFrame  string `json:"lastFrame,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

// ServerStatus is the health snapshot of one monitored server.
type ServerStatus struct {
	Name                string `json:"name"`
	URL                 string `json:"url"`
	Status              string `json:"status"`
	LastCheck           string `json:"lastCheck,omitempty"`
	LastChange          string `json:"lastChange,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	Interval            string `json:"interval"`
}

// ComponentStatus is a lifecycle registry entry.
type ComponentStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Running   bool   `json:"running"`
	Abandoned bool   `json:"abandoned"`
	StartedAt string `json:"startedAt,omitempty"`
	StoppedAt string `json:"stoppedAt,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// UploadSummary combines ledger totals with live failure streaks.
type UploadSummary struct {
	Total               int64          `json:"total"`
	Uploaded            int64          `json:"uploaded"`
	Failed              int64          `json:"failed"`
	Bytes               int64          `json:"bytes"`
	LastUpload          string         `json:"lastUpload,omitempty"`
	ConsecutiveFailures map[string]int `json:"consecutiveFailures,omitempty"`
}

// Upload is a ledger row.
type Upload struct {
	ID             int64  `json:"id"`
	Camera         string `json:"camera"`
	LocalPath      string `json:"localPath"`
	RemotePath     string `json:"remotePath,omitempty"`
	Bytes          int64  `json:"bytes"`
	Rows           int    `json:"rows"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	DurationMillis int64  `json:"durationMs"`
	UploadedAt     string `json:"uploadedAt"`
}

// UploadListResponse wraps recent ledger rows.
type UploadListResponse struct {
	Uploads []Upload `json:"uploads"`
}

// StagesResponse wraps stage counters in data-flow order.
type StagesResponse struct {
	Stages []StageStatus `json:"stages"`
}

// HealthResponse wraps server health snapshots.
type HealthResponse struct {
	Servers []ServerStatus `json:"servers"`
}

// ShutdownReport describes the outcome of stopping every component.
type ShutdownReport struct {
	Clean       bool               `json:"clean"`
	Deadline    string             `json:"deadline"`
	Elapsed     string             `json:"elapsed"`
	Stopped     []ComponentOutcome `json:"stopped"`
	Unconfirmed []ComponentOutcome `json:"unconfirmed"`
	Stages      []StageDrain       `json:"stages,omitempty"`
}

// ComponentOutcome is one component's stop result.
type ComponentOutcome struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Elapsed string `json:"elapsed"`
	Error   string `json:"error,omitempty"`
}

// StageDrain reports how many queued items a stage processed or discarded
// while stopping.
type StageDrain struct {
	Name    string `json:"name"`
	Clean   bool   `json:"clean"`
	Drained int    `json:"drained"`
	Dropped int    `json:"dropped"`
	Pending int    `json:"pending"`
	Elapsed string `json:"elapsed"`
}

// LogEvent is a structured log line served by the log stream endpoint.
type LogEvent struct {
	Sequence      uint64            `json:"seq"`
	Timestamp     string            `json:"ts"`
	Level         string            `json:"level"`
	Message       string            `json:"msg"`
	Component     string            `json:"component,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	Camera        string            `json:"camera,omitempty"`
	Server        string            `json:"server,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// LogStreamResponse wraps log events and the cursor for the next fetch.
type LogStreamResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}

// ErrorResponse is returned for every non-2xx API reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
