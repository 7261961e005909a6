package services

import "context"

type contextKey string

const (
	cameraKey    contextKey = "camera"
	stageKey     contextKey = "stage"
	serverKey    contextKey = "server"
	requestIDKey contextKey = "request_id"
)

// WithCamera annotates context with the camera name a frame came from.
func WithCamera(ctx context.Context, camera string) context.Context {
	if camera == "" {
		return ctx
	}
	return context.WithValue(ctx, cameraKey, camera)
}

// CameraFromContext returns the camera name if present.
func CameraFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(cameraKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithServer annotates context with a monitored server name.
func WithServer(ctx context.Context, server string) context.Context {
	if server == "" {
		return ctx
	}
	return context.WithValue(ctx, serverKey, server)
}

// ServerFromContext returns the monitored server name if present.
func ServerFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(serverKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
