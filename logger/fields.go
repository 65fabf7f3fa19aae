package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across jobhub.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldWorkerID = "worker_id"
	FieldIdentity = "identity" // routing identity of a relay connection
	FieldPeerKey  = "peer_key" // did:key of a connecting peer
	FieldRequest  = "request"  // request kind, e.g. "job-accepted"

	// Components
	FieldComponent = "component"
	FieldUnit      = "unit" // pool unit index

	// Job fields
	FieldStatus       = "status"
	FieldResult       = "result"
	FieldArchitecture = "architecture"
	FieldKind         = "kind"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError   = "error"
	FieldPayload = "payload"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Network
	FieldAddress = "address"
	FieldPath    = "path"
)

// Context keys for propagating logging context
type contextKey string

const (
	identityKey  contextKey = "logger_identity"
	workerIDKey  contextKey = "logger_worker_id"
	componentKey contextKey = "logger_component"
)

// WithIdentity adds a relay routing identity to the context for logging
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// WithWorkerID adds a worker id to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if identity, ok := ctx.Value(identityKey).(string); ok && identity != "" {
		fields = append(fields, FieldIdentity, identity)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	pool.New(db, dispatcher, cfg, logger.ComponentLogger("hub.pool"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
