package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across genq.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldWorkerID  = "worker_id"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"

	// Job attributes
	FieldJobType   = "job_type"
	FieldPriority  = "priority"
	FieldModels    = "models"
	FieldBlockedBy = "blocked_by"
	FieldReason    = "reason"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldAge        = "age"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"
	FieldFrom   = "from"
	FieldTo     = "to"

	// Change feed
	FieldTable = "table"
	FieldOp    = "op"
	FieldSeq   = "seq"

	// Network
	FieldAddress = "address"
)

type contextKey string

const (
	jobIDKey    contextKey = "logger_job_id"
	workerIDKey contextKey = "logger_worker_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}

	return fields
}

// FromContext returns base with the job_id and worker_id carried by ctx.
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
//
// Example:
//
//	c := coordinator.New(store, feed, exec, cfg, logger.ComponentLogger("coordinator"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
