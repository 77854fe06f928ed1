package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := BatchIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("batch.id", id))
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if slot, ok := SlotFromContext(ctx); ok {
		fields = append(fields, zap.Int("worker.slot", slot))
	}

	return fields
}

type batchCtxKey struct{}
type taskCtxKey struct{}
type slotCtxKey struct{}

// WithBatchID tags ctx with the running batch.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchCtxKey{}, id)
}

// BatchIDFromContext returns the batch id, or "".
func BatchIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(batchCtxKey{}).(string)
	return id
}

// WithTaskID tags ctx with the task being executed.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

// WithSlot tags ctx with the scheduler slot executing the task.
func WithSlot(ctx context.Context, slot int) context.Context {
	return context.WithValue(ctx, slotCtxKey{}, slot)
}

// SlotFromContext returns the scheduler slot if one was set.
func SlotFromContext(ctx context.Context) (int, bool) {
	slot, ok := ctx.Value(slotCtxKey{}).(int)
	return slot, ok
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
