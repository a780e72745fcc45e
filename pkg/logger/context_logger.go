package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	peerIDKey ctxKey = iota
	callIDKey
)

// WithPeerID tags ctx with the remote peer an operation concerns.
func WithPeerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, peerIDKey, id)
}

// WithCallID tags ctx with the call an operation belongs to.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

// ContextLogger enriches entries with the peer and call tagged on the
// context and with the trace of the active span, if it is sampled.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsSampled() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if v, ok := ctx.Value(peerIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("peer_id", v))
	}
	if v, ok := ctx.Value(callIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("call_id", v))
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) LogDebug(ctx context.Context, message string, fields ...zap.Field) {
	cl.WithContext(ctx).Debug(message, fields...)
}

func (cl *ContextLogger) LogInfo(ctx context.Context, message string, fields ...zap.Field) {
	cl.WithContext(ctx).Info(message, fields...)
}

func (cl *ContextLogger) LogWarn(ctx context.Context, message string, fields ...zap.Field) {
	cl.WithContext(ctx).Warn(message, fields...)
}

func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zap.Field) {
	cl.WithContext(ctx).Error(message, append(fields, zap.Error(err))...)
}
