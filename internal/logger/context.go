package logger

import "context"

// ctxKey keeps request-scoped values private to this package.
type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID attaches a request id for downstream log enrichment.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id attached to ctx, or "" when none is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
