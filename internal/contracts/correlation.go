package contracts

import (
	"context"
	"strings"
)

type correlationKey struct{}

// WithCorrelationID attaches a request correlation id used in log lines.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, strings.TrimSpace(id))
}

// CorrelationID returns the id set by WithCorrelationID, or fallback.
func CorrelationID(ctx context.Context, fallback string) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return "n/a"
}
