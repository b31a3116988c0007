package events

import "context"

type contextKey string

const correlationKey contextKey = "correlation_id"

// WithCorrelation stamps the correlation id onto the context so every
// event published downstream carries it as a message header.
func WithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

// Correlation returns the correlation id carried by ctx, if any.
func Correlation(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

func correlationHeaders(ctx context.Context) map[string]interface{} {
	id := Correlation(ctx)
	if id == "" {
		return nil
	}
	return map[string]interface{}{
		"x-request-id":     id,
		"x-correlation-id": id,
	}
}
