package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// It lives in a leaf package so any layer can reference the keys without
// introducing import cycles.
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeySubject       = ContextKey("Subject")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyEventSource carries which upstream system delivered the
	// webhook currently being processed (leadrail or matterpay).
	ContextKeyEventSource = ContextKey("EventSource")

	// ContextKeyWebhookEventId carries the audit row id of the delivery
	// being processed, so downstream logging can reference it.
	ContextKeyWebhookEventId = ContextKey("WebhookEventId")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetUint(ctx context.Context, key ContextKey) (uint, bool) {
	v, ok := ctx.Value(key).(uint)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
