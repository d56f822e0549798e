package utils

import (
	"context"

	"bitbucket.org/harborlightlabs/billsync_backend/appctx"
)

var (
	ContextKeySubject        = appctx.ContextKeySubject
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
	ContextKeyEventSource    = appctx.ContextKeyEventSource
	ContextKeyWebhookEventId = appctx.ContextKeyWebhookEventId
)

func GetSubjectFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySubject)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetEventSourceFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEventSource)
}

func GetWebhookEventIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyWebhookEventId)
}

func SetSubjectInContext(ctx context.Context, subject string) context.Context {
	return appctx.Set(ctx, ContextKeySubject, subject)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetEventSourceInContext(ctx context.Context, source string) context.Context {
	return appctx.Set(ctx, ContextKeyEventSource, source)
}

func SetWebhookEventIdInContext(ctx context.Context, id uint) context.Context {
	return appctx.Set(ctx, ContextKeyWebhookEventId, id)
}
