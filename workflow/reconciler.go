package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

const moduleName = "workflow"

// Reconciler executes the reconciliation protocols against the three
// gateways. It is stateless: the ledger's unique keys carry every idempotency
// decision, so any number of replicas may process the same event concurrently
// without corrupting anything.
type Reconciler struct {
	Crm     CrmGateway
	Billing BillingGateway
	Ledger  LedgerGateway
	Logger  *logrus.Logger
	Locker  *redislock.Client
	Tracer  trace.Tracer
}

func NewReconciler(crm CrmGateway, billing BillingGateway, ledger LedgerGateway) *Reconciler {
	return &Reconciler{
		Crm:     crm,
		Billing: billing,
		Ledger:  ledger,
		Logger:  config.GetLogger(),
		Locker:  config.GetRedisLock(),
		Tracer:  otel.Tracer("billsync-backend"),
	}
}

// span opens a protocol span when a tracer is configured; the gorm and HTTP
// instrumentation nest under it. With no tracer it hands back the ambient
// span, which is a no-op outside an instrumented process.
func (r *Reconciler) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if r.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := r.Tracer.Start(ctx, name)
	if src, ok := utils.GetEventSourceFromContext(ctx); ok {
		span.SetAttributes(attribute.String("event.source", src))
	}
	if id, ok := utils.GetWebhookEventIdFromContext(ctx); ok {
		span.SetAttributes(attribute.Int64("webhook.event_id", int64(id)))
	}
	return ctx, span
}

// withLock serializes concurrent deliveries of one correlation key behind a
// best-effort Redis lock. Correctness never depends on it: not obtaining the
// lock (or Redis being down) proceeds anyway, the lock only spares the
// gateways duplicate billing calls when a sender double-delivers.
func (r *Reconciler) withLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	locker := r.Locker
	if locker == nil {
		// The server builds its reconciler before Redis connects.
		locker = config.GetRedisLock()
	}
	if locker != nil {
		lock, err := locker.Obtain(ctx, key, ttl, nil)
		switch {
		case err == nil:
			defer lock.Release(ctx)
		case errors.Is(err, redislock.ErrNotObtained):
			r.Logger.WithField("key", key).Warn("lock held elsewhere, proceeding unlocked")
		default:
			config.LogError(r.Logger, moduleName, "withLock", "obtain "+key, nil, err)
		}
	}
	return fn()
}

// bestEffort runs one isolated side effect and records its outcome. Failures
// are logged and reported in the result, never propagated.
func (r *Reconciler) bestEffort(name string, outcomes *[]BestEffortOutcome, fn func() error) {
	err := fn()
	out := BestEffortOutcome{Name: name, Done: err == nil}
	if err != nil {
		out.Error = err.Error()
		config.LogError(r.Logger, moduleName, "bestEffort", name, nil, err)
	}
	*outcomes = append(*outcomes, out)
}
