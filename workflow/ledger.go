package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

// DBLedger implements LedgerGateway on the MySQL ledger via the models
// package. Every call threads ctx into gorm so cancellation and tracing
// follow the request.
type DBLedger struct {
	db *gorm.DB
}

// NewDBLedger wraps an explicit connection. Pass nil to resolve the shared
// connection per call instead; the server constructs its ledger before the
// database is connected, and the readiness gate keeps requests out until it
// is.
func NewDBLedger(db *gorm.DB) *DBLedger {
	return &DBLedger{db: db}
}

func (l *DBLedger) conn(ctx context.Context) *gorm.DB {
	db := l.db
	if db == nil {
		db = config.GetDB()
	}
	return db.WithContext(ctx)
}

func (l *DBLedger) UpsertInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	return models.UpsertInvoice(l.conn(ctx), inv)
}

func (l *DBLedger) GetInvoiceByCrmId(ctx context.Context, crmInvoiceId string) (*models.Invoice, error) {
	return models.GetInvoiceByCrmId(l.conn(ctx), crmInvoiceId)
}

func (l *DBLedger) GetInvoiceByBillingLinkId(ctx context.Context, linkId string) (*models.Invoice, error) {
	return models.GetInvoiceByBillingLinkId(l.conn(ctx), linkId)
}

func (l *DBLedger) UpdateInvoice(ctx context.Context, crmInvoiceId string, updates map[string]interface{}) error {
	return models.UpdateInvoiceByCrmId(l.conn(ctx), crmInvoiceId, updates)
}

func (l *DBLedger) InsertPayment(ctx context.Context, p *models.Payment) (bool, error) {
	return models.InsertPayment(l.conn(ctx), p)
}

func (l *DBLedger) ApplyPayment(ctx context.Context, crmInvoiceId string, amount decimal.Decimal, paidAt time.Time) error {
	return models.ApplyPaymentToInvoice(l.conn(ctx), crmInvoiceId, amount, paidAt)
}

func (l *DBLedger) ActiveStageMapping(ctx context.Context, sourceStageId string) (*models.StageCompletionMapping, error) {
	return models.GetActiveStageMapping(l.conn(ctx), sourceStageId)
}

func (l *DBLedger) MirrorOpportunityStage(ctx context.Context, opportunityId, pipelineId, stageId, stageName string) (int64, error) {
	return models.MirrorOpportunityStage(l.conn(ctx), opportunityId, pipelineId, stageId, stageName)
}

func (l *DBLedger) StalePendingInvoices(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	return models.ListStalePendingInvoices(l.conn(ctx), olderThan, limit)
}

func (l *DBLedger) UnpaidMissingBilling(ctx context.Context, limit int) ([]models.Invoice, error) {
	return models.ListUnpaidMissingBilling(l.conn(ctx), limit)
}
