package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LineItem is one service line on an invoice. Order matters (it is the order
// shown on the MatterPay payment page), so line items are stored as a JSON
// array, never as rows.
type LineItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Invoice is the ledger's record of one LeadRail invoice and the MatterPay
// artifacts created for it. crm_invoice_id is the idempotency anchor for the
// whole creation protocol: replayed webhooks land on the same row.
type Invoice struct {
	ID           uint   `gorm:"primary_key" json:"id"`
	CrmInvoiceId string `gorm:"size:128;not null;uniqueIndex" json:"crm_invoice_id"`

	OpportunityId string `gorm:"size:128;index" json:"opportunity_id"`
	ContactId     string `gorm:"size:128;index" json:"contact_id"`
	ContactName   string `gorm:"size:255" json:"contact_name"`
	ContactEmail  string `gorm:"size:255" json:"contact_email"`

	InvoiceNumber string          `gorm:"size:64" json:"invoice_number"`
	AmountDue     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_due"`
	AmountPaid    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_paid"`
	Status        InvoiceStatus   `gorm:"size:20;not null;index" json:"status"`

	BillingClientId      string `gorm:"size:128" json:"billing_client_id"`
	BillingMatterId      string `gorm:"size:128" json:"billing_matter_id"`
	BillingPaymentLinkId string `gorm:"size:128;index" json:"billing_payment_link_id"`
	PaymentUrl           string `gorm:"size:512" json:"payment_url"`

	LineItemsJSON []byte `gorm:"type:json" json:"line_items"`

	Source             InvoiceSource `gorm:"size:20;not null" json:"source"`
	CustomObjectSchema string        `gorm:"size:128" json:"custom_object_schema"`

	// Last known pipeline position of the related opportunity, mirrored from
	// stage-change webhooks. Annotation only.
	OpportunityPipelineId string `gorm:"size:128" json:"opportunity_pipeline_id"`
	OpportunityStageId    string `gorm:"size:128" json:"opportunity_stage_id"`
	OpportunityStageName  string `gorm:"size:255" json:"opportunity_stage_name"`

	InvoiceDate *time.Time `json:"invoice_date"`
	DueDate     *time.Time `json:"due_date"`
	PaidDate    *time.Time `json:"paid_date"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (inv *Invoice) LineItems() ([]LineItem, error) {
	if len(inv.LineItemsJSON) == 0 {
		return nil, nil
	}
	var items []LineItem
	if err := json.Unmarshal(inv.LineItemsJSON, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (inv *Invoice) SetLineItems(items []LineItem) error {
	if items == nil {
		inv.LineItemsJSON = nil
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	inv.LineItemsJSON = data
	return nil
}

// invoiceUpsertColumns are the event-carried fields a replayed or updated
// webhook is allowed to refresh. Status, paid amounts and billing identifiers
// are protocol-owned and never regress from a replay.
var invoiceUpsertColumns = []string{
	"opportunity_id", "contact_id", "contact_name", "contact_email",
	"invoice_number", "amount_due", "line_items_json",
	"source", "custom_object_schema", "invoice_date", "due_date", "updated_at",
}

// UpsertInvoice inserts the row or, when crm_invoice_id already exists,
// refreshes the event-carried fields on the existing row. The returned row is
// re-read so the caller sees billing ids and status from earlier deliveries.
func UpsertInvoice(db *gorm.DB, inv *Invoice) (*Invoice, error) {
	if inv.Status == "" {
		inv.Status = InvoiceStatusPending
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "crm_invoice_id"}},
		DoUpdates: clause.AssignmentColumns(invoiceUpsertColumns),
	}).Create(inv).Error
	if err != nil {
		return nil, err
	}
	return GetInvoiceByCrmId(db, inv.CrmInvoiceId)
}

// GetInvoiceByCrmId returns (nil, nil) when no row exists.
func GetInvoiceByCrmId(db *gorm.DB, crmInvoiceId string) (*Invoice, error) {
	var inv Invoice
	return takeOrNil(db, &inv, "crm_invoice_id = ?", crmInvoiceId)
}

// GetInvoiceByBillingLinkId correlates a MatterPay payment webhook back to
// the ledger row via the payment link it was paid through.
// Returns (nil, nil) when no row exists.
func GetInvoiceByBillingLinkId(db *gorm.DB, billingPaymentLinkId string) (*Invoice, error) {
	var inv Invoice
	return takeOrNil(db, &inv, "billing_payment_link_id = ?", billingPaymentLinkId)
}

// UpdateInvoiceByCrmId applies a partial column update to one invoice row.
func UpdateInvoiceByCrmId(db *gorm.DB, crmInvoiceId string, updates map[string]interface{}) error {
	return db.Model(&Invoice{}).
		Where("crm_invoice_id = ?", crmInvoiceId).
		Updates(updates).Error
}

// ApplyPaymentToInvoice increments amount_paid atomically and marks the row
// paid. The increment (rather than overwrite) keeps partial payments correct;
// double-counting is prevented upstream by the payments unique key.
func ApplyPaymentToInvoice(db *gorm.DB, crmInvoiceId string, amount decimal.Decimal, paidAt time.Time) error {
	return db.Model(&Invoice{}).
		Where("crm_invoice_id = ?", crmInvoiceId).
		Updates(map[string]interface{}{
			"amount_paid": gorm.Expr("amount_paid + ?", amount),
			"status":      InvoiceStatusPaid,
			"paid_date":   paidAt,
		}).Error
}

// ListStalePendingInvoices returns invoices that have sat in pending longer
// than the threshold. These are the sweep's re-drive candidates.
func ListStalePendingInvoices(db *gorm.DB, olderThan time.Time, limit int) ([]Invoice, error) {
	var rows []Invoice
	err := db.Where("status = ? AND updated_at < ?", InvoiceStatusPending, olderThan).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListUnpaidMissingBilling returns unpaid rows with no payment link. An
// unpaid status implies billing artifacts exist, so any hit is drift.
func ListUnpaidMissingBilling(db *gorm.DB, limit int) ([]Invoice, error) {
	var rows []Invoice
	err := db.Where("status = ? AND (billing_payment_link_id = '' OR payment_url = '')", InvoiceStatusUnpaid).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MirrorOpportunityStage annotates every invoice of an opportunity with its
// current pipeline position.
func MirrorOpportunityStage(db *gorm.DB, opportunityId, pipelineId, stageId, stageName string) (int64, error) {
	res := db.Model(&Invoice{}).
		Where("opportunity_id = ?", opportunityId).
		Updates(map[string]interface{}{
			"opportunity_pipeline_id": pipelineId,
			"opportunity_stage_id":    stageId,
			"opportunity_stage_name":  stageName,
		})
	return res.RowsAffected, res.Error
}
