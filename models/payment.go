package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is one MatterPay payment, recorded exactly once per
// billing_payment_id. Rows are never updated or deleted.
type Payment struct {
	ID               uint   `gorm:"primary_key" json:"id"`
	BillingPaymentId string `gorm:"size:128;not null;uniqueIndex" json:"billing_payment_id"`
	BillingInvoiceId string `gorm:"size:128;index" json:"billing_invoice_id"`
	CrmInvoiceId     string `gorm:"size:128;index" json:"crm_invoice_id"`

	Amount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Method string          `gorm:"size:64" json:"method"`
	Status string          `gorm:"size:32" json:"status"`

	TransactedAt *time.Time `json:"transacted_at"`
	PayloadJSON  []byte     `gorm:"type:json" json:"payload"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// InsertPayment records a payment. A duplicate billing_payment_id reports
// (true, nil): the delivery was a replay and the payment is already applied.
func InsertPayment(db *gorm.DB, p *Payment) (duplicate bool, err error) {
	if err := db.Create(p).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
