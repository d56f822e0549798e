package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

// ProcessPaymentReceived applies one MatterPay payment to its invoice.
// The payments unique key is the idempotency gate: a duplicate delivery
// short-circuits before the ledger update and before any side effect runs.
func (r *Reconciler) ProcessPaymentReceived(ctx context.Context, ev events.PaymentReceived) (*PaymentResult, error) {
	ctx, span := r.span(ctx, "workflow.payment_received")
	defer span.End()

	row, err := r.Ledger.GetInvoiceByBillingLinkId(ctx, ev.BillingInvoiceId)
	if err != nil {
		return nil, err
	}
	if row == nil && ev.CrmInvoiceId != "" {
		row, err = r.Ledger.GetInvoiceByCrmId(ctx, ev.CrmInvoiceId)
		if err != nil {
			return nil, err
		}
	}
	if row == nil {
		return nil, &NotFoundError{System: "ledger", Entity: "invoice", Id: ev.BillingInvoiceId}
	}

	res := &PaymentResult{
		BillingPaymentId: ev.BillingPaymentId,
		CrmInvoiceId:     row.CrmInvoiceId,
		Amount:           ev.Amount,
		Status:           row.Status,
		AmountDue:        row.AmountDue,
		AmountPaid:       row.AmountPaid,
	}

	transactedAt := time.Now().UTC()
	if ev.TransactedAt != nil {
		transactedAt = *ev.TransactedAt
	}

	duplicate, err := r.Ledger.InsertPayment(ctx, &models.Payment{
		BillingPaymentId: ev.BillingPaymentId,
		BillingInvoiceId: ev.BillingInvoiceId,
		CrmInvoiceId:     row.CrmInvoiceId,
		Amount:           ev.Amount,
		Method:           ev.Method,
		Status:           ev.Status,
		TransactedAt:     &transactedAt,
		PayloadJSON:      ev.Raw,
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		res.Duplicate = true
		return res, nil
	}

	if err := r.Ledger.ApplyPayment(ctx, row.CrmInvoiceId, ev.Amount, transactedAt); err != nil {
		return nil, err
	}
	newPaid := row.AmountPaid.Add(ev.Amount)
	res.Status = models.InvoiceStatusPaid
	res.AmountPaid = newPaid

	if row.AmountDue.IsPositive() && newPaid.GreaterThan(row.AmountDue) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("amount_paid %s exceeds amount_due %s", newPaid.String(), row.AmountDue.String()))
		r.Logger.WithFields(logrus.Fields{
			"crm_invoice_id":     row.CrmInvoiceId,
			"billing_payment_id": ev.BillingPaymentId,
			"amount_due":         row.AmountDue.String(),
			"amount_paid":        newPaid.String(),
		}).Warn("invoice overpaid")
	}

	if row.Source == models.InvoiceSourceCustomObject && row.CustomObjectSchema != "" {
		r.bestEffort("mirror payment to crm record", &res.BestEffort, func() error {
			return r.Crm.UpdateCustomObjectRecord(ctx, row.CustomObjectSchema, row.CrmInvoiceId, map[string]interface{}{
				"status":      string(models.InvoiceStatusPaid),
				"amount_paid": newPaid.String(),
			})
		})
	} else {
		r.bestEffort("record payment in crm", &res.BestEffort, func() error {
			return r.Crm.RecordInvoicePayment(ctx, row.CrmInvoiceId, InvoicePaymentParams{
				Amount:        ev.Amount,
				Method:        ev.Method,
				TransactionId: ev.BillingPaymentId,
				PaidAt:        &transactedAt,
				Note:          "Recorded from MatterPay payment " + ev.BillingPaymentId,
			})
		})
	}

	if row.ContactId != "" {
		r.bestEffort("create payment notification task", &res.BestEffort, func() error {
			return r.Crm.CreateTask(ctx, TaskParams{
				ContactId:     row.ContactId,
				OpportunityId: row.OpportunityId,
				Title:         paymentTaskTitle(row),
				Body: fmt.Sprintf("Payment of %s received via MatterPay (payment %s).",
					ev.Amount.String(), ev.BillingPaymentId),
			})
		})
	}

	return res, nil
}

func paymentTaskTitle(row *models.Invoice) string {
	if row.InvoiceNumber != "" {
		return "Payment received for invoice " + row.InvoiceNumber
	}
	return "Payment received for invoice " + row.CrmInvoiceId
}
