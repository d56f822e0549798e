package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

func linkedInvoiceRow(crmId, linkId string, due int64) *models.Invoice {
	return &models.Invoice{
		ID:                   1,
		CrmInvoiceId:         crmId,
		OpportunityId:        "opp-1",
		ContactId:            "contact-1",
		InvoiceNumber:        "INV-0042",
		AmountDue:            decimal.NewFromInt(due),
		Status:               models.InvoiceStatusUnpaid,
		BillingClientId:      "mp-client-1",
		BillingMatterId:      "mp-matter-1",
		BillingPaymentLinkId: linkId,
		PaymentUrl:           "https://pay.matterpay.com/l/1",
		Source:               models.InvoiceSourceNative,
	}
}

func TestPaymentReceived_AppliesOnce(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fl.invoices["INV1"] = linkedInvoiceRow("INV1", "mp-link-1", 500)
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessPaymentReceived(context.Background(), events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-1",
		Amount:           decimal.NewFromInt(500),
		Method:           "card",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Duplicate || res.Status != models.InvoiceStatusPaid {
		t.Fatalf("expected a fresh paid result, got %+v", res)
	}
	if !res.AmountPaid.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected amount_paid 500, got %s", res.AmountPaid)
	}

	row := fl.invoice("INV1")
	if row.Status != models.InvoiceStatusPaid || !row.AmountPaid.Equal(decimal.NewFromInt(500)) || row.PaidDate == nil {
		t.Fatalf("expected the payment applied to the row, got %+v", row)
	}
	if len(fc.paymentsMirrored) != 1 {
		t.Fatalf("expected the payment mirrored to LeadRail, got %d", len(fc.paymentsMirrored))
	}
	if fc.paymentsMirrored[0].TransactionId != "pay-1" {
		t.Fatalf("expected the MatterPay payment id carried over, got %q", fc.paymentsMirrored[0].TransactionId)
	}
	if len(fc.tasks) != 1 || fc.tasks[0].ContactId != "contact-1" {
		t.Fatalf("expected one notification task for the contact, got %+v", fc.tasks)
	}
}

func TestPaymentReceived_Duplicate_SkipsApplyAndSideEffects(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fl.invoices["INV1"] = linkedInvoiceRow("INV1", "mp-link-1", 500)
	r := testReconciler(fc, fb, fl)
	ev := events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-1",
		Amount:           decimal.NewFromInt(500),
	}

	if _, err := r.ProcessPaymentReceived(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := r.ProcessPaymentReceived(context.Background(), ev)
	if err != nil {
		t.Fatalf("a duplicate delivery must succeed, got %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected the duplicate flagged")
	}
	if len(res.BestEffort) != 0 {
		t.Fatalf("expected no side effects on the duplicate, got %+v", res.BestEffort)
	}
	if got := fl.invoice("INV1").AmountPaid; !got.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected amount_paid applied once, got %s", got)
	}
	if len(fl.payments) != 1 {
		t.Fatalf("expected one payment row, got %d", len(fl.payments))
	}
	if len(fc.paymentsMirrored) != 1 || len(fc.tasks) != 1 {
		t.Fatalf("expected the CRM touched once, got mirrors=%d tasks=%d", len(fc.paymentsMirrored), len(fc.tasks))
	}
}

func TestPaymentReceived_UnknownInvoice_IsNotFound(t *testing.T) {
	r := testReconciler(newFakeCrm(), &fakeBilling{}, newFakeLedger())
	_, err := r.ProcessPaymentReceived(context.Background(), events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-ghost",
		Amount:           decimal.NewFromInt(100),
	})
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPaymentReceived_FallsBackToCrmInvoiceId(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	row := linkedInvoiceRow("INV1", "", 500)
	row.Status = models.InvoiceStatusPending
	fl.invoices["INV1"] = row
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessPaymentReceived(context.Background(), events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-unseen",
		CrmInvoiceId:     "INV1",
		Amount:           decimal.NewFromInt(500),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CrmInvoiceId != "INV1" || res.Status != models.InvoiceStatusPaid {
		t.Fatalf("expected the fallback lookup to land, got %+v", res)
	}
}

func TestPaymentReceived_Overpayment_WarnsAndApplies(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fl.invoices["INV1"] = linkedInvoiceRow("INV1", "mp-link-1", 100)
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessPaymentReceived(context.Background(), events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-1",
		Amount:           decimal.NewFromInt(150),
	})
	if err != nil {
		t.Fatalf("an overpayment must still apply, got %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one overpayment warning, got %v", res.Warnings)
	}
	row := fl.invoice("INV1")
	if row.Status != models.InvoiceStatusPaid || !row.AmountPaid.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected the full amount applied, got %+v", row)
	}
}

func TestPaymentReceived_SideEffectFailure_IsIsolated(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fl.invoices["INV1"] = linkedInvoiceRow("INV1", "mp-link-1", 500)
	fc.taskErr = errors.New("leadrail is down")
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessPaymentReceived(context.Background(), events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-1",
		Amount:           decimal.NewFromInt(500),
	})
	if err != nil {
		t.Fatalf("a best-effort failure must not fail the payment: %v", err)
	}
	if fl.invoice("INV1").Status != models.InvoiceStatusPaid {
		t.Fatal("expected the ledger update to stand")
	}
	var taskOutcome *BestEffortOutcome
	for i := range res.BestEffort {
		if res.BestEffort[i].Name == "create payment notification task" {
			taskOutcome = &res.BestEffort[i]
		}
	}
	if taskOutcome == nil || taskOutcome.Done || taskOutcome.Error == "" {
		t.Fatalf("expected the task failure reported, got %+v", res.BestEffort)
	}
}

func TestPaymentReceived_CustomObjectRow_MirrorsRecordInsteadOfInvoice(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	row := linkedInvoiceRow("CUST1", "mp-link-1", 500)
	row.Source = models.InvoiceSourceCustomObject
	row.CustomObjectSchema = "firm_invoice"
	fl.invoices["CUST1"] = row
	r := testReconciler(fc, fb, fl)

	if _, err := r.ProcessPaymentReceived(context.Background(), events.PaymentReceived{
		BillingPaymentId: "pay-1",
		BillingInvoiceId: "mp-link-1",
		Amount:           decimal.NewFromInt(500),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fc.paymentsMirrored) != 0 {
		t.Fatalf("expected no native invoice mirror for a custom-object row, got %d", len(fc.paymentsMirrored))
	}
	if len(fc.recordUpdates) != 1 {
		t.Fatalf("expected the record mirrored, got %d", len(fc.recordUpdates))
	}
	upd := fc.recordUpdates[0]
	if upd.schema != "firm_invoice" || upd.id != "CUST1" || upd.props["status"] != string(models.InvoiceStatusPaid) {
		t.Fatalf("expected the paid status on the record, got %+v", upd)
	}
}
