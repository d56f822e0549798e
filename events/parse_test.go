package events

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestParseInvoiceCreatedFlatPayload(t *testing.T) {
	body := []byte(`{
		"type": "InvoiceCreate",
		"invoiceId": "inv_123",
		"opportunityId": "opp_9",
		"contactId": "con_4",
		"contactName": "Dana Whitfield",
		"contactEmail": "dana@example.com",
		"invoiceNumber": "INV-0042",
		"amountDue": 1500.50,
		"lineItems": [
			{"name": "Initial consultation", "unitPrice": 500.50, "quantity": 1},
			{"name": "Filing fee", "price": "1000", "qty": 1}
		],
		"dueDate": "2026-03-01"
	}`)

	ev, err := Parse(SourceLeadRail, body)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	inv, ok := ev.(InvoiceCreated)
	if !ok {
		t.Fatalf("expected InvoiceCreated, got %T", ev)
	}
	if inv.CrmInvoiceId != "inv_123" {
		t.Fatalf("expected invoice id inv_123, got %q", inv.CrmInvoiceId)
	}
	if inv.Origin != OriginNative {
		t.Fatalf("expected native origin, got %q", inv.Origin)
	}
	if !inv.AmountDue.Equal(mustDecimal(t, "1500.5")) {
		t.Fatalf("expected amount 1500.5, got %s", inv.AmountDue)
	}
	if len(inv.LineItems) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(inv.LineItems))
	}
	if inv.LineItems[0].Name != "Initial consultation" {
		t.Fatalf("line item order not preserved: %q", inv.LineItems[0].Name)
	}
	if !inv.LineItems[1].UnitPrice.Equal(mustDecimal(t, "1000")) {
		t.Fatalf("expected second item price 1000, got %s", inv.LineItems[1].UnitPrice)
	}
	if inv.DueDate == nil || inv.DueDate.Format("2006-01-02") != "2026-03-01" {
		t.Fatalf("expected due date 2026-03-01, got %v", inv.DueDate)
	}
}

func TestParseCandidateKeyOrder(t *testing.T) {
	// invoiceId outranks the generic id key.
	body := []byte(`{"type": "InvoiceCreate", "id": "generic", "invoiceId": "specific"}`)
	ev, err := Parse(SourceLeadRail, body)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.CorrelationKey() != "specific" {
		t.Fatalf("expected invoiceId to win over id, got %q", ev.CorrelationKey())
	}

	// With only the fallback present, it is used.
	body = []byte(`{"type": "InvoiceCreate", "id": "generic"}`)
	ev, err = Parse(SourceLeadRail, body)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.CorrelationKey() != "generic" {
		t.Fatalf("expected fallback id key, got %q", ev.CorrelationKey())
	}
}

func TestParseEnvelopePayload(t *testing.T) {
	body := []byte(`{
		"event": "payment.succeeded",
		"data": {
			"paymentId": "pay_77",
			"invoiceId": "link_12",
			"amount": "250.00",
			"method": "card",
			"transactedAt": "2026-02-10T14:30:00Z"
		}
	}`)

	ev, err := Parse(SourceMatterPay, body)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	p, ok := ev.(PaymentReceived)
	if !ok {
		t.Fatalf("expected PaymentReceived, got %T", ev)
	}
	if p.BillingPaymentId != "pay_77" || p.BillingInvoiceId != "link_12" {
		t.Fatalf("envelope fields not extracted: %+v", p)
	}
	if !p.Amount.Equal(mustDecimal(t, "250")) {
		t.Fatalf("expected amount 250, got %s", p.Amount)
	}
	if p.TransactedAt == nil || !p.TransactedAt.Equal(time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected transacted at 2026-02-10T14:30:00Z, got %v", p.TransactedAt)
	}
	if len(p.Raw) == 0 {
		t.Fatalf("expected raw payload retained")
	}
}

func TestParseMissingCorrelationKey(t *testing.T) {
	body := []byte(`{"type": "payment.succeeded", "invoiceId": "link_12", "amount": 10}`)
	_, err := Parse(SourceMatterPay, body)
	var merr *MalformedEventError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
	if merr.Field != "payment id" {
		t.Fatalf("expected missing payment id, got %q", merr.Field)
	}
	if len(merr.Tried) == 0 {
		t.Fatalf("expected the error to name the tried keys")
	}
}

func TestParseUnhandledType(t *testing.T) {
	body := []byte(`{"type": "ContactCreate", "id": "con_1"}`)
	_, err := Parse(SourceLeadRail, body)
	if !errors.Is(err, ErrUnhandledEventType) {
		t.Fatalf("expected ErrUnhandledEventType, got %v", err)
	}
}

func TestParseKindAliases(t *testing.T) {
	cases := map[string]Kind{
		`{"type": "Invoice.Delete", "invoiceId": "i1"}`:                        KindInvoiceDeleted,
		`{"type": "invoice_voided", "invoiceId": "i1"}`:                        KindInvoiceDeleted,
		`{"type": "OpportunityStageUpdate", "id": "o1", "stageName": "Won"}`:   KindOpportunityStageChanged,
		`{"type": "TaskComplete", "taskId": "t1", "contactId": "c1"}`:          KindTaskCompleted,
		`{"type": "SurveySubmitted", "contactId": "c1"}`:                       KindSurveyCompleted,
		`{"type": "TaskCreate", "taskId": "t2", "contactId": "c1"}`:            KindTaskCreated,
		`{"type": "InvoiceUpdate", "invoiceId": "i2", "amountDue": "900.10"}`:  KindInvoiceUpdated,
	}
	for body, want := range cases {
		ev, err := Parse(SourceLeadRail, []byte(body))
		if err != nil {
			t.Fatalf("parse %s: %v", body, err)
		}
		if ev.Kind() != want {
			t.Fatalf("parse %s: expected kind %s, got %s", body, want, ev.Kind())
		}
	}
}

func TestParseCustomObjectOrigin(t *testing.T) {
	body := []byte(`{
		"type": "InvoiceCreate",
		"recordId": "rec_55",
		"schemaKey": "custom_objects.firm_invoice",
		"contactId": "con_2"
	}`)

	ev, err := Parse(SourceLeadRail, body)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	inv := ev.(InvoiceCreated)
	if inv.Origin != OriginCustomObject {
		t.Fatalf("expected custom object origin, got %q", inv.Origin)
	}
	if inv.CustomObjectSchema != "custom_objects.firm_invoice" {
		t.Fatalf("expected schema retained, got %q", inv.CustomObjectSchema)
	}
	if inv.CrmInvoiceId != "rec_55" {
		t.Fatalf("expected record id as invoice id, got %q", inv.CrmInvoiceId)
	}
}

func TestParseTaskCompletedWithoutTitle(t *testing.T) {
	body := []byte(`{"type": "TaskComplete", "taskId": "t9", "contactId": "c9"}`)
	ev, err := Parse(SourceLeadRail, body)
	if err != nil {
		t.Fatalf("a completed task without a title is still well-formed: %v", err)
	}
	task := ev.(TaskCompleted)
	if task.Title != "" {
		t.Fatalf("expected empty title, got %q", task.Title)
	}
}

func TestParseMillisecondEpoch(t *testing.T) {
	body := []byte(`{
		"event": "payment.received",
		"paymentId": "pay_1",
		"invoiceId": "link_1",
		"amount": 10,
		"transactedAt": 1760000000000
	}`)
	ev, err := Parse(SourceMatterPay, body)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	p := ev.(PaymentReceived)
	if p.TransactedAt == nil || p.TransactedAt.Year() != 2025 {
		t.Fatalf("expected millisecond epoch to parse into 2025, got %v", p.TransactedAt)
	}
}

func TestParseRejectsBadJSONAndBadEmail(t *testing.T) {
	var merr *MalformedEventError
	if _, err := Parse(SourceLeadRail, []byte(`{not json`)); !errors.As(err, &merr) {
		t.Fatalf("expected MalformedEventError for bad json, got %v", err)
	}

	body := []byte(`{"type": "InvoiceCreate", "invoiceId": "i1", "contactEmail": "not-an-email"}`)
	if _, err := Parse(SourceLeadRail, body); !errors.As(err, &merr) {
		t.Fatalf("expected MalformedEventError for bad email, got %v", err)
	}
}
