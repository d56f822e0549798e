package sweep

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

func TestTerminalStatus_GradesARun(t *testing.T) {
	cases := []struct {
		name  string
		stats runStats
		want  models.SweepRunStatus
	}{
		{"nothing to do", runStats{}, models.SweepRunStatusSuccess},
		{"all redriven", runStats{StalePending: 3, Redriven: 3}, models.SweepRunStatusSuccess},
		{"some redriven some failed", runStats{StalePending: 3, Redriven: 2, Errors: 1}, models.SweepRunStatusPartial},
		{"only drift findings", runStats{UnpaidMissingBilling: 2, Errors: 2}, models.SweepRunStatusPartial},
		{"every redrive failed", runStats{StalePending: 3, Errors: 3}, models.SweepRunStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := terminalStatus(tc.stats); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestInvoiceEventFromRow_RebuildsTheCreationEvent(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	row := &models.Invoice{
		CrmInvoiceId:  "INV1",
		OpportunityId: "opp-1",
		ContactId:     "contact-1",
		ContactName:   "Dana Whitfield",
		ContactEmail:  "dana@example.com",
		InvoiceNumber: "INV-0042",
		AmountDue:     decimal.NewFromInt(500),
		Source:        models.InvoiceSourceNative,
		DueDate:       &due,
	}
	if err := row.SetLineItems([]models.LineItem{
		{Name: "Initial consultation", UnitPrice: decimal.NewFromInt(500), Quantity: decimal.NewFromInt(1)},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := invoiceEventFromRow(row)
	if ev.CrmInvoiceId != "INV1" || ev.Origin != events.OriginNative {
		t.Fatalf("expected a native creation event, got %+v", ev)
	}
	if !ev.AmountDue.Equal(decimal.NewFromInt(500)) || ev.DueDate == nil {
		t.Fatalf("expected amount and due date carried over, got %+v", ev)
	}
	if len(ev.LineItems) != 1 || ev.LineItems[0].Name != "Initial consultation" {
		t.Fatalf("expected the stored line items, got %+v", ev.LineItems)
	}
}

func TestInvoiceEventFromRow_CustomObjectKeepsItsSchema(t *testing.T) {
	row := &models.Invoice{
		CrmInvoiceId:       "CUST1",
		Source:             models.InvoiceSourceCustomObject,
		CustomObjectSchema: "firm_invoice",
	}
	ev := invoiceEventFromRow(row)
	if ev.Origin != events.OriginCustomObject || ev.CustomObjectSchema != "firm_invoice" {
		t.Fatalf("expected the custom-object origin preserved, got %+v", ev)
	}
}

func TestErrorCode_ClassifiesProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"incomplete data", &workflow.IncompleteDataError{Missing: []string{"service items"}, Attempts: 6}, "incomplete_data"},
		{"not found", &workflow.NotFoundError{System: "leadrail", Entity: "opportunity", Id: "opp-1"}, "not_found"},
		{"gateway", &workflow.GatewayError{System: "matterpay", Op: "create client", StatusCode: 503, Kind: workflow.GatewayErrKindUpstream, Retryable: true}, "gateway_upstream"},
		{"other", errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorCode(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTopicName_DefaultAndOverride(t *testing.T) {
	t.Setenv("SWEEP_TOPIC_ID", "")
	if got := TopicName(); got != "billsync-sweep-runs" {
		t.Fatalf("expected the default topic, got %q", got)
	}
	t.Setenv("SWEEP_TOPIC_ID", "ops-sweeps")
	if got := TopicName(); got != "ops-sweeps" {
		t.Fatalf("expected the override, got %q", got)
	}
}
