package ingest

import (
	"errors"
	"net/http"
	"testing"

	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

func TestFailureResponse_MapsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantHTTP    int
		wantAudit   models.WebhookEventStatus
		wantMissing bool
	}{
		{
			name:      "not found is terminal",
			err:       &workflow.NotFoundError{System: "ledger", Entity: "invoice", Id: "INV1"},
			wantHTTP:  http.StatusNotFound,
			wantAudit: models.WebhookEventStatusFailed,
		},
		{
			name:        "incomplete data invites redelivery",
			err:         &workflow.IncompleteDataError{Missing: []string{"service items"}, Attempts: 6},
			wantHTTP:    http.StatusServiceUnavailable,
			wantAudit:   models.WebhookEventStatusIncomplete,
			wantMissing: true,
		},
		{
			name:      "gateway trouble is a bad gateway",
			err:       &workflow.GatewayError{System: "matterpay", Op: "create matter", StatusCode: 503, Kind: workflow.GatewayErrKindUpstream, Retryable: true},
			wantHTTP:  http.StatusBadGateway,
			wantAudit: models.WebhookEventStatusFailed,
		},
		{
			name:      "anything else is a 500",
			err:       errors.New("boom"),
			wantHTTP:  http.StatusInternalServerError,
			wantAudit: models.WebhookEventStatusFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, audit, body := failureResponse(tc.err)
			if status != tc.wantHTTP {
				t.Fatalf("expected HTTP %d, got %d", tc.wantHTTP, status)
			}
			if audit != tc.wantAudit {
				t.Fatalf("expected audit status %s, got %s", tc.wantAudit, audit)
			}
			if _, ok := body["missing"]; ok != tc.wantMissing {
				t.Fatalf("expected missing list presence=%v, got %+v", tc.wantMissing, body)
			}
		})
	}
}

func TestAuditStatusFor_SeparatesNoopsFromWork(t *testing.T) {
	cases := []struct {
		name   string
		result interface{}
		want   models.WebhookEventStatus
	}{
		{"fresh invoice", &workflow.InvoiceCreateResult{Status: models.InvoiceStatusUnpaid}, models.WebhookEventStatusProcessed},
		{"replayed invoice", &workflow.InvoiceCreateResult{Replayed: true}, models.WebhookEventStatusNoop},
		{"applied update", &workflow.InvoiceUpdateResult{}, models.WebhookEventStatusProcessed},
		{"noop update", &workflow.InvoiceUpdateResult{Noop: true, Reason: workflow.NoopReasonNoChanges}, models.WebhookEventStatusNoop},
		{"fresh cancel", &workflow.InvoiceDeleteResult{}, models.WebhookEventStatusProcessed},
		{"repeat cancel", &workflow.InvoiceDeleteResult{AlreadyCancelled: true}, models.WebhookEventStatusNoop},
		{"applied payment", &workflow.PaymentResult{Status: models.InvoiceStatusPaid}, models.WebhookEventStatusProcessed},
		{"duplicate payment", &workflow.PaymentResult{Duplicate: true}, models.WebhookEventStatusNoop},
		{"stage moved", &workflow.StageTransitionResult{Moved: true}, models.WebhookEventStatusProcessed},
		{"stage noop", &workflow.StageTransitionResult{Noop: true}, models.WebhookEventStatusNoop},
		{"stage mirror", &workflow.StageMirrorResult{RowsAnnotated: 2}, models.WebhookEventStatusProcessed},
		{"task audit", &workflow.TaskAuditResult{TaskId: "task-1"}, models.WebhookEventStatusNoop},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := auditStatusFor(tc.result); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
