package workflow

import (
	"github.com/shopspring/decimal"

	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

// Results enumerate what happened, step by step. Webhook responses are built
// from these; a bare "ok" hides exactly the partial outcomes this engine
// exists to manage.

// BestEffortOutcome reports one isolated side effect (a CRM mirror, a
// notification task). Failures here never fail the protocol that ran them.
type BestEffortOutcome struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// No-op reason codes.
const (
	NoopReasonTitleMismatch   = "title_mismatch"
	NoopReasonNoMappingRule   = "no_mapping_rule"
	NoopReasonNoTarget        = "no_target"
	NoopReasonNoOpportunity   = "no_opportunity"
	NoopReasonPolicyUnset     = "policy_unset"
	NoopReasonAlreadyAdvanced = "already_advanced"
	NoopReasonCancelled       = "invoice_cancelled"
	NoopReasonNoChanges       = "no_changes"
	NoopReasonNotConfigured   = "no_action_configured"
)

type InvoiceCreateResult struct {
	CrmInvoiceId string               `json:"crm_invoice_id"`
	Status       models.InvoiceStatus `json:"status"`

	BillingClientId      string `json:"billing_client_id,omitempty"`
	BillingMatterId      string `json:"billing_matter_id,omitempty"`
	BillingPaymentLinkId string `json:"billing_payment_link_id,omitempty"`
	PaymentUrl           string `json:"payment_url,omitempty"`

	// Replayed: the billing artifacts already existed (ledger short-circuit
	// or MatterPay duplicate-link signal) and the stored URL was returned.
	Replayed bool `json:"replayed"`

	BestEffort []BestEffortOutcome `json:"best_effort,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
}

type InvoiceUpdateResult struct {
	CrmInvoiceId string               `json:"crm_invoice_id"`
	Status       models.InvoiceStatus `json:"status"`
	Noop         bool                 `json:"noop"`
	Reason       string               `json:"reason,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

type InvoiceDeleteResult struct {
	CrmInvoiceId     string               `json:"crm_invoice_id"`
	Status           models.InvoiceStatus `json:"status"`
	AlreadyCancelled bool                 `json:"already_cancelled"`
}

type PaymentResult struct {
	BillingPaymentId string          `json:"billing_payment_id"`
	CrmInvoiceId     string          `json:"crm_invoice_id"`
	Amount           decimal.Decimal `json:"amount"`

	// Duplicate: this delivery was a replay; nothing was re-applied.
	Duplicate bool `json:"duplicate"`

	Status     models.InvoiceStatus `json:"status"`
	AmountDue  decimal.Decimal      `json:"amount_due"`
	AmountPaid decimal.Decimal      `json:"amount_paid"`

	BestEffort []BestEffortOutcome `json:"best_effort,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
}

type StageTransitionResult struct {
	OpportunityId string `json:"opportunity_id,omitempty"`
	Moved         bool   `json:"moved"`
	Noop          bool   `json:"noop"`
	Reason        string `json:"reason,omitempty"`

	FromPipelineId string `json:"from_pipeline_id,omitempty"`
	FromStageId    string `json:"from_stage_id,omitempty"`
	ToPipelineId   string `json:"to_pipeline_id,omitempty"`
	ToStageId      string `json:"to_stage_id,omitempty"`
}

type StageMirrorResult struct {
	OpportunityId string `json:"opportunity_id"`
	StageName     string `json:"stage_name"`
	RowsAnnotated int64  `json:"rows_annotated"`
}

type TaskAuditResult struct {
	TaskId string `json:"task_id"`
	Reason string `json:"reason"`
}
