// Package events normalizes raw LeadRail and MatterPay webhook payloads into
// the canonical event variants the reconciliation workflows consume. Parsing
// is the only place payload key aliases are known; everything downstream
// works with these types.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceLeadRail  Source = "leadrail"
	SourceMatterPay Source = "matterpay"
)

type Kind string

const (
	KindInvoiceCreated          Kind = "invoice_created"
	KindInvoiceUpdated          Kind = "invoice_updated"
	KindInvoiceDeleted          Kind = "invoice_deleted"
	KindPaymentReceived         Kind = "payment_received"
	KindOpportunityStageChanged Kind = "opportunity_stage_changed"
	KindTaskCreated             Kind = "task_created"
	KindTaskCompleted           Kind = "task_completed"
	KindSurveyCompleted         Kind = "survey_completed"
)

// Event is the canonical form of one webhook delivery. Consumers type-switch
// over the concrete variants; CorrelationKey is what audit rows index on.
type Event interface {
	Kind() Kind
	CorrelationKey() string
}

// LineItem is one service line as carried on the wire. Order is preserved.
type LineItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type InvoiceOrigin string

const (
	OriginNative       InvoiceOrigin = "native"
	OriginCustomObject InvoiceOrigin = "custom_object"
)

type InvoiceCreated struct {
	CrmInvoiceId  string `validate:"required"`
	OpportunityId string
	ContactId     string
	ContactName   string
	ContactEmail  string `validate:"omitempty,email"`

	InvoiceNumber string
	AmountDue     decimal.Decimal
	LineItems     []LineItem

	InvoiceDate *time.Time
	DueDate     *time.Time

	Origin             InvoiceOrigin `validate:"required"`
	CustomObjectSchema string
}

func (e InvoiceCreated) Kind() Kind             { return KindInvoiceCreated }
func (e InvoiceCreated) CorrelationKey() string { return e.CrmInvoiceId }

type InvoiceUpdated struct {
	CrmInvoiceId  string `validate:"required"`
	OpportunityId string
	ContactId     string
	ContactName   string
	ContactEmail  string `validate:"omitempty,email"`

	InvoiceNumber string
	AmountDue     decimal.Decimal
	LineItems     []LineItem

	InvoiceDate *time.Time
	DueDate     *time.Time
}

func (e InvoiceUpdated) Kind() Kind             { return KindInvoiceUpdated }
func (e InvoiceUpdated) CorrelationKey() string { return e.CrmInvoiceId }

type InvoiceDeleted struct {
	CrmInvoiceId string `validate:"required"`
}

func (e InvoiceDeleted) Kind() Kind             { return KindInvoiceDeleted }
func (e InvoiceDeleted) CorrelationKey() string { return e.CrmInvoiceId }

type PaymentReceived struct {
	BillingPaymentId string `validate:"required"`
	BillingInvoiceId string `validate:"required"`
	CrmInvoiceId     string

	Amount decimal.Decimal
	Method string
	Status string

	TransactedAt *time.Time

	// Raw is the original delivery body, persisted on the payment row.
	Raw []byte
}

func (e PaymentReceived) Kind() Kind             { return KindPaymentReceived }
func (e PaymentReceived) CorrelationKey() string { return e.BillingPaymentId + ":" + e.BillingInvoiceId }

type OpportunityStageChanged struct {
	OpportunityId string `validate:"required"`
	PipelineId    string
	StageId       string
	StageName     string `validate:"required"`
}

func (e OpportunityStageChanged) Kind() Kind { return KindOpportunityStageChanged }
func (e OpportunityStageChanged) CorrelationKey() string {
	return e.OpportunityId + ":" + e.StageName
}

type TaskCreated struct {
	TaskId        string `validate:"required"`
	Title         string
	OpportunityId string
	ContactId     string `validate:"required"`
}

func (e TaskCreated) Kind() Kind             { return KindTaskCreated }
func (e TaskCreated) CorrelationKey() string { return e.TaskId + ":" + e.ContactId }

type TaskCompleted struct {
	TaskId string `validate:"required"`
	// Title may legitimately be empty; an empty title simply never matches
	// the configured final-task sentinel.
	Title         string
	OpportunityId string
	ContactId     string `validate:"required"`
}

func (e TaskCompleted) Kind() Kind             { return KindTaskCompleted }
func (e TaskCompleted) CorrelationKey() string { return e.TaskId + ":" + e.ContactId }

type SurveyCompleted struct {
	ContactId string `validate:"required"`
	SurveyId  string
}

func (e SurveyCompleted) Kind() Kind             { return KindSurveyCompleted }
func (e SurveyCompleted) CorrelationKey() string { return e.ContactId }
