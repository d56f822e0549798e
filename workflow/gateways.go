package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

// The reconciliation workflows only ever touch the outside world through
// these three gateways. crm.Client and billing.Client implement the first
// two; DBLedger implements the third. Tests swap in fakes.

type CrmGateway interface {
	GetInvoice(ctx context.Context, invoiceId string) (*CrmInvoice, error)
	GetCustomObjectRecord(ctx context.Context, schemaKey, recordId string) (*CustomObjectRecord, error)
	UpdateCustomObjectRecord(ctx context.Context, schemaKey, recordId string, properties map[string]interface{}) error
	GetRelations(ctx context.Context, recordId string) ([]Relation, error)
	GetOpportunity(ctx context.Context, opportunityId string) (*Opportunity, error)
	SearchOpportunitiesByContact(ctx context.Context, contactId string) ([]Opportunity, error)
	UpdateOpportunityStage(ctx context.Context, opportunityId, pipelineId, stageId string) error
	RecordInvoicePayment(ctx context.Context, crmInvoiceId string, p InvoicePaymentParams) error
	CreateTask(ctx context.Context, t TaskParams) error
}

type BillingGateway interface {
	CreateClient(ctx context.Context, c ClientParams) (string, error)
	CreateMatter(ctx context.Context, m MatterParams) (string, error)
	// CreatePaymentLink returns GatewayErrKindDuplicatePaymentLink when the
	// matter already has a link; callers resolve the stored URL instead.
	CreatePaymentLink(ctx context.Context, p PaymentLinkParams) (*PaymentLink, error)
}

type LedgerGateway interface {
	UpsertInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error)
	GetInvoiceByCrmId(ctx context.Context, crmInvoiceId string) (*models.Invoice, error)
	GetInvoiceByBillingLinkId(ctx context.Context, linkId string) (*models.Invoice, error)
	UpdateInvoice(ctx context.Context, crmInvoiceId string, updates map[string]interface{}) error
	InsertPayment(ctx context.Context, p *models.Payment) (duplicate bool, err error)
	ApplyPayment(ctx context.Context, crmInvoiceId string, amount decimal.Decimal, paidAt time.Time) error
	ActiveStageMapping(ctx context.Context, sourceStageId string) (*models.StageCompletionMapping, error)
	MirrorOpportunityStage(ctx context.Context, opportunityId, pipelineId, stageId, stageName string) (int64, error)
	StalePendingInvoices(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error)
	UnpaidMissingBilling(ctx context.Context, limit int) ([]models.Invoice, error)
}

// LeadRail entities, reduced to the fields the workflows read.

type CrmInvoice struct {
	Id            string           `json:"id"`
	InvoiceNumber string           `json:"invoiceNumber"`
	Status        string           `json:"status"`
	ContactId     string           `json:"contactId"`
	OpportunityId string           `json:"opportunityId"`
	Total         decimal.Decimal  `json:"total"`
	Items         []CrmInvoiceItem `json:"items"`
}

type CrmInvoiceItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type CustomObjectRecord struct {
	Id         string                 `json:"id"`
	SchemaKey  string                 `json:"schemaKey"`
	Properties map[string]interface{} `json:"properties"`
}

// Relation links a custom object record to another record. ObjectKey names
// what the other side is (an opportunity, a service item).
type Relation struct {
	Id        string `json:"id"`
	ObjectKey string `json:"objectKey"`
	RecordId  string `json:"recordId"`
}

const (
	RelationObjectOpportunity = "opportunity"
	RelationObjectServiceItem = "service_item"
)

type Opportunity struct {
	Id            string          `json:"id"`
	Name          string          `json:"name"`
	ContactId     string          `json:"contactId"`
	PipelineId    string          `json:"pipelineId"`
	StageId       string          `json:"pipelineStageId"`
	StageName     string          `json:"stageName"`
	Status        string          `json:"status"`
	MonetaryValue decimal.Decimal `json:"monetaryValue"`
}

const OpportunityStatusOpen = "open"

type InvoicePaymentParams struct {
	Amount        decimal.Decimal
	Method        string
	TransactionId string
	PaidAt        *time.Time
	Note          string
}

type TaskParams struct {
	ContactId     string
	OpportunityId string
	Title         string
	Body          string
	DueDate       *time.Time
}

// MatterPay parameters.

type ClientParams struct {
	Name  string
	Email string
	// ExternalRef ties the MatterPay client back to the LeadRail contact.
	ExternalRef string
}

type MatterParams struct {
	ClientId    string
	Description string
	// Reference carries the invoice number so MatterPay statements and
	// LeadRail invoices read the same.
	Reference string
}

type PaymentLinkParams struct {
	MatterId    string
	Amount      decimal.Decimal
	Description string
	Items       []models.LineItem
	DueDate     *time.Time
}

type PaymentLink struct {
	Id  string `json:"id"`
	Url string `json:"url"`
}
