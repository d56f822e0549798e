package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

// NOTE: These tests are intentionally DB-free. The fakes below stand in for
// LeadRail, MatterPay and MySQL with just enough state to express the
// protocols' idempotency and resume semantics. Full DB integration tests need
// an environment that can run MySQL + Redis.

func testReconciler(crm *fakeCrm, billing *fakeBilling, ledger *fakeLedger) *Reconciler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Reconciler{Crm: crm, Billing: billing, Ledger: ledger, Logger: logger}
}

type fakeLedger struct {
	mu       sync.Mutex
	invoices map[string]*models.Invoice
	payments map[string]*models.Payment
	mappings map[string]*models.StageCompletionMapping
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		invoices: map[string]*models.Invoice{},
		payments: map[string]*models.Payment{},
		mappings: map[string]*models.StageCompletionMapping{},
	}
}

func (l *fakeLedger) UpsertInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.invoices[inv.CrmInvoiceId]; ok {
		cur.OpportunityId = inv.OpportunityId
		cur.ContactId = inv.ContactId
		cur.ContactName = inv.ContactName
		cur.ContactEmail = inv.ContactEmail
		cur.InvoiceNumber = inv.InvoiceNumber
		cur.AmountDue = inv.AmountDue
		cur.LineItemsJSON = inv.LineItemsJSON
		cur.Source = inv.Source
		cur.CustomObjectSchema = inv.CustomObjectSchema
		cur.InvoiceDate = inv.InvoiceDate
		cur.DueDate = inv.DueDate
		cp := *cur
		return &cp, nil
	}
	row := *inv
	row.ID = uint(len(l.invoices) + 1)
	if row.Status == "" {
		row.Status = models.InvoiceStatusPending
	}
	l.invoices[inv.CrmInvoiceId] = &row
	cp := row
	return &cp, nil
}

func (l *fakeLedger) GetInvoiceByCrmId(ctx context.Context, crmInvoiceId string) (*models.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if row, ok := l.invoices[crmInvoiceId]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, nil
}

func (l *fakeLedger) GetInvoiceByBillingLinkId(ctx context.Context, linkId string) (*models.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if linkId == "" {
		return nil, nil
	}
	for _, row := range l.invoices {
		if row.BillingPaymentLinkId == linkId {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) UpdateInvoice(ctx context.Context, crmInvoiceId string, updates map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.invoices[crmInvoiceId]
	if !ok {
		return fmt.Errorf("no invoice %s", crmInvoiceId)
	}
	for col, v := range updates {
		switch col {
		case "billing_client_id":
			row.BillingClientId = v.(string)
		case "billing_matter_id":
			row.BillingMatterId = v.(string)
		case "billing_payment_link_id":
			row.BillingPaymentLinkId = v.(string)
		case "payment_url":
			row.PaymentUrl = v.(string)
		case "status":
			row.Status = v.(models.InvoiceStatus)
		case "amount_due":
			row.AmountDue = v.(decimal.Decimal)
		case "opportunity_id":
			row.OpportunityId = v.(string)
		case "contact_id":
			row.ContactId = v.(string)
		case "contact_name":
			row.ContactName = v.(string)
		case "contact_email":
			row.ContactEmail = v.(string)
		case "invoice_number":
			row.InvoiceNumber = v.(string)
		case "line_items_json":
			row.LineItemsJSON = v.([]byte)
		case "invoice_date":
			row.InvoiceDate = v.(*time.Time)
		case "due_date":
			row.DueDate = v.(*time.Time)
		default:
			return fmt.Errorf("fakeLedger: unmapped column %s", col)
		}
	}
	return nil
}

func (l *fakeLedger) InsertPayment(ctx context.Context, p *models.Payment) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.payments[p.BillingPaymentId]; ok {
		return true, nil
	}
	cp := *p
	cp.ID = uint(len(l.payments) + 1)
	l.payments[p.BillingPaymentId] = &cp
	return false, nil
}

func (l *fakeLedger) ApplyPayment(ctx context.Context, crmInvoiceId string, amount decimal.Decimal, paidAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.invoices[crmInvoiceId]
	if !ok {
		return fmt.Errorf("no invoice %s", crmInvoiceId)
	}
	row.AmountPaid = row.AmountPaid.Add(amount)
	row.Status = models.InvoiceStatusPaid
	row.PaidDate = &paidAt
	return nil
}

func (l *fakeLedger) ActiveStageMapping(ctx context.Context, sourceStageId string) (*models.StageCompletionMapping, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mappings[sourceStageId]
	if !ok || !m.IsActive {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (l *fakeLedger) MirrorOpportunityStage(ctx context.Context, opportunityId, pipelineId, stageId, stageName string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, row := range l.invoices {
		if row.OpportunityId == opportunityId {
			row.OpportunityPipelineId = pipelineId
			row.OpportunityStageId = stageId
			row.OpportunityStageName = stageName
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) StalePendingInvoices(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []models.Invoice
	for _, row := range l.invoices {
		if row.Status == models.InvoiceStatusPending && row.UpdatedAt.Before(olderThan) {
			rows = append(rows, *row)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
	}
	return rows, nil
}

func (l *fakeLedger) UnpaidMissingBilling(ctx context.Context, limit int) ([]models.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []models.Invoice
	for _, row := range l.invoices {
		if row.Status == models.InvoiceStatusUnpaid && (row.BillingPaymentLinkId == "" || row.PaymentUrl == "") {
			rows = append(rows, *row)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
	}
	return rows, nil
}

func (l *fakeLedger) invoice(crmInvoiceId string) *models.Invoice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invoices[crmInvoiceId]
}

type recordUpdate struct {
	schema string
	id     string
	props  map[string]interface{}
}

type stageUpdate struct {
	opportunityId string
	pipelineId    string
	stageId       string
}

type fakeCrm struct {
	mu sync.Mutex

	invoice *CrmInvoice
	records map[string]*CustomObjectRecord // key: schema + "/" + id

	// relationPlan holds successive GetRelations answers; the last entry
	// repeats once the plan is consumed.
	relationPlan  [][]Relation
	relationCalls int

	// oppPlan works the same for GetOpportunity; a nil entry means not found.
	oppPlan  []*Opportunity
	oppCalls int

	searchResults []Opportunity

	recordUpdates    []recordUpdate
	stageUpdates     []stageUpdate
	paymentsMirrored []InvoicePaymentParams
	tasks            []TaskParams

	recordUpdateErr error
	taskErr         error
}

func newFakeCrm() *fakeCrm {
	return &fakeCrm{records: map[string]*CustomObjectRecord{}}
}

func (c *fakeCrm) GetInvoice(ctx context.Context, invoiceId string) (*CrmInvoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invoice == nil {
		return nil, nil
	}
	cp := *c.invoice
	return &cp, nil
}

func (c *fakeCrm) GetCustomObjectRecord(ctx context.Context, schemaKey, recordId string) (*CustomObjectRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[schemaKey+"/"+recordId]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (c *fakeCrm) UpdateCustomObjectRecord(ctx context.Context, schemaKey, recordId string, properties map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordUpdateErr != nil {
		return c.recordUpdateErr
	}
	c.recordUpdates = append(c.recordUpdates, recordUpdate{schema: schemaKey, id: recordId, props: properties})
	return nil
}

func (c *fakeCrm) GetRelations(ctx context.Context, recordId string) ([]Relation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.relationCalls
	c.relationCalls++
	if len(c.relationPlan) == 0 {
		return nil, nil
	}
	if i >= len(c.relationPlan) {
		i = len(c.relationPlan) - 1
	}
	return c.relationPlan[i], nil
}

func (c *fakeCrm) GetOpportunity(ctx context.Context, opportunityId string) (*Opportunity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.oppCalls
	c.oppCalls++
	if len(c.oppPlan) == 0 {
		return nil, nil
	}
	if i >= len(c.oppPlan) {
		i = len(c.oppPlan) - 1
	}
	if c.oppPlan[i] == nil {
		return nil, nil
	}
	cp := *c.oppPlan[i]
	return &cp, nil
}

func (c *fakeCrm) SearchOpportunitiesByContact(ctx context.Context, contactId string) ([]Opportunity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchResults, nil
}

func (c *fakeCrm) UpdateOpportunityStage(ctx context.Context, opportunityId, pipelineId, stageId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageUpdates = append(c.stageUpdates, stageUpdate{opportunityId: opportunityId, pipelineId: pipelineId, stageId: stageId})
	return nil
}

func (c *fakeCrm) RecordInvoicePayment(ctx context.Context, crmInvoiceId string, p InvoicePaymentParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentsMirrored = append(c.paymentsMirrored, p)
	return nil
}

func (c *fakeCrm) CreateTask(ctx context.Context, t TaskParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taskErr != nil {
		return c.taskErr
	}
	c.tasks = append(c.tasks, t)
	return nil
}

type fakeBilling struct {
	mu sync.Mutex

	clients int
	matters int
	links   int

	linkCalls []PaymentLinkParams

	clientErr error
	matterErr error
	linkErr   error
}

func (b *fakeBilling) CreateClient(ctx context.Context, p ClientParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clientErr != nil {
		return "", b.clientErr
	}
	b.clients++
	return fmt.Sprintf("mp-client-%d", b.clients), nil
}

func (b *fakeBilling) CreateMatter(ctx context.Context, p MatterParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.matterErr != nil {
		return "", b.matterErr
	}
	b.matters++
	return fmt.Sprintf("mp-matter-%d", b.matters), nil
}

func (b *fakeBilling) CreatePaymentLink(ctx context.Context, p PaymentLinkParams) (*PaymentLink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.linkCalls = append(b.linkCalls, p)
	if b.linkErr != nil {
		return nil, b.linkErr
	}
	b.links++
	return &PaymentLink{
		Id:  fmt.Sprintf("mp-link-%d", b.links),
		Url: fmt.Sprintf("https://pay.matterpay.com/l/%d", b.links),
	}, nil
}
