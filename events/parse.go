package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrUnhandledEventType marks a well-formed delivery of a type this engine
// does not consume. Callers ack it (no retry will change the type) and move on.
var ErrUnhandledEventType = errors.New("unhandled event type")

var validate = validator.New()

// Ordered alias lists for every canonical field. Order is meaning: the first
// key present wins, so provider-specific keys come before generic ones.
// Changing an order entry changes which payload field feeds the engine.
var (
	kindKeys = []string{"type", "event", "eventType", "event_type"}

	keysInvoiceId     = []string{"invoiceId", "invoice_id", "recordId", "record_id", "id"}
	keysOpportunityId = []string{"opportunityId", "opportunity_id", "dealId", "deal_id"}
	keysContactId     = []string{"contactId", "contact_id"}
	keysContactName   = []string{"contactName", "contact_name", "fullName", "full_name", "name"}
	keysContactEmail  = []string{"contactEmail", "contact_email", "email"}
	keysInvoiceNumber = []string{"invoiceNumber", "invoice_number", "number"}
	keysAmountDue     = []string{"amountDue", "amount_due", "amount", "total"}
	keysLineItems     = []string{"lineItems", "line_items", "items"}
	keysInvoiceDate   = []string{"invoiceDate", "invoice_date", "issuedAt", "issued_at"}
	keysDueDate       = []string{"dueDate", "due_date"}
	keysSchema        = []string{"schemaKey", "schema_key", "objectSchema", "object_schema", "customObjectSchema", "custom_object_schema"}

	keysPaymentId        = []string{"paymentId", "payment_id", "id"}
	keysBillingInvoiceId = []string{"invoiceId", "invoice_id", "billingInvoiceId", "billing_invoice_id", "paymentLinkId", "payment_link_id"}
	keysCrmInvoiceRef    = []string{"crmInvoiceId", "crm_invoice_id", "externalInvoiceId", "external_invoice_id"}
	keysPaymentAmount    = []string{"amount", "amountPaid", "amount_paid", "total"}
	keysPaymentMethod    = []string{"method", "paymentMethod", "payment_method"}
	keysPaymentStatus    = []string{"status", "state"}
	keysTransactedAt     = []string{"transactedAt", "transacted_at", "paidAt", "paid_at", "date"}

	keysStageOppId  = []string{"opportunityId", "opportunity_id", "dealId", "deal_id", "id"}
	keysPipelineId  = []string{"pipelineId", "pipeline_id"}
	keysStageId     = []string{"stageId", "stage_id", "pipelineStageId", "pipeline_stage_id"}
	keysStageName   = []string{"stageName", "stage_name", "stage"}
	keysTaskId      = []string{"taskId", "task_id", "id"}
	keysTaskTitle   = []string{"title", "taskTitle", "task_title", "name"}
	keysSurveyId    = []string{"surveyId", "survey_id", "formId", "form_id"}
	keysItemName    = []string{"name", "title", "description", "productName", "product_name"}
	keysItemPrice   = []string{"unitPrice", "unit_price", "price", "rate", "amount"}
	keysItemQty     = []string{"quantity", "qty", "units"}
	keysDeliveredAs = []string{"data", "payload", "body"}
)

// leadRailKinds / matterPayKinds map normalized type tokens (lowercased,
// punctuation stripped) to canonical kinds, per source.
var leadRailKinds = map[string]Kind{
	"invoicecreated": KindInvoiceCreated,
	"invoicecreate":  KindInvoiceCreated,
	"invoiceupdated": KindInvoiceUpdated,
	"invoiceupdate":  KindInvoiceUpdated,
	"invoicedeleted": KindInvoiceDeleted,
	"invoicedelete":  KindInvoiceDeleted,
	"invoicevoided":  KindInvoiceDeleted,

	"opportunitystagechanged": KindOpportunityStageChanged,
	"opportunitystageupdated": KindOpportunityStageChanged,
	"opportunitystageupdate":  KindOpportunityStageChanged,
	"stagechanged":            KindOpportunityStageChanged,

	"taskcreated":   KindTaskCreated,
	"taskcreate":    KindTaskCreated,
	"taskcompleted": KindTaskCompleted,
	"taskcomplete":  KindTaskCompleted,
	"taskdone":      KindTaskCompleted,

	"surveycompleted": KindSurveyCompleted,
	"surveycomplete":  KindSurveyCompleted,
	"surveysubmitted": KindSurveyCompleted,
	"formsubmitted":   KindSurveyCompleted,
}

var matterPayKinds = map[string]Kind{
	"paymentreceived":  KindPaymentReceived,
	"paymentsucceeded": KindPaymentReceived,
	"paymentsuccess":   KindPaymentReceived,
	"paymentcreated":   KindPaymentReceived,
	"paymentcompleted": KindPaymentReceived,
}

// Parse normalizes one raw webhook body into a canonical event.
// It returns *MalformedEventError when a required correlation key is missing
// under every alias, and ErrUnhandledEventType for types the engine ignores.
func Parse(source Source, body []byte) (Event, error) {
	d, err := decodeDoc(body)
	if err != nil {
		return nil, &MalformedEventError{Source: source, Field: "body", Err: err}
	}

	rawKind, ok := d.firstString(kindKeys)
	if !ok {
		return nil, &MalformedEventError{Source: source, Field: "event type", Tried: kindKeys}
	}

	var kinds map[string]Kind
	switch source {
	case SourceLeadRail:
		kinds = leadRailKinds
	case SourceMatterPay:
		kinds = matterPayKinds
	default:
		return nil, &MalformedEventError{Source: source, Field: "source", Err: fmt.Errorf("unknown source %q", source)}
	}

	kind, ok := kinds[normalizeKindToken(rawKind)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnhandledEventType, source, rawKind)
	}

	var ev Event
	switch kind {
	case KindInvoiceCreated:
		ev, err = parseInvoiceCreated(source, d)
	case KindInvoiceUpdated:
		ev, err = parseInvoiceUpdated(source, d)
	case KindInvoiceDeleted:
		ev, err = parseInvoiceDeleted(source, d)
	case KindPaymentReceived:
		ev, err = parsePaymentReceived(source, d, body)
	case KindOpportunityStageChanged:
		ev, err = parseStageChanged(source, d)
	case KindTaskCreated:
		ev, err = parseTaskCreated(source, d)
	case KindTaskCompleted:
		ev, err = parseTaskCompleted(source, d)
	case KindSurveyCompleted:
		ev, err = parseSurveyCompleted(source, d)
	}
	if err != nil {
		return nil, err
	}

	if verr := validate.Struct(ev); verr != nil {
		return nil, &MalformedEventError{Source: source, Kind: kind, Field: firstValidationField(verr), Err: verr}
	}
	return ev, nil
}

func parseInvoiceCreated(source Source, d doc) (Event, error) {
	id, ok := d.firstString(keysInvoiceId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindInvoiceCreated, Field: "invoice id", Tried: keysInvoiceId}
	}

	ev := InvoiceCreated{
		CrmInvoiceId: id,
		Origin:       OriginNative,
	}
	ev.OpportunityId, _ = d.firstString(keysOpportunityId)
	ev.ContactId, _ = d.firstString(keysContactId)
	ev.ContactName, _ = d.firstString(keysContactName)
	ev.ContactEmail, _ = d.firstString(keysContactEmail)
	ev.InvoiceNumber, _ = d.firstString(keysInvoiceNumber)
	ev.AmountDue, _ = d.firstDecimal(keysAmountDue)
	ev.LineItems = d.lineItems()
	ev.InvoiceDate = d.firstTime(keysInvoiceDate)
	ev.DueDate = d.firstTime(keysDueDate)

	if schema, ok := d.firstString(keysSchema); ok {
		ev.Origin = OriginCustomObject
		ev.CustomObjectSchema = schema
	}
	return ev, nil
}

func parseInvoiceUpdated(source Source, d doc) (Event, error) {
	id, ok := d.firstString(keysInvoiceId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindInvoiceUpdated, Field: "invoice id", Tried: keysInvoiceId}
	}

	ev := InvoiceUpdated{CrmInvoiceId: id}
	ev.OpportunityId, _ = d.firstString(keysOpportunityId)
	ev.ContactId, _ = d.firstString(keysContactId)
	ev.ContactName, _ = d.firstString(keysContactName)
	ev.ContactEmail, _ = d.firstString(keysContactEmail)
	ev.InvoiceNumber, _ = d.firstString(keysInvoiceNumber)
	ev.AmountDue, _ = d.firstDecimal(keysAmountDue)
	ev.LineItems = d.lineItems()
	ev.InvoiceDate = d.firstTime(keysInvoiceDate)
	ev.DueDate = d.firstTime(keysDueDate)
	return ev, nil
}

func parseInvoiceDeleted(source Source, d doc) (Event, error) {
	id, ok := d.firstString(keysInvoiceId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindInvoiceDeleted, Field: "invoice id", Tried: keysInvoiceId}
	}
	return InvoiceDeleted{CrmInvoiceId: id}, nil
}

func parsePaymentReceived(source Source, d doc, body []byte) (Event, error) {
	paymentId, ok := d.firstString(keysPaymentId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindPaymentReceived, Field: "payment id", Tried: keysPaymentId}
	}
	invoiceId, ok := d.firstString(keysBillingInvoiceId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindPaymentReceived, Field: "invoice id", Tried: keysBillingInvoiceId}
	}
	amount, ok := d.firstDecimal(keysPaymentAmount)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindPaymentReceived, Field: "amount", Tried: keysPaymentAmount}
	}

	ev := PaymentReceived{
		BillingPaymentId: paymentId,
		BillingInvoiceId: invoiceId,
		Amount:           amount,
		Raw:              append([]byte(nil), body...),
	}
	ev.CrmInvoiceId, _ = d.firstString(keysCrmInvoiceRef)
	ev.Method, _ = d.firstString(keysPaymentMethod)
	ev.Status, _ = d.firstString(keysPaymentStatus)
	ev.TransactedAt = d.firstTime(keysTransactedAt)
	return ev, nil
}

func parseStageChanged(source Source, d doc) (Event, error) {
	oppId, ok := d.firstString(keysStageOppId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindOpportunityStageChanged, Field: "opportunity id", Tried: keysStageOppId}
	}
	stageName, ok := d.firstString(keysStageName)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindOpportunityStageChanged, Field: "stage name", Tried: keysStageName}
	}

	ev := OpportunityStageChanged{OpportunityId: oppId, StageName: stageName}
	ev.PipelineId, _ = d.firstString(keysPipelineId)
	ev.StageId, _ = d.firstString(keysStageId)
	return ev, nil
}

func parseTaskCreated(source Source, d doc) (Event, error) {
	taskId, ok := d.firstString(keysTaskId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindTaskCreated, Field: "task id", Tried: keysTaskId}
	}
	contactId, ok := d.firstString(keysContactId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindTaskCreated, Field: "contact id", Tried: keysContactId}
	}

	ev := TaskCreated{TaskId: taskId, ContactId: contactId}
	ev.Title, _ = d.firstString(keysTaskTitle)
	ev.OpportunityId, _ = d.firstString(keysOpportunityId)
	return ev, nil
}

func parseTaskCompleted(source Source, d doc) (Event, error) {
	taskId, ok := d.firstString(keysTaskId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindTaskCompleted, Field: "task id", Tried: keysTaskId}
	}
	contactId, ok := d.firstString(keysContactId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindTaskCompleted, Field: "contact id", Tried: keysContactId}
	}

	ev := TaskCompleted{TaskId: taskId, ContactId: contactId}
	ev.Title, _ = d.firstString(keysTaskTitle)
	ev.OpportunityId, _ = d.firstString(keysOpportunityId)
	return ev, nil
}

func parseSurveyCompleted(source Source, d doc) (Event, error) {
	contactId, ok := d.firstString(keysContactId)
	if !ok {
		return nil, &MalformedEventError{Source: source, Kind: KindSurveyCompleted, Field: "contact id", Tried: keysContactId}
	}
	ev := SurveyCompleted{ContactId: contactId}
	ev.SurveyId, _ = d.firstString(keysSurveyId)
	return ev, nil
}

// doc is one decoded payload. Lookups check the top level first, then one
// level down inside a data/payload envelope, so both flat and envelope-style
// deliveries normalize the same way.
type doc map[string]interface{}

func decodeDoc(body []byte) (doc, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var d doc
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return d, nil
}

func (d doc) lookup(key string) (interface{}, bool) {
	if v, ok := d[key]; ok && v != nil {
		return v, true
	}
	for _, env := range keysDeliveredAs {
		if nested, ok := d[env].(map[string]interface{}); ok {
			if v, ok := nested[key]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func (d doc) firstString(keys []string) (string, bool) {
	for _, key := range keys {
		v, ok := d.lookup(key)
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if t := strings.TrimSpace(s); t != "" {
				return t, true
			}
		case json.Number:
			return s.String(), true
		}
	}
	return "", false
}

func (d doc) firstDecimal(keys []string) (decimal.Decimal, bool) {
	for _, key := range keys {
		v, ok := d.lookup(key)
		if !ok {
			continue
		}
		if dec, ok := decimalFromAny(v); ok {
			return dec, true
		}
	}
	return decimal.Zero, false
}

func (d doc) firstTime(keys []string) *time.Time {
	for _, key := range keys {
		v, ok := d.lookup(key)
		if !ok {
			continue
		}
		if t := timeFromAny(v); t != nil {
			return t
		}
	}
	return nil
}

func (d doc) lineItems() []LineItem {
	for _, key := range keysLineItems {
		v, ok := d.lookup(key)
		if !ok {
			continue
		}
		raw, ok := v.([]interface{})
		if !ok {
			continue
		}
		items := make([]LineItem, 0, len(raw))
		for _, el := range raw {
			m, ok := el.(map[string]interface{})
			if !ok {
				continue
			}
			id := doc(m)
			item := LineItem{Quantity: decimal.NewFromInt(1)}
			item.Name, _ = id.firstString(keysItemName)
			if price, ok := id.firstDecimal(keysItemPrice); ok {
				item.UnitPrice = price
			}
			if qty, ok := id.firstDecimal(keysItemQty); ok {
				item.Quantity = qty
			}
			items = append(items, item)
		}
		return items
	}
	return nil
}

func decimalFromAny(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d, true
		}
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		s = strings.TrimPrefix(s, "$")
		if s == "" {
			return decimal.Zero, false
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timeFromAny(v interface{}) *time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return &parsed
			}
		}
	case json.Number:
		if n, err := t.Int64(); err == nil && n > 0 {
			// Millisecond epochs show up in LeadRail payloads.
			if n > 1_000_000_000_000 {
				parsed := time.UnixMilli(n).UTC()
				return &parsed
			}
			parsed := time.Unix(n, 0).UTC()
			return &parsed
		}
	}
	return nil
}

func normalizeKindToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, cut := range []string{".", "_", "-", " "} {
		s = strings.ReplaceAll(s, cut, "")
	}
	return s
}

func firstValidationField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return "payload"
}
