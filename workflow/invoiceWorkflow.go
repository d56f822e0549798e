package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

// ProcessInvoiceCreated runs the invoice-creation protocol: persist the
// ledger row, wait out LeadRail's relation propagation when the invoice is a
// custom object, then create the MatterPay client, matter and payment link in
// order, persisting each identifier as it lands. A replayed delivery resumes
// from whatever the row already holds; nothing is ever rolled back.
func (r *Reconciler) ProcessInvoiceCreated(ctx context.Context, ev events.InvoiceCreated) (*InvoiceCreateResult, error) {
	ctx, span := r.span(ctx, "workflow.invoice_created")
	defer span.End()

	var res *InvoiceCreateResult
	err := r.withLock(ctx, "invoice:"+ev.CrmInvoiceId, 3*time.Minute, func() error {
		var ferr error
		res, ferr = r.processInvoiceCreated(ctx, ev)
		return ferr
	})
	return res, err
}

func (r *Reconciler) processInvoiceCreated(ctx context.Context, ev events.InvoiceCreated) (*InvoiceCreateResult, error) {
	inv := &models.Invoice{
		CrmInvoiceId:       ev.CrmInvoiceId,
		OpportunityId:      ev.OpportunityId,
		ContactId:          ev.ContactId,
		ContactName:        ev.ContactName,
		ContactEmail:       ev.ContactEmail,
		InvoiceNumber:      ev.InvoiceNumber,
		AmountDue:          ev.AmountDue,
		Status:             models.InvoiceStatusPending,
		Source:             invoiceSource(ev.Origin),
		CustomObjectSchema: ev.CustomObjectSchema,
		InvoiceDate:        ev.InvoiceDate,
		DueDate:            ev.DueDate,
	}
	if err := inv.SetLineItems(toModelItems(ev.LineItems)); err != nil {
		return nil, err
	}

	row, err := r.Ledger.UpsertInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}

	res := &InvoiceCreateResult{CrmInvoiceId: row.CrmInvoiceId, Status: row.Status}

	// A deletion that raced ahead of this replay wins; cancelled rows never
	// grow billing artifacts.
	if row.Status == models.InvoiceStatusCancelled {
		res.Warnings = append(res.Warnings, "invoice is cancelled, billing artifacts were not created")
		return res, nil
	}

	// Replay short-circuit: the link already exists, return what we stored.
	if row.BillingPaymentLinkId != "" && row.PaymentUrl != "" {
		res.Replayed = true
		res.BillingClientId = row.BillingClientId
		res.BillingMatterId = row.BillingMatterId
		res.BillingPaymentLinkId = row.BillingPaymentLinkId
		res.PaymentUrl = row.PaymentUrl
		return res, nil
	}

	// The pending row is down; now wait out relation propagation. An
	// exhausted poll surfaces IncompleteDataError and leaves the row for the
	// sender's redelivery (or the sweep) to resume. Billing artifacts are
	// never created from partial data.
	if ev.Origin == events.OriginCustomObject {
		enriched, err := r.enrichCustomObjectInvoice(ctx, ev)
		if err != nil {
			return nil, err
		}
		if row, err = r.persistEnrichment(ctx, row, enriched); err != nil {
			return nil, err
		}
	}

	clientId := row.BillingClientId
	if clientId == "" {
		clientId, err = r.Billing.CreateClient(ctx, ClientParams{
			Name:        clientName(row),
			Email:       row.ContactEmail,
			ExternalRef: row.ContactId,
		})
		if err != nil {
			return nil, err
		}
		if err := r.Ledger.UpdateInvoice(ctx, row.CrmInvoiceId, map[string]interface{}{
			"billing_client_id": clientId,
		}); err != nil {
			return nil, err
		}
	}
	res.BillingClientId = clientId

	matterId := row.BillingMatterId
	if matterId == "" {
		matterId, err = r.Billing.CreateMatter(ctx, MatterParams{
			ClientId:    clientId,
			Description: matterDescription(row),
			Reference:   row.InvoiceNumber,
		})
		if err != nil {
			return nil, err
		}
		if err := r.Ledger.UpdateInvoice(ctx, row.CrmInvoiceId, map[string]interface{}{
			"billing_matter_id": matterId,
		}); err != nil {
			return nil, err
		}
	}
	res.BillingMatterId = matterId

	items, err := row.LineItems()
	if err != nil {
		return nil, err
	}
	link, err := r.Billing.CreatePaymentLink(ctx, PaymentLinkParams{
		MatterId:    matterId,
		Amount:      row.AmountDue,
		Description: matterDescription(row),
		Items:       items,
		DueDate:     row.DueDate,
	})
	if err != nil {
		if IsDuplicatePaymentLink(err) {
			// MatterPay got further than the ledger recorded on some prior
			// attempt. The stored URL is the answer, not a second link.
			prior, lerr := r.Ledger.GetInvoiceByCrmId(ctx, row.CrmInvoiceId)
			if lerr == nil && prior != nil && prior.PaymentUrl != "" {
				res.Replayed = true
				res.BillingPaymentLinkId = prior.BillingPaymentLinkId
				res.PaymentUrl = prior.PaymentUrl
				res.Status = prior.Status
				return res, nil
			}
			r.Logger.WithFields(logrus.Fields{
				"crm_invoice_id":    row.CrmInvoiceId,
				"billing_matter_id": matterId,
			}).Error("matterpay reports an existing payment link the ledger never recorded")
		}
		return nil, err
	}

	if err := r.Ledger.UpdateInvoice(ctx, row.CrmInvoiceId, map[string]interface{}{
		"billing_payment_link_id": link.Id,
		"payment_url":             link.Url,
		"status":                  models.InvoiceStatusUnpaid,
	}); err != nil {
		return nil, err
	}
	res.BillingPaymentLinkId = link.Id
	res.PaymentUrl = link.Url
	res.Status = models.InvoiceStatusUnpaid

	if row.Source == models.InvoiceSourceCustomObject && row.CustomObjectSchema != "" {
		r.bestEffort("mirror payment url to crm", &res.BestEffort, func() error {
			return r.Crm.UpdateCustomObjectRecord(ctx, row.CustomObjectSchema, row.CrmInvoiceId, map[string]interface{}{
				"payment_url":    link.Url,
				"invoice_number": row.InvoiceNumber,
				"status":         string(models.InvoiceStatusUnpaid),
			})
		})
	}

	return res, nil
}

// enrichCustomObjectInvoice waits for LeadRail to finish materializing the
// invoice record's relations and fills the event from them. Completion needs
// the opportunity relation and the service items visible at the same time; a
// partial truth keeps polling.
func (r *Reconciler) enrichCustomObjectInvoice(ctx context.Context, ev events.InvoiceCreated) (events.InvoiceCreated, error) {
	type enrichment struct {
		record        *CustomObjectRecord
		opportunityId string
		serviceItems  []Relation
	}

	check := func(ctx context.Context) (PollOutcome[enrichment], error) {
		var out PollOutcome[enrichment]
		rec, err := r.Crm.GetCustomObjectRecord(ctx, ev.CustomObjectSchema, ev.CrmInvoiceId)
		if err != nil {
			return out, err
		}
		if rec == nil {
			out.Missing = []string{"custom object record"}
			return out, nil
		}
		rels, err := r.Crm.GetRelations(ctx, ev.CrmInvoiceId)
		if err != nil {
			return out, err
		}
		data := enrichment{record: rec}
		for _, rel := range rels {
			switch rel.ObjectKey {
			case RelationObjectOpportunity:
				if data.opportunityId == "" {
					data.opportunityId = rel.RecordId
				}
			case RelationObjectServiceItem:
				data.serviceItems = append(data.serviceItems, rel)
			}
		}
		if data.opportunityId == "" {
			out.Missing = append(out.Missing, "opportunity relation")
		}
		if len(data.serviceItems) == 0 {
			out.Missing = append(out.Missing, "service items")
		}
		if len(out.Missing) > 0 {
			return out, nil
		}
		out.Complete = true
		out.Data = data
		return out, nil
	}

	data, err := PollUntil(ctx, check, config.InvoicePollAttempts(), config.InvoicePollDelay())
	if err != nil {
		return ev, err
	}

	props := data.record.Properties
	if ev.OpportunityId == "" {
		ev.OpportunityId = data.opportunityId
	}
	if ev.ContactId == "" {
		ev.ContactId = propString(props, "contact_id", "contactId")
	}
	if ev.ContactName == "" {
		ev.ContactName = propString(props, "contact_name", "contactName")
	}
	if ev.ContactEmail == "" {
		ev.ContactEmail = propString(props, "contact_email", "contactEmail", "email")
	}
	if ev.InvoiceNumber == "" {
		ev.InvoiceNumber = propString(props, "invoice_number", "invoiceNumber")
	}

	if len(ev.LineItems) == 0 {
		items, err := r.resolveServiceItems(ctx, data.serviceItems)
		if err != nil {
			return ev, err
		}
		ev.LineItems = items
	}
	if ev.AmountDue.IsZero() {
		if v := propDecimal(props, "amount", "amount_due", "total"); !v.IsZero() {
			ev.AmountDue = v
		} else {
			ev.AmountDue = itemsTotal(ev.LineItems)
		}
	}
	return ev, nil
}

// persistEnrichment writes the polled-in fields onto the ledger row and
// re-reads it, so the billing steps see what the sweep would see.
func (r *Reconciler) persistEnrichment(ctx context.Context, row *models.Invoice, ev events.InvoiceCreated) (*models.Invoice, error) {
	items, err := json.Marshal(toModelItems(ev.LineItems))
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"opportunity_id":  ev.OpportunityId,
		"contact_id":      ev.ContactId,
		"contact_name":    ev.ContactName,
		"contact_email":   ev.ContactEmail,
		"invoice_number":  ev.InvoiceNumber,
		"amount_due":      ev.AmountDue,
		"line_items_json": items,
	}
	if err := r.Ledger.UpdateInvoice(ctx, row.CrmInvoiceId, updates); err != nil {
		return nil, err
	}
	fresh, err := r.Ledger.GetInvoiceByCrmId(ctx, row.CrmInvoiceId)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return row, nil
	}
	return fresh, nil
}

// resolveServiceItems loads each related service item and maps it onto a line
// item. An item the API no longer returns is skipped, not fatal.
func (r *Reconciler) resolveServiceItems(ctx context.Context, rels []Relation) ([]events.LineItem, error) {
	items := make([]events.LineItem, 0, len(rels))
	for _, rel := range rels {
		rec, err := r.Crm.GetCustomObjectRecord(ctx, RelationObjectServiceItem, rel.RecordId)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		item := events.LineItem{
			Name:      propString(rec.Properties, "name", "description", "title"),
			UnitPrice: propDecimal(rec.Properties, "unit_price", "unitPrice", "price", "rate"),
			Quantity:  propDecimal(rec.Properties, "quantity", "qty"),
		}
		if item.Quantity.IsZero() {
			item.Quantity = decimal.NewFromInt(1)
		}
		if item.Name == "" {
			item.Name = "Service item " + rel.RecordId
		}
		items = append(items, item)
	}
	return items, nil
}

// ProcessInvoiceUpdated refreshes the event-carried fields on an existing
// row. Status, paid amounts and billing identifiers are protocol-owned and
// never change here; a cancelled invoice ignores updates entirely.
func (r *Reconciler) ProcessInvoiceUpdated(ctx context.Context, ev events.InvoiceUpdated) (*InvoiceUpdateResult, error) {
	ctx, span := r.span(ctx, "workflow.invoice_updated")
	defer span.End()

	row, err := r.Ledger.GetInvoiceByCrmId(ctx, ev.CrmInvoiceId)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &NotFoundError{System: "ledger", Entity: "invoice", Id: ev.CrmInvoiceId}
	}

	res := &InvoiceUpdateResult{CrmInvoiceId: row.CrmInvoiceId, Status: row.Status}
	if row.Status == models.InvoiceStatusCancelled {
		res.Noop = true
		res.Reason = NoopReasonCancelled
		return res, nil
	}

	updates := map[string]interface{}{}
	if ev.OpportunityId != "" && ev.OpportunityId != row.OpportunityId {
		updates["opportunity_id"] = ev.OpportunityId
	}
	if ev.ContactId != "" && ev.ContactId != row.ContactId {
		updates["contact_id"] = ev.ContactId
	}
	if ev.ContactName != "" && ev.ContactName != row.ContactName {
		updates["contact_name"] = ev.ContactName
	}
	if ev.ContactEmail != "" && ev.ContactEmail != row.ContactEmail {
		updates["contact_email"] = ev.ContactEmail
	}
	if ev.InvoiceNumber != "" && ev.InvoiceNumber != row.InvoiceNumber {
		updates["invoice_number"] = ev.InvoiceNumber
	}
	if !ev.AmountDue.IsZero() && !ev.AmountDue.Equal(row.AmountDue) {
		updates["amount_due"] = ev.AmountDue
	}
	if len(ev.LineItems) > 0 {
		data, err := json.Marshal(toModelItems(ev.LineItems))
		if err != nil {
			return nil, err
		}
		updates["line_items_json"] = data
	}
	if ev.InvoiceDate != nil {
		updates["invoice_date"] = ev.InvoiceDate
	}
	if ev.DueDate != nil {
		updates["due_date"] = ev.DueDate
	}

	if len(updates) == 0 {
		res.Noop = true
		res.Reason = NoopReasonNoChanges
		return res, nil
	}
	if err := r.Ledger.UpdateInvoice(ctx, row.CrmInvoiceId, updates); err != nil {
		return nil, err
	}
	if _, changed := updates["amount_due"]; changed && row.BillingPaymentLinkId != "" {
		// The issued link still shows the old amount.
		res.Warnings = append(res.Warnings, "amount changed after the payment link was issued")
		r.Logger.WithFields(logrus.Fields{
			"crm_invoice_id":          row.CrmInvoiceId,
			"billing_payment_link_id": row.BillingPaymentLinkId,
		}).Warn("invoice amount changed after payment link was issued")
	}
	return res, nil
}

// ProcessInvoiceDeleted cancels the row. Rows are never removed; a cancel for
// an unknown or already-cancelled invoice is an idempotent no-op.
func (r *Reconciler) ProcessInvoiceDeleted(ctx context.Context, ev events.InvoiceDeleted) (*InvoiceDeleteResult, error) {
	ctx, span := r.span(ctx, "workflow.invoice_deleted")
	defer span.End()

	row, err := r.Ledger.GetInvoiceByCrmId(ctx, ev.CrmInvoiceId)
	if err != nil {
		return nil, err
	}
	res := &InvoiceDeleteResult{CrmInvoiceId: ev.CrmInvoiceId, Status: models.InvoiceStatusCancelled}
	if row == nil || row.Status == models.InvoiceStatusCancelled {
		res.AlreadyCancelled = true
		return res, nil
	}
	if err := r.Ledger.UpdateInvoice(ctx, ev.CrmInvoiceId, map[string]interface{}{
		"status": models.InvoiceStatusCancelled,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func invoiceSource(origin events.InvoiceOrigin) models.InvoiceSource {
	if origin == events.OriginCustomObject {
		return models.InvoiceSourceCustomObject
	}
	return models.InvoiceSourceNative
}

func toModelItems(items []events.LineItem) []models.LineItem {
	if items == nil {
		return nil
	}
	out := make([]models.LineItem, len(items))
	for i, it := range items {
		out[i] = models.LineItem{Name: it.Name, UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	return out
}

func itemsTotal(items []events.LineItem) decimal.Decimal {
	total := decimal.Decimal{}
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(it.Quantity))
	}
	return total
}

func clientName(row *models.Invoice) string {
	if row.ContactName != "" {
		return row.ContactName
	}
	if row.ContactEmail != "" {
		return row.ContactEmail
	}
	return "LeadRail contact " + row.ContactId
}

func matterDescription(row *models.Invoice) string {
	if row.InvoiceNumber != "" {
		return "Invoice " + row.InvoiceNumber
	}
	return "Invoice " + row.CrmInvoiceId
}

func propString(props map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func propDecimal(props map[string]interface{}, keys ...string) decimal.Decimal {
	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			s := strings.ReplaceAll(strings.TrimSpace(strings.TrimPrefix(t, "$")), ",", "")
			if d, err := decimal.NewFromString(s); err == nil {
				return d
			}
		case json.Number:
			if d, err := decimal.NewFromString(t.String()); err == nil {
				return d
			}
		case float64:
			return decimal.NewFromFloat(t)
		}
	}
	return decimal.Decimal{}
}
