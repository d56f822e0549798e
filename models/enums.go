package models

type InvoiceStatus string

const (
	// InvoiceStatusPending: ledger row exists, billing artifacts not yet linked.
	InvoiceStatusPending InvoiceStatus = "pending"
	// InvoiceStatusUnpaid: billing client/matter/payment link created and recorded.
	InvoiceStatusUnpaid InvoiceStatus = "unpaid"
	InvoiceStatusPaid   InvoiceStatus = "paid"
	// InvoiceStatusCancelled: deletion webhook received; the row is kept for audit.
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

type InvoiceSource string

const (
	// InvoiceSourceNative: created from LeadRail's built-in invoice object.
	InvoiceSourceNative InvoiceSource = "native"
	// InvoiceSourceCustomObject: created from the firm's invoice custom object,
	// whose relations (service items, opportunity) materialize asynchronously.
	InvoiceSourceCustomObject InvoiceSource = "custom_object"
)

type WebhookSource string

const (
	WebhookSourceLeadRail  WebhookSource = "leadrail"
	WebhookSourceMatterPay WebhookSource = "matterpay"
)

type WebhookEventStatus string

const (
	WebhookEventStatusReceived   WebhookEventStatus = "received"
	WebhookEventStatusProcessed  WebhookEventStatus = "processed"
	WebhookEventStatusNoop       WebhookEventStatus = "noop"
	WebhookEventStatusRejected   WebhookEventStatus = "rejected"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
	WebhookEventStatusIncomplete WebhookEventStatus = "incomplete"
)

type SweepRunStatus string

const (
	SweepRunStatusQueued  SweepRunStatus = "queued"
	SweepRunStatusRunning SweepRunStatus = "running"
	SweepRunStatusSuccess SweepRunStatus = "success"
	SweepRunStatusPartial SweepRunStatus = "partial"
	SweepRunStatusFailed  SweepRunStatus = "failed"
)

type SweepTrigger string

const (
	SweepTriggerManual   SweepTrigger = "manual"
	SweepTriggerRetry    SweepTrigger = "retry"
	SweepTriggerSchedule SweepTrigger = "schedule"
)
