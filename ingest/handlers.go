package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

const moduleName = "ingest"

// WebhookHandler ingests one provider delivery: verify the signature, write
// the audit row, normalize the payload and hand it to the reconciler. The
// HTTP status is the provider's retry signal, so only transient failures
// (gateway trouble, incomplete upstream data) return 5xx.
func WebhookHandler(rec *workflow.Reconciler, source events.Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, moduleName, "WebhookHandler", "io.ReadAll", nil, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		ctx := utils.SetEventSourceInContext(c.Request.Context(), string(source))

		if err := VerifySignature(source, c.GetHeader(signatureHeader(source)), body); err != nil {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			row := &models.WebhookEvent{
				Source:        models.WebhookSource(source),
				PayloadJSON:   body,
				Status:        models.WebhookEventStatusRejected,
				Error:         err.Error(),
				CorrelationId: cid,
			}
			if aerr := models.CreateWebhookEvent(db.WithContext(ctx), row); aerr != nil {
				config.LogError(logger, moduleName, "WebhookHandler", "CreateWebhookEvent", nil, aerr)
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		status, resp := processDelivery(ctx, rec, source, body)
		c.JSON(status, resp)
	}
}

// processDelivery runs the post-authentication pipeline for one raw body.
// The ops replay endpoint reuses it, which is why it is separate from the
// HTTP plumbing above. Every call writes its own audit row.
func processDelivery(ctx context.Context, rec *workflow.Reconciler, source events.Source, body []byte) (int, gin.H) {
	logger := config.GetLogger()
	db := config.GetDB()
	cid, _ := utils.GetCorrelationIdFromContext(ctx)

	row := &models.WebhookEvent{
		Source:        models.WebhookSource(source),
		PayloadJSON:   body,
		CorrelationId: cid,
	}

	ev, perr := events.Parse(source, body)
	if perr != nil {
		var mal *events.MalformedEventError
		switch {
		case errors.As(perr, &mal):
			row.Status = models.WebhookEventStatusRejected
			row.Error = perr.Error()
			if mal.Kind != "" {
				row.EventKind = string(mal.Kind)
			}
			if err := models.CreateWebhookEvent(db.WithContext(ctx), row); err != nil {
				config.LogError(logger, moduleName, "processDelivery", "CreateWebhookEvent rejected", nil, err)
			}
			archivePayload(ctx, logger, source, row.ID, body)
			return http.StatusBadRequest, gin.H{"event_id": row.ID, "error": perr.Error()}

		case errors.Is(perr, events.ErrUnhandledEventType):
			row.Status = models.WebhookEventStatusNoop
			row.Error = perr.Error()
			if err := models.CreateWebhookEvent(db.WithContext(ctx), row); err != nil {
				config.LogError(logger, moduleName, "processDelivery", "CreateWebhookEvent noop", nil, err)
			}
			// Ack: a retry of the same type can never become processable.
			return http.StatusOK, gin.H{"event_id": row.ID, "status": "ignored", "reason": perr.Error()}

		default:
			config.LogError(logger, moduleName, "processDelivery", "Parse", string(body), perr)
			return http.StatusInternalServerError, gin.H{"error": perr.Error()}
		}
	}

	row.EventKind = string(ev.Kind())
	row.CorrelationKey = ev.CorrelationKey()
	row.Status = models.WebhookEventStatusReceived
	if err := models.CreateWebhookEvent(db.WithContext(ctx), row); err != nil {
		// No audit row, no processing: the provider retry recreates both.
		config.LogError(logger, moduleName, "processDelivery", "CreateWebhookEvent", nil, err)
		return http.StatusInternalServerError, gin.H{"error": "audit write failed"}
	}
	archivePayload(ctx, logger, source, row.ID, body)

	ctx = utils.SetWebhookEventIdInContext(ctx, row.ID)

	result, derr := dispatch(ctx, rec, ev)
	if derr != nil {
		status, auditStatus, resp := failureResponse(derr)
		resp["event_id"] = row.ID
		if err := models.SetWebhookEventOutcome(db.WithContext(ctx), row.ID, auditStatus, nil, derr.Error()); err != nil {
			config.LogError(logger, moduleName, "processDelivery", "SetWebhookEventOutcome", nil, err)
		}
		return status, resp
	}

	resultJSON, err := utils.MarshalToJSON(result)
	if err != nil {
		config.LogError(logger, moduleName, "processDelivery", "MarshalToJSON", result, err)
	}
	if err := models.SetWebhookEventOutcome(db.WithContext(ctx), row.ID, auditStatusFor(result), []byte(resultJSON), ""); err != nil {
		config.LogError(logger, moduleName, "processDelivery", "SetWebhookEventOutcome", nil, err)
	}

	return http.StatusOK, gin.H{"event_id": row.ID, "kind": row.EventKind, "result": result}
}

// dispatch routes one normalized event to its protocol.
func dispatch(ctx context.Context, rec *workflow.Reconciler, ev events.Event) (interface{}, error) {
	switch e := ev.(type) {
	case events.InvoiceCreated:
		return rec.ProcessInvoiceCreated(ctx, e)
	case events.InvoiceUpdated:
		return rec.ProcessInvoiceUpdated(ctx, e)
	case events.InvoiceDeleted:
		return rec.ProcessInvoiceDeleted(ctx, e)
	case events.PaymentReceived:
		return rec.ProcessPaymentReceived(ctx, e)
	case events.OpportunityStageChanged:
		return rec.ProcessOpportunityStageChanged(ctx, e)
	case events.TaskCreated:
		return rec.ProcessTaskCreated(ctx, e)
	case events.TaskCompleted:
		return rec.ProcessTaskCompleted(ctx, e)
	case events.SurveyCompleted:
		return rec.ProcessSurveyCompleted(ctx, e)
	default:
		return nil, fmt.Errorf("no processor for event kind %s", ev.Kind())
	}
}

// auditStatusFor collapses a protocol result into the audit status. Replays,
// duplicates and policy no-ops all land on noop so the ops list separates
// "did something" from "confirmed nothing to do".
func auditStatusFor(result interface{}) models.WebhookEventStatus {
	switch r := result.(type) {
	case *workflow.InvoiceCreateResult:
		if r.Replayed {
			return models.WebhookEventStatusNoop
		}
	case *workflow.InvoiceUpdateResult:
		if r.Noop {
			return models.WebhookEventStatusNoop
		}
	case *workflow.InvoiceDeleteResult:
		if r.AlreadyCancelled {
			return models.WebhookEventStatusNoop
		}
	case *workflow.PaymentResult:
		if r.Duplicate {
			return models.WebhookEventStatusNoop
		}
	case *workflow.StageTransitionResult:
		if r.Noop {
			return models.WebhookEventStatusNoop
		}
	case *workflow.TaskAuditResult:
		return models.WebhookEventStatusNoop
	}
	return models.WebhookEventStatusProcessed
}

// failureResponse maps a protocol error to the HTTP status, the audit status
// and the response body. 404 and 400 tell the provider to stop retrying;
// 5xx invites a redelivery.
func failureResponse(err error) (int, models.WebhookEventStatus, gin.H) {
	var (
		ide  *workflow.IncompleteDataError
		gerr *workflow.GatewayError
	)
	switch {
	case workflow.IsNotFound(err):
		return http.StatusNotFound, models.WebhookEventStatusFailed, gin.H{"error": err.Error()}
	case errors.As(err, &ide):
		return http.StatusServiceUnavailable, models.WebhookEventStatusIncomplete, gin.H{
			"error":   err.Error(),
			"missing": ide.Missing,
		}
	case errors.As(err, &gerr):
		return http.StatusBadGateway, models.WebhookEventStatusFailed, gin.H{"error": err.Error()}
	default:
		return http.StatusInternalServerError, models.WebhookEventStatusFailed, gin.H{"error": err.Error()}
	}
}

// archivePayload copies the raw body to the retention bucket. Failures are
// logged and swallowed; the DB audit row already holds the payload.
func archivePayload(ctx context.Context, logger *logrus.Logger, source events.Source, eventId uint, body []byte) {
	bucket := config.PayloadArchiveBucket()
	if bucket == "" {
		return
	}
	if err := utils.ArchiveWebhookPayload(ctx, bucket, string(source), eventId, body); err != nil {
		config.LogError(logger, moduleName, "archivePayload", "ArchiveWebhookPayload", nil, err)
	}
}
