package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

const moduleName = "sweep"

// sweepBatchLimit bounds one run's scan so a backlog cannot hold a run (and
// its Pub/Sub ack deadline) open indefinitely. The next run picks up the rest.
const sweepBatchLimit = 200

// Worker executes queued sweep runs: re-drive invoices stuck in pending
// through the same creation protocol a webhook uses, and report unpaid rows
// whose billing artifacts are missing.
type Worker struct {
	DB     *gorm.DB
	Rec    *workflow.Reconciler
	Logger *logrus.Logger
}

// NewWorker with a nil db resolves the shared connection per call; the push
// handler is registered before the database connects and the readiness gate
// holds requests until it has.
func NewWorker(db *gorm.DB, rec *workflow.Reconciler) *Worker {
	return &Worker{DB: db, Rec: rec, Logger: config.GetLogger()}
}

func (w *Worker) conn(ctx context.Context) *gorm.DB {
	db := w.DB
	if db == nil {
		db = config.GetDB()
	}
	return db.WithContext(ctx)
}

type runStats struct {
	StalePending         int `json:"stale_pending"`
	Redriven             int `json:"redriven"`
	StillIncomplete      int `json:"still_incomplete"`
	UnpaidMissingBilling int `json:"unpaid_missing_billing"`
	Errors               int `json:"errors"`
}

// ExecuteRun drives one queued run to a terminal status. The queued->running
// transition is compare-and-swap, so a Pub/Sub redelivery of the same run id
// finds zero affected rows and acks without re-running the sweep.
func (w *Worker) ExecuteRun(ctx context.Context, runId uint) error {
	started, err := models.MarkSweepRunRunning(w.conn(ctx), runId)
	if err != nil {
		return err
	}
	if !started {
		w.Logger.WithFields(logrus.Fields{
			"module": moduleName,
			"run_id": runId,
		}).Warn("sweep run already claimed, skipping")
		return nil
	}

	var stats runStats

	olderThan := time.Now().UTC().Add(-config.SweepStaleAfter())
	stale, err := models.ListStalePendingInvoices(w.conn(ctx), olderThan, sweepBatchLimit)
	if err != nil {
		ferr := models.FinishSweepRun(w.conn(ctx), runId, models.SweepRunStatusFailed, 0, 0, 1, nil)
		if ferr != nil {
			config.LogError(w.Logger, moduleName, "ExecuteRun", "FinishSweepRun", runId, ferr)
		}
		return err
	}
	stats.StalePending = len(stale)

	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		row := &stale[i]
		if _, perr := w.Rec.ProcessInvoiceCreated(ctx, invoiceEventFromRow(row)); perr != nil {
			stats.Errors++
			if workflow.IsIncompleteData(perr) {
				stats.StillIncomplete++
			}
			w.recordError(ctx, runId, row.CrmInvoiceId, perr)
			continue
		}
		stats.Redriven++
	}

	drift, err := models.ListUnpaidMissingBilling(w.conn(ctx), sweepBatchLimit)
	if err != nil {
		stats.Errors++
		w.recordError(ctx, runId, "", err)
	} else {
		stats.UnpaidMissingBilling = len(drift)
		for i := range drift {
			w.recordFinding(ctx, runId, &drift[i])
		}
		stats.Errors += len(drift)
	}

	status := terminalStatus(stats)

	statsJSON, jerr := json.Marshal(stats)
	if jerr != nil {
		config.LogError(w.Logger, moduleName, "ExecuteRun", "Marshal stats", stats, jerr)
	}
	scanned := stats.StalePending + stats.UnpaidMissingBilling
	return models.FinishSweepRun(w.conn(ctx), runId, status, scanned, stats.Redriven, stats.Errors, statsJSON)
}

// terminalStatus grades a finished run. Success means a clean sweep; failed
// means there was work and none of it landed; everything in between, partial.
func terminalStatus(stats runStats) models.SweepRunStatus {
	switch {
	case stats.Errors == 0:
		return models.SweepRunStatusSuccess
	case stats.Redriven > 0 || stats.StalePending == 0:
		return models.SweepRunStatusPartial
	default:
		return models.SweepRunStatusFailed
	}
}

// invoiceEventFromRow rebuilds the creation event a sweep re-drives from the
// persisted row. The protocol resumes past whatever already succeeded.
func invoiceEventFromRow(row *models.Invoice) events.InvoiceCreated {
	ev := events.InvoiceCreated{
		CrmInvoiceId:  row.CrmInvoiceId,
		OpportunityId: row.OpportunityId,
		ContactId:     row.ContactId,
		ContactName:   row.ContactName,
		ContactEmail:  row.ContactEmail,
		InvoiceNumber: row.InvoiceNumber,
		AmountDue:     row.AmountDue,
		InvoiceDate:   row.InvoiceDate,
		DueDate:       row.DueDate,
		Origin:        events.OriginNative,
	}
	if row.Source == models.InvoiceSourceCustomObject {
		ev.Origin = events.OriginCustomObject
		ev.CustomObjectSchema = row.CustomObjectSchema
	}
	if items, err := row.LineItems(); err == nil {
		for _, it := range items {
			ev.LineItems = append(ev.LineItems, events.LineItem{
				Name:      it.Name,
				UnitPrice: it.UnitPrice,
				Quantity:  it.Quantity,
			})
		}
	}
	return ev
}

func (w *Worker) recordError(ctx context.Context, runId uint, crmInvoiceId string, err error) {
	se := &models.SweepError{
		SweepRunId:   runId,
		CrmInvoiceId: crmInvoiceId,
		ErrorCode:    errorCode(err),
		Message:      err.Error(),
		Retryable:    workflow.IsRetryableGateway(err) || workflow.IsIncompleteData(err),
	}
	if cerr := models.CreateSweepError(w.conn(ctx), se); cerr != nil {
		config.LogError(w.Logger, moduleName, "recordError", "CreateSweepError", se, cerr)
	}
}

// recordFinding reports an unpaid row whose billing link went missing. The
// sweep does not repair these: an unpaid status with no link means something
// upstream rewrote the row, which needs a human decision.
func (w *Worker) recordFinding(ctx context.Context, runId uint, row *models.Invoice) {
	se := &models.SweepError{
		SweepRunId:   runId,
		CrmInvoiceId: row.CrmInvoiceId,
		ErrorCode:    "unpaid_missing_billing",
		Message:      "invoice is unpaid but its billing link or payment url is missing",
		Retryable:    false,
	}
	if cerr := models.CreateSweepError(w.conn(ctx), se); cerr != nil {
		config.LogError(w.Logger, moduleName, "recordFinding", "CreateSweepError", se, cerr)
	}
}

func errorCode(err error) string {
	var gerr *workflow.GatewayError
	switch {
	case workflow.IsIncompleteData(err):
		return "incomplete_data"
	case workflow.IsNotFound(err):
		return "not_found"
	case errors.As(err, &gerr):
		return "gateway_" + gerr.Kind
	default:
		return "internal"
	}
}
