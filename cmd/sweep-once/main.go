// sweep-once runs one reconciliation sweep inline and prints the outcome.
// Useful on a workstation or as a cron container where the Pub/Sub push
// plumbing does not exist. Redis is not required: the run lock degrades to
// the queued->running compare-and-swap.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//   LEADRAIL_API_KEY=... MATTERPAY_API_KEY=... go run ./cmd/sweep-once
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/harborlightlabs/billsync_backend/billing"
	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/crm"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/sweep"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Count stale and drifted rows without re-driving anything")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	if *dryRun {
		olderThan := time.Now().UTC().Add(-config.SweepStaleAfter())
		stale, err := models.ListStalePendingInvoices(db, olderThan, 1000)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to scan stale rows: %v\n", err)
			os.Exit(1)
		}
		drift, err := models.ListUnpaidMissingBilling(db, 1000)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to scan drift rows: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("dry run: %d stale pending invoice(s) older than %s, %d unpaid row(s) missing billing artifacts\n",
			len(stale), config.SweepStaleAfter(), len(drift))
		for _, row := range stale {
			fmt.Printf("  stale: %s (updated %s)\n", row.CrmInvoiceId, row.UpdatedAt.UTC().Format(time.RFC3339))
		}
		for _, row := range drift {
			fmt.Printf("  drift: %s (status %s)\n", row.CrmInvoiceId, row.Status)
		}
		return
	}

	crmClient, err := crm.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "leadrail client: %v\n", err)
		os.Exit(1)
	}
	billingClient, err := billing.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "matterpay client: %v\n", err)
		os.Exit(1)
	}

	rec := workflow.NewReconciler(crmClient, billingClient, workflow.NewDBLedger(db))
	worker := sweep.NewWorker(db, rec)

	run := &models.SweepRun{TriggeredBy: models.SweepTriggerManual}
	if err := models.CreateSweepRun(db, run); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create sweep run: %v\n", err)
		os.Exit(1)
	}

	if err := worker.ExecuteRun(ctx, run.ID); err != nil {
		fmt.Fprintf(os.Stderr, "sweep run %d failed: %v\n", run.ID, err)
		os.Exit(1)
	}

	finished, err := models.GetSweepRunById(db, run.ID)
	if err != nil || finished == nil {
		fmt.Fprintf(os.Stderr, "sweep run %d finished but could not be read back: %v\n", run.ID, err)
		os.Exit(1)
	}
	fmt.Printf("sweep run %d: status=%s scanned=%d redriven=%d errors=%d\n",
		finished.ID, finished.Status, finished.ScannedCount, finished.RedrivenCount, finished.ErrorCount)
	if len(finished.StatsJSON) > 0 {
		fmt.Printf("stats: %s\n", string(finished.StatsJSON))
	}
	if finished.ErrorCount > 0 {
		errs, lerr := models.ListSweepErrorsForRun(db, finished.ID)
		if lerr == nil {
			for _, e := range errs {
				fmt.Printf("  %s: %s (%s)\n", e.CrmInvoiceId, e.Message, e.ErrorCode)
			}
		}
		os.Exit(3)
	}
}
