package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
)

type StatusBucket struct {
	Status     string          `json:"status"`
	RowCount   int             `json:"rowCount"`
	AmountDue  decimal.Decimal `json:"amountDue"`
	AmountPaid decimal.Decimal `json:"amountPaid"`
}

type SourceBucket struct {
	Source   string `json:"source"`
	RowCount int    `json:"rowCount"`
}

// ReconciliationSummary is the ops view of ledger health: how rows are
// distributed, how much is stuck, and what the last sweep concluded. The
// stale and drift counters use the same conditions the sweep scans with.
type ReconciliationSummary struct {
	Statuses             []*StatusBucket `json:"statuses"`
	Sources              []*SourceBucket `json:"sources"`
	StalePending         int             `json:"stalePending"`
	UnpaidMissingBilling int             `json:"unpaidMissingBilling"`
	PaymentsApplied      int             `json:"paymentsApplied"`
	PaymentsAmount       decimal.Decimal `json:"paymentsAmount"`
	WindowDays           int             `json:"windowDays"`
	LastSweepRunId       *uint           `json:"lastSweepRunId"`
	LastSweepStatus      *string         `json:"lastSweepStatus"`
	LastSweepFinishedAt  *time.Time      `json:"lastSweepFinishedAt"`
	GeneratedAt          time.Time       `json:"generatedAt"`
}

func GetReconciliationSummary(ctx context.Context, staleAfter time.Duration, windowDays int) (*ReconciliationSummary, error) {
	start := time.Now()
	defer logSlowReport(ctx, "reconciliation_summary", start, map[string]any{
		"window_days": windowDays,
	})

	if windowDays <= 0 {
		windowDays = 7
	}

	cacheKey := fmt.Sprintf("report:reconciliation_summary:%d", windowDays)
	if reportCacheEnabled() {
		var cached *ReconciliationSummary
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok && cached != nil {
			return cached, nil
		}
	}

	db := config.GetDB()
	now := time.Now().UTC()
	summary := &ReconciliationSummary{
		Statuses:    []*StatusBucket{},
		Sources:     []*SourceBucket{},
		WindowDays:  windowDays,
		GeneratedAt: now,
	}

	statusSQL := `
SELECT
    status,
    COUNT(*) row_count,
    COALESCE(SUM(amount_due), 0) amount_due,
    COALESCE(SUM(amount_paid), 0) amount_paid
FROM
    invoices
GROUP BY
    status
ORDER BY
    status;
	`
	if err := db.WithContext(ctx).Raw(statusSQL).Scan(&summary.Statuses).Error; err != nil {
		return nil, err
	}

	sourceSQL := `
SELECT
    source,
    COUNT(*) row_count
FROM
    invoices
GROUP BY
    source
ORDER BY
    source;
	`
	if err := db.WithContext(ctx).Raw(sourceSQL).Scan(&summary.Sources).Error; err != nil {
		return nil, err
	}

	var stale struct{ RowCount int }
	staleSQL := `
SELECT
    COUNT(*) row_count
FROM
    invoices
WHERE
    status = 'pending'
    AND updated_at < @olderThan;
	`
	if err := db.WithContext(ctx).Raw(staleSQL, map[string]interface{}{
		"olderThan": now.Add(-staleAfter),
	}).Scan(&stale).Error; err != nil {
		return nil, err
	}
	summary.StalePending = stale.RowCount

	var drift struct{ RowCount int }
	driftSQL := `
SELECT
    COUNT(*) row_count
FROM
    invoices
WHERE
    status = 'unpaid'
    AND (billing_payment_link_id = '' OR payment_url = '');
	`
	if err := db.WithContext(ctx).Raw(driftSQL).Scan(&drift).Error; err != nil {
		return nil, err
	}
	summary.UnpaidMissingBilling = drift.RowCount

	var pay struct {
		RowCount int
		Amount   decimal.Decimal
	}
	paySQL := `
SELECT
    COUNT(*) row_count,
    COALESCE(SUM(amount), 0) amount
FROM
    payments
WHERE
    created_at >= @since;
	`
	if err := db.WithContext(ctx).Raw(paySQL, map[string]interface{}{
		"since": now.AddDate(0, 0, -windowDays),
	}).Scan(&pay).Error; err != nil {
		return nil, err
	}
	summary.PaymentsApplied = pay.RowCount
	summary.PaymentsAmount = pay.Amount

	var lastRuns []struct {
		Id         uint
		Status     string
		FinishedAt *time.Time
	}
	lastSweepSQL := `
SELECT
    id,
    status,
    finished_at
FROM
    sweep_runs
WHERE
    finished_at IS NOT NULL
ORDER BY
    id DESC
LIMIT 1;
	`
	if err := db.WithContext(ctx).Raw(lastSweepSQL).Scan(&lastRuns).Error; err != nil {
		return nil, err
	}
	if len(lastRuns) > 0 {
		summary.LastSweepRunId = &lastRuns[0].Id
		summary.LastSweepStatus = &lastRuns[0].Status
		summary.LastSweepFinishedAt = lastRuns[0].FinishedAt
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, summary, reportCacheTTL())
	}
	return summary, nil
}
