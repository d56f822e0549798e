package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SweepRun is one reconciliation sweep over the ledger: re-drive stuck
// pending invoices, report drift. Runs are queued by the trigger endpoint and
// consumed either by the Pub/Sub push handler or the direct worker.
type SweepRun struct {
	ID          uint           `gorm:"primary_key" json:"id"`
	Status      SweepRunStatus `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy SweepTrigger   `gorm:"size:20" json:"triggered_by"`

	StatsJSON []byte `gorm:"type:json" json:"stats"`

	ScannedCount  int `gorm:"default:0" json:"scanned_count"`
	RedrivenCount int `gorm:"default:0" json:"redriven_count"`
	ErrorCount    int `gorm:"default:0" json:"error_count"`

	ParentRunId *uint `gorm:"index" json:"parent_run_id"`

	// Claim columns for the direct worker (no-op under Pub/Sub push).
	LockedAt *time.Time `gorm:"index" json:"locked_at"`
	LockedBy *string    `gorm:"size:64" json:"locked_by"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SweepError is one entity-level problem found during a sweep run.
type SweepError struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	SweepRunId   uint      `gorm:"index;not null" json:"sweep_run_id"`
	CrmInvoiceId string    `gorm:"size:128;index" json:"crm_invoice_id"`
	ErrorCode    string    `gorm:"size:64" json:"error_code"`
	Message      string    `gorm:"type:text" json:"message"`
	Retryable    bool      `gorm:"default:false" json:"retryable"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSweepRun(db *gorm.DB, run *SweepRun) error {
	if run.Status == "" {
		run.Status = SweepRunStatusQueued
	}
	return db.Create(run).Error
}

// GetSweepRunById returns (nil, nil) when no row exists.
func GetSweepRunById(db *gorm.DB, id uint) (*SweepRun, error) {
	var run SweepRun
	return takeOrNil(db, &run, "id = ?", id)
}

func ListSweepRuns(db *gorm.DB, limit int) ([]SweepRun, error) {
	var rows []SweepRun
	err := db.Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// ClaimQueuedSweepRun picks the oldest queued (or stale-locked) run for the
// direct worker. SKIP LOCKED keeps concurrent workers off each other's rows;
// nil, nil means nothing to do.
func ClaimQueuedSweepRun(db *gorm.DB, workerId string, lockTTL time.Duration) (*SweepRun, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTTL)

	var claimed *SweepRun
	err := db.Transaction(func(tx *gorm.DB) error {
		var run SweepRun
		q := tx.
			Where("status = ?", SweepRunStatusQueued).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Take(&run).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		run.LockedAt = &now
		run.LockedBy = &workerId
		if err := tx.Model(&SweepRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"locked_at": run.LockedAt,
				"locked_by": run.LockedBy,
			}).Error; err != nil {
			return err
		}
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSweepRunRunning transitions queued -> running once per run. The
// affected-rows check is what keeps a Pub/Sub redelivery from re-running a
// sweep already claimed by another consumer.
func MarkSweepRunRunning(db *gorm.DB, id uint) (bool, error) {
	now := time.Now().UTC()
	res := db.Model(&SweepRun{}).
		Where("id = ? AND status = ?", id, SweepRunStatusQueued).
		Updates(map[string]interface{}{
			"status":     SweepRunStatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinishSweepRun records the terminal status, counters and stats.
func FinishSweepRun(db *gorm.DB, id uint, status SweepRunStatus, scanned, redriven, errCount int, stats []byte) error {
	now := time.Now().UTC()
	return db.Model(&SweepRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"scanned_count":  scanned,
			"redriven_count": redriven,
			"error_count":    errCount,
			"stats_json":     stats,
			"finished_at":    now,
			"locked_at":      nil,
			"locked_by":      nil,
		}).Error
}

func CreateSweepError(db *gorm.DB, se *SweepError) error {
	return db.Create(se).Error
}

func ListSweepErrorsForRun(db *gorm.DB, runId uint) ([]SweepError, error) {
	var rows []SweepError
	err := db.Where("sweep_run_id = ?", runId).Order("id asc").Find(&rows).Error
	return rows, err
}
