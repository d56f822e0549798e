package sweep

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

// DirectProcessor claims queued sweep runs straight from the table, for
// environments without Pub/Sub push. It also acts as the safety net when
// Pub/Sub is configured but delivery is broken: publish failures leave runs
// queued, and this loop picks them up. Claiming uses SKIP LOCKED plus a lock
// TTL, so concurrent instances stay off each other's runs and a crashed
// worker's claim expires.
type DirectProcessor struct {
	DB       *gorm.DB
	Worker   *Worker
	Logger   *logrus.Logger
	WorkerID string
	Interval time.Duration
	LockTTL  time.Duration
}

func NewDirectProcessor(db *gorm.DB, worker *Worker, logger *logrus.Logger) *DirectProcessor {
	return &DirectProcessor{
		DB:       db,
		Worker:   worker,
		Logger:   logger,
		WorkerID: "direct-" + time.Now().Format("20060102-150405.000"),
		Interval: 15 * time.Second,
		LockTTL:  10 * time.Minute,
	}
}

func (p *DirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *DirectProcessor) processOnce(ctx context.Context) {
	run, err := models.ClaimQueuedSweepRun(p.DB.WithContext(ctx), p.WorkerID, p.LockTTL)
	if err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"module":    moduleName,
				"worker_id": p.WorkerID,
			}).Error("claim failed: " + err.Error())
		}
		return
	}
	if run == nil {
		return
	}

	procCtx := utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	if err := p.Worker.ExecuteRun(procCtx, run.ID); err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"module":    moduleName,
				"worker_id": p.WorkerID,
				"run_id":    run.ID,
			}).Error("direct sweep failed: " + err.Error())
		}
	}
}
