package sweep

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

// queueAndAnnounce creates a queued run and best-effort publishes it. A
// publish failure is logged, not returned: the direct worker claims the run
// from the table either way.
func queueAndAnnounce(c *gin.Context, run *models.SweepRun) (bool, error) {
	db := config.GetDB()
	if err := models.CreateSweepRun(db.WithContext(c.Request.Context()), run); err != nil {
		return false, err
	}
	if _, err := PublishRun(c.Request.Context(), run.ID); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"module": moduleName,
			"run_id": run.ID,
		}).Warn("sweep publish failed; direct worker will claim the run: " + err.Error())
		return false, nil
	}
	return true, nil
}

type triggerSweepRequest struct {
	Trigger string `json:"trigger"`
}

// TriggerSweepHandler queues a reconciliation sweep. The body is optional;
// {"trigger": "schedule"} marks runs created by the scheduler job so the
// history separates them from humans.
func TriggerSweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if config.GetDB() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		trigger := models.SweepTriggerManual
		if c.Request.ContentLength > 0 {
			var req triggerSweepRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
			switch req.Trigger {
			case "", string(models.SweepTriggerManual):
			case string(models.SweepTriggerSchedule):
				trigger = models.SweepTriggerSchedule
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown trigger"})
				return
			}
		}

		run := &models.SweepRun{TriggeredBy: trigger}
		published, err := queueAndAnnounce(c, run)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"run_id":    run.ID,
			"status":    run.Status,
			"published": published,
		})
	}
}

// RetrySweepRunHandler queues a fresh run linked to a finished one. Nothing
// is mutated on the original: sweeps are append-only, like the audit rows.
func RetrySweepRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, perr := strconv.ParseUint(c.Param("id"), 10, 32)
		if perr != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		parent, err := models.GetSweepRunById(db.WithContext(c.Request.Context()), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if parent == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "sweep run not found"})
			return
		}
		if parent.Status == models.SweepRunStatusQueued || parent.Status == models.SweepRunStatusRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "sweep run has not finished"})
			return
		}

		run := &models.SweepRun{TriggeredBy: models.SweepTriggerRetry, ParentRunId: &parent.ID}
		published, qerr := queueAndAnnounce(c, run)
		if qerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": qerr.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"run_id":        run.ID,
			"parent_run_id": parent.ID,
			"status":        run.Status,
			"published":     published,
		})
	}
}

// ListSweepRunsHandler returns the newest runs with their counters.
func ListSweepRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > 200 {
			limit = 200
		}

		rows, err := models.ListSweepRuns(db.WithContext(c.Request.Context()), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": rows, "count": len(rows)})
	}
}

// GetSweepRunHandler returns one run with its recorded errors and findings.
func GetSweepRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		run, rerr := models.GetSweepRunById(db.WithContext(c.Request.Context()), uint(id))
		if rerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": rerr.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "sweep run not found"})
			return
		}

		errs, lerr := models.ListSweepErrorsForRun(db.WithContext(c.Request.Context()), run.ID)
		if lerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": lerr.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": run, "errors": errs})
	}
}
