package ingest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

type replayWebhookRequest struct {
	EventId uint `json:"event_id"`
}

// ReplayWebhookEventHandler re-dispatches a stored delivery through the same
// pipeline a live webhook takes. The replay writes its own audit row; the
// protocols' idempotency is what makes this safe to run repeatedly.
func ReplayWebhookEventHandler(rec *workflow.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req replayWebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.EventId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		row, err := models.GetWebhookEventById(db.WithContext(c.Request.Context()), req.EventId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook event not found"})
			return
		}

		ctx := utils.SetEventSourceInContext(c.Request.Context(), string(row.Source))
		status, resp := processDelivery(ctx, rec, events.Source(row.Source), row.PayloadJSON)
		resp["replayed_from"] = row.ID
		c.JSON(status, resp)
	}
}

// ListWebhookEventsHandler returns the newest audit rows, optionally filtered
// by ?source=leadrail|matterpay, capped by ?limit.
func ListWebhookEventsHandler() gin.HandlerFunc {
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

		rows, err := models.ListRecentWebhookEvents(
			db.WithContext(c.Request.Context()),
			models.WebhookSource(c.Query("source")),
			limit,
		)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
	}
}

// GetWebhookEventHandler returns one audit row with its stored payload and
// result, for inspecting exactly what a delivery did.
func GetWebhookEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		row, rerr := models.GetWebhookEventById(db.WithContext(c.Request.Context()), uint(id))
		if rerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": rerr.Error()})
			return
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook event not found"})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}
