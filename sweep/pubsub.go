package sweep

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

// PushMessage mirrors the Pub/Sub push delivery envelope.
type PushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RunMessage is the payload published per queued sweep run.
type RunMessage struct {
	RunId         uint   `json:"run_id"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

// TopicName is the sweep-run topic, SWEEP_TOPIC_ID or the default.
func TopicName() string {
	if v := strings.TrimSpace(os.Getenv("SWEEP_TOPIC_ID")); v != "" {
		return v
	}
	return "billsync-sweep-runs"
}

// PublishRun announces a queued run. Callers treat failure as non-fatal: the
// direct worker claims unannounced runs from the table.
func PublishRun(ctx context.Context, runId uint) (string, error) {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)

	// Publishing is an optimization; cap it so a Pub/Sub outage cannot park
	// the trigger request.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return config.PublishJSON(ctx, TopicName(), RunMessage{RunId: runId, CorrelationId: cid})
}

// PushHandler consumes Pub/Sub push deliveries for sweep runs. Malformed
// envelopes are acked (204) so a poisoned message cannot retry forever; a
// processing failure returns 500 so Pub/Sub redelivers.
func PushHandler(w *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, moduleName, "PushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg PushMessage
		if err := utils.UnmarshalFromJSON(body, &msg); err != nil {
			config.LogError(logger, moduleName, "PushHandler", "Unmarshal envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m RunMessage
		if err := utils.UnmarshalFromJSON(msg.Message.Data, &m); err != nil {
			config.LogError(logger, moduleName, "PushHandler", "Unmarshal run message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		if m.RunId == 0 {
			config.LogError(logger, moduleName, "PushHandler", "Invalid run message", m, fmt.Errorf("run_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationId := m.CorrelationId
		if correlationId == "" {
			correlationId = msg.Message.ID
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)

		// Best-effort single-flight; the queued->running CAS in ExecuteRun is
		// the real guard when Redis is unavailable.
		if locker := config.GetRedisLock(); locker != nil {
			lock, lerr := locker.Obtain(ctx, fmt.Sprintf("sweep:run:%d", m.RunId), 10*time.Minute, nil)
			switch {
			case lerr == redislock.ErrNotObtained:
				logger.WithFields(logrus.Fields{
					"module":     moduleName,
					"run_id":     m.RunId,
					"message_id": msg.Message.ID,
				}).Warn("sweep run locked elsewhere; acking")
				c.Status(http.StatusNoContent)
				return
			case lerr != nil:
				logger.WithFields(logrus.Fields{
					"module": moduleName,
					"run_id": m.RunId,
				}).Warn("error obtaining sweep lock; proceeding unlocked: " + lerr.Error())
			default:
				defer func() {
					if rerr := lock.Release(ctx); rerr != nil {
						logger.WithFields(logrus.Fields{
							"module": moduleName,
							"run_id": m.RunId,
						}).Warn("failed to release sweep lock: " + rerr.Error())
					}
				}()
			}
		}

		if err := w.ExecuteRun(ctx, m.RunId); err != nil {
			logger.WithFields(logrus.Fields{
				"module":         moduleName,
				"run_id":         m.RunId,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationId,
			}).Error("sweep run failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Status(http.StatusNoContent)
	}
}
