package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/billing"
	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/crm"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/ingest"
	"bitbucket.org/harborlightlabs/billsync_backend/middlewares"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
	"bitbucket.org/harborlightlabs/billsync_backend/models/reports"
	"bitbucket.org/harborlightlabs/billsync_backend/sweep"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
	"bitbucket.org/harborlightlabs/billsync_backend/workflow"
)

const defaultPort = "8080"

// requestCorrelation tags every request with a correlation id, minted here
// unless the sender supplied one.
func requestCorrelation() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// dependencyGate returns 503 until the database and Redis are connected.
// The health probe stays open so Cloud Run keeps the revision alive while
// dependencies come up.
func dependencyGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

// corsPolicy allows everything outside production. In production only the
// CORS_ALLOWED_ORIGINS allowlist is honored; webhook senders are
// server-to-server and never preflight, so this guards the ops endpoints.
func corsPolicy() cors.Config {
	cfg := cors.DefaultConfig()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowed := splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")); len(allowed) > 0 {
			cfg.AllowOrigins = allowed
		} else {
			// Nothing configured: deny cross-origin reads rather than open up.
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization",
		ingest.SignatureHeaderLeadRail, ingest.SignatureHeaderMatterPay)
	cfg.AddExposeHeaders("Content-Length")
	cfg.AllowCredentials = true
	return cfg
}

// redisRateLimit caps requests per client IP with a fixed window counter.
// The shared Redis client is resolved per request; before it connects the
// limiter passes everything through, which is fine because the dependency
// gate is already rejecting those requests.
func redisRateLimit(limit int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		rdb := config.GetRedisDB()
		if rdb == nil {
			c.Next()
			return
		}

		key := "ratelimit:" + c.ClientIP()
		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		if count == 1 {
			if err := rdb.Expire(c.Request.Context(), key, window).Err(); err != nil {
				c.AbortWithError(http.StatusInternalServerError, err)
				return
			}
		}
		if count > limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(window.Seconds())),
			})
			return
		}
		c.Next()
	}
}

// errorLog surfaces handler errors through the structured logger.
func errorLog(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func notFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func reconciliationReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetSubjectFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if config.GetDB() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		windowDays := 7
		if v := c.Query("window_days"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
				windowDays = n
			}
		}

		summary, err := reports.GetReconciliationSummary(c.Request.Context(), config.SweepStaleAfter(), windowDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func main() {
	// Cloud Run injects PORT; API_PORT wins for local overrides.
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; catch it for a drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Gateway clients fail fast: without API credentials every webhook
	// would 502 and the senders would retry into a wall.
	crmClient, err := crm.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "crm"}).Panic(err.Error())
	}
	billingClient, err := billing.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "billing"}).Panic(err.Error())
	}

	// The ledger and sweep worker resolve the shared DB connection per call;
	// the dependency gate keeps requests out until it exists.
	rec := workflow.NewReconciler(crmClient, billingClient, workflow.NewDBLedger(nil))
	worker := sweep.NewWorker(nil, rec)

	// The server must be listening before the database is up, so the
	// router is assembled first and dependencies connect behind the gate.
	r := gin.New()
	r.Use(requestCorrelation())
	r.Use(dependencyGate())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsPolicy()))

	// Optional, RATE_LIMIT_ENABLED=true turns it on.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64FromEnv("RATE_LIMIT_MAX_REQUESTS", 600)
		windowSec := int64FromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)
		r.Use(redisRateLimit(limit, time.Duration(windowSec)*time.Second))
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(errorLog(logger))
	r.Use(gin.Recovery())

	// Webhook intake: HMAC-verified, one route per sender.
	r.POST("/webhooks/leadrail", ingest.WebhookHandler(rec, events.SourceLeadRail))
	r.POST("/webhooks/matterpay", ingest.WebhookHandler(rec, events.SourceMatterPay))

	// Pub/Sub push delivery of queued sweep runs.
	r.POST("/pubsub/sweep", sweep.PushHandler(worker))

	// Ops tooling (service token): delivery history, replays, sweep control.
	r.GET("/internal/ops/webhook-events", ingest.ListWebhookEventsHandler())
	r.GET("/internal/ops/webhook-events/:id", ingest.GetWebhookEventHandler())
	r.POST("/internal/ops/webhook-events/replay", ingest.ReplayWebhookEventHandler(rec))
	r.POST("/internal/ops/sweep/trigger", sweep.TriggerSweepHandler())
	r.GET("/internal/ops/sweep/runs", sweep.ListSweepRunsHandler())
	r.GET("/internal/ops/sweep/runs/:id", sweep.GetSweepRunHandler())
	r.POST("/internal/ops/sweep/runs/:id/retry", sweep.RetrySweepRunHandler())
	r.GET("/internal/ops/reports/reconciliation", reconciliationReportHandler())
	r.NoRoute(notFoundHandler)

	// Listen first; the Cloud Run startup probe is TCP based.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can run DDL that blocks tables. SKIP_MIGRATIONS=true moves
	// schema changes to a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Best-effort Pub/Sub bootstrap. A missing topic only costs the push
	// path: publish failures fall back to the direct worker.
	if psClient, perr := config.GetClient(context.Background()); perr != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("pubsub client unavailable: " + perr.Error())
	} else if _, terr := config.CreateTopicIfNotExists(context.Background(), psClient, sweep.TopicName()); terr != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("sweep topic bootstrap failed: " + terr.Error())
	}

	// Direct sweep worker: claims queued runs from the table when Pub/Sub
	// push is absent or a publish failed.
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	if config.SweepDirectProcessing() {
		go sweep.NewDirectProcessor(db, worker, logger).Run(workerCtx)
	}

	// Upserts read back the row they wrote; REPEATABLE READ would serve
	// them a stale snapshot under replayed deliveries.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{"port": port}).Info("webhook intake ready")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't claim new sweep runs while we're draining.
	cancelWorker()

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func int64FromEnv(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
