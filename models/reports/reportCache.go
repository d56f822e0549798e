package reports

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

// Report queries bypass Redis unless ENABLE_REPORT_CACHE is set; the
// reconciliation summary is an ops page, not a hot path.
func reportCacheEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_REPORT_CACHE"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// reportCacheTTL is REPORT_CACHE_TTL_SECONDS, default 120.
func reportCacheTTL() time.Duration {
	ttl := 120
	if v := strings.TrimSpace(os.Getenv("REPORT_CACHE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttl = n
		}
	}
	return time.Duration(ttl) * time.Second
}

// reportSlowMs is REPORT_SLOW_MS, default 500.
func reportSlowMs() int64 {
	ms := int64(500)
	if v := strings.TrimSpace(os.Getenv("REPORT_SLOW_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ms = n
		}
	}
	return ms
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	elapsed := time.Since(started).Milliseconds()
	if elapsed < reportSlowMs() {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	log.Printf("slow_report name=%s ms=%d correlation_id=%s extra=%v", name, elapsed, cid, extra)
}

func cacheGet[T any](key string, dest *T) (bool, error) {
	return config.GetRedisObject(key, dest)
}

func cacheSet(key string, obj any, ttl time.Duration) error {
	return config.SetRedisObject(key, obj, ttl)
}
