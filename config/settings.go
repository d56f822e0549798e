package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Stage transition policy. Read from env at call time, never cached, so a
// redeploy-free config change (new pipeline in LeadRail, renamed final task)
// takes effect on the next webhook.

type StagePolicyConfig struct {
	// FinalTaskTitle is the exact title a completed task must carry to
	// trigger a stage transition. Exact string match, no normalization.
	FinalTaskTitle string

	// Survey flow: an intake-survey completion advances an opportunity out
	// of (SurveyPipelineId, SurveyStageId) into
	// (SurveyNextPipelineId, SurveyNextStageId) unless something else moved
	// it first.
	SurveyPipelineId     string
	SurveyStageId        string
	SurveyNextPipelineId string
	SurveyNextStageId    string
}

// StagePolicy reads the stage transition policy from env:
// - FINAL_TASK_TITLE
// - SURVEY_PIPELINE_ID, SURVEY_STAGE_ID
// - SURVEY_NEXT_PIPELINE_ID (defaults to SURVEY_PIPELINE_ID), SURVEY_NEXT_STAGE_ID
func StagePolicy() StagePolicyConfig {
	p := StagePolicyConfig{
		FinalTaskTitle:       os.Getenv("FINAL_TASK_TITLE"),
		SurveyPipelineId:     os.Getenv("SURVEY_PIPELINE_ID"),
		SurveyStageId:        os.Getenv("SURVEY_STAGE_ID"),
		SurveyNextPipelineId: os.Getenv("SURVEY_NEXT_PIPELINE_ID"),
		SurveyNextStageId:    os.Getenv("SURVEY_NEXT_STAGE_ID"),
	}
	if p.SurveyNextPipelineId == "" {
		p.SurveyNextPipelineId = p.SurveyPipelineId
	}
	return p
}

// InvoicePollAttempts / InvoicePollDelay shape the consistency poll that waits
// for LeadRail to finish materializing custom-object relations after an
// invoice webhook. The upstream propagation window is around 30-45s, hence
// 6 x 10s.
//
// Env overrides (optional):
// - INVOICE_POLL_MAX_ATTEMPTS (default 6)
// - INVOICE_POLL_DELAY_SECONDS (default 10)
func InvoicePollAttempts() int {
	return intFromEnv("INVOICE_POLL_MAX_ATTEMPTS", 6)
}

func InvoicePollDelay() time.Duration {
	return time.Duration(intFromEnv("INVOICE_POLL_DELAY_SECONDS", 10)) * time.Second
}

// SurveyPollDelays returns the waits between survey stage checks. The default
// 30s then 60s gives a competing automation two windows to advance the
// opportunity before this service does.
//
// Env override (optional): SURVEY_POLL_DELAY_SECONDS="30,60"
func SurveyPollDelays() []time.Duration {
	raw := strings.TrimSpace(os.Getenv("SURVEY_POLL_DELAY_SECONDS"))
	if raw == "" {
		return []time.Duration{30 * time.Second, 60 * time.Second}
	}
	var delays []time.Duration
	for _, part := range strings.Split(raw, ",") {
		n := intFromString(strings.TrimSpace(part), -1)
		if n < 0 {
			return []time.Duration{30 * time.Second, 60 * time.Second}
		}
		delays = append(delays, time.Duration(n)*time.Second)
	}
	return delays
}

// WebhookSignatureOptional disables HMAC verification for sources whose
// secret env is unset. Only for local development.
//
// Set via env:
// - WEBHOOK_SIGNATURE_OPTIONAL=true
func WebhookSignatureOptional() bool {
	return envBool("WEBHOOK_SIGNATURE_OPTIONAL", false)
}

// PayloadArchiveBucket names the GCS bucket raw webhook payloads are archived
// to. Empty disables archiving.
//
// Set via env:
// - WEBHOOK_ARCHIVE_BUCKET=billsync-webhook-archive
func PayloadArchiveBucket() string {
	return strings.TrimSpace(os.Getenv("WEBHOOK_ARCHIVE_BUCKET"))
}

// SweepDirectProcessing enables the in-process DB-claiming sweep worker for
// environments without Pub/Sub push.
//
// Set via env:
// - SWEEP_DIRECT_PROCESSING=false to disable (default on)
func SweepDirectProcessing() bool {
	return envBool("SWEEP_DIRECT_PROCESSING", true)
}

// SweepStaleAfter is how long an invoice may sit in pending before a sweep
// re-drives its billing artifacts.
//
// Env override (optional): SWEEP_STALE_AFTER_MINUTES (default 30)
func SweepStaleAfter() time.Duration {
	return time.Duration(intFromEnv("SWEEP_STALE_AFTER_MINUTES", 30)) * time.Minute
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func intFromEnv(key string, def int) int {
	return intFromString(strings.TrimSpace(os.Getenv(key)), def)
}

func intFromString(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
