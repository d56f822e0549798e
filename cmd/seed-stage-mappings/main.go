// seed-stage-mappings creates or updates one stage completion mapping rule:
// when the final task of the source stage completes, the opportunity moves to
// the target stage. Rules are keyed by source stage id.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//   go run ./cmd/seed-stage-mappings \
//     --source-stage stage-retainer --target-stage stage-active \
//     --target-pipeline pipe-matters --source-label "Retainer Sent" --target-label "Active Matter"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

func main() {
	sourceStage := flag.String("source-stage", "", "Required: source stage id the rule fires from")
	targetStage := flag.String("target-stage", "", "Required: stage id the opportunity moves to")
	sourcePipeline := flag.String("source-pipeline", "", "Pipeline id of the source stage")
	targetPipeline := flag.String("target-pipeline", "", "Pipeline id of the target stage (defaults to the opportunity's)")
	sourceLabel := flag.String("source-label", "", "Human label for the source stage")
	targetLabel := flag.String("target-label", "", "Human label for the target stage")
	active := flag.Bool("active", true, "Whether the rule is live")
	flag.Parse()

	if strings.TrimSpace(*sourceStage) == "" || strings.TrimSpace(*targetStage) == "" {
		fmt.Fprintln(os.Stderr, "--source-stage and --target-stage are required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	m := &models.StageCompletionMapping{
		SourcePipelineId: strings.TrimSpace(*sourcePipeline),
		SourceStageId:    strings.TrimSpace(*sourceStage),
		SourceStageLabel: strings.TrimSpace(*sourceLabel),
		TargetPipelineId: strings.TrimSpace(*targetPipeline),
		TargetStageId:    strings.TrimSpace(*targetStage),
		TargetStageLabel: strings.TrimSpace(*targetLabel),
		IsActive:         *active,
	}
	if err := models.UpsertStageMapping(db, m); err != nil {
		fmt.Fprintf(os.Stderr, "failed to upsert mapping: %v\n", err)
		os.Exit(1)
	}

	rows, err := models.ListStageMappings(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list mappings: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Upserted mapping %s -> %s (active=%v). %d rule(s) total:\n", m.SourceStageId, m.TargetStageId, m.IsActive, len(rows))
	for _, r := range rows {
		state := "active"
		if !r.IsActive {
			state = "inactive"
		}
		fmt.Printf("  [%d] %s -> %s (%s)\n", r.ID, r.SourceStageId, r.TargetStageId, state)
	}
}
