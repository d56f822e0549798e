package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
)

// StageCompletionMapping is one row of the stage transition rulebook: when
// the final task completes while the opportunity sits in source_stage_id,
// move it to the target. The engine only reads these rows; they are seeded
// and maintained with cmd/seed-stage-mappings.
type StageCompletionMapping struct {
	ID uint `gorm:"primary_key" json:"id"`

	SourcePipelineId string `gorm:"size:128;index" json:"source_pipeline_id"`
	SourceStageId    string `gorm:"size:128;not null;uniqueIndex" json:"source_stage_id"`
	SourceStageLabel string `gorm:"size:255" json:"source_stage_label"`

	TargetPipelineId string `gorm:"size:128" json:"target_pipeline_id"`
	TargetStageId    string `gorm:"size:128" json:"target_stage_id"`
	TargetStageLabel string `gorm:"size:255" json:"target_stage_label"`

	IsActive bool `gorm:"default:true;index" json:"is_active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const stageMappingCacheTTL = 60 * time.Second

// GetActiveStageMapping returns the active rule for a source stage, or
// (nil, nil) when no rule is configured (a normal no-op for the caller).
// Reads through Redis; cache misses and Redis errors fall back to the DB.
func GetActiveStageMapping(db *gorm.DB, sourceStageId string) (*StageCompletionMapping, error) {
	cacheKey := fmt.Sprintf("StageMapping:%s", sourceStageId)

	var cached StageCompletionMapping
	if hit, err := config.GetRedisObject(cacheKey, &cached); err == nil && hit {
		if !cached.IsActive {
			return nil, nil
		}
		return &cached, nil
	}

	var m StageCompletionMapping
	row, err := takeOrNil(db, &m, "source_stage_id = ? AND is_active = ?", sourceStageId, true)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	if err := config.SetRedisObject(cacheKey, row, stageMappingCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "stageMapping.go", "GetActiveStageMapping", "cache stage mapping", row.SourceStageId, err)
	}
	return row, nil
}

// UpsertStageMapping inserts or refreshes one rule and drops its cache entry.
func UpsertStageMapping(db *gorm.DB, m *StageCompletionMapping) error {
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_stage_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_pipeline_id", "source_stage_label",
			"target_pipeline_id", "target_stage_id", "target_stage_label",
			"is_active", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return err
	}
	return config.RemoveRedisKey(fmt.Sprintf("StageMapping:%s", m.SourceStageId))
}

func ListStageMappings(db *gorm.DB) ([]StageCompletionMapping, error) {
	var rows []StageCompletionMapping
	err := db.Order("source_pipeline_id asc, source_stage_id asc").Find(&rows).Error
	return rows, err
}
