package models

import (
	"time"

	"gorm.io/gorm"
)

// WebhookEvent is the append-only audit of inbound deliveries. Replays get
// their own rows; idempotency lives in the ledger tables, not here. The
// stored payload is what the ops replay endpoint re-dispatches.
type WebhookEvent struct {
	ID             uint               `gorm:"primary_key" json:"id"`
	Source         WebhookSource      `gorm:"size:20;not null;index" json:"source"`
	EventKind      string             `gorm:"size:64;index" json:"event_kind"`
	CorrelationKey string             `gorm:"size:128;index" json:"correlation_key"`
	PayloadJSON    []byte             `gorm:"type:json" json:"payload"`
	Status         WebhookEventStatus `gorm:"size:20;not null;index" json:"status"`
	ResultJSON     []byte             `gorm:"type:json" json:"result"`
	Error          string             `gorm:"type:text" json:"error"`
	CorrelationId  string             `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateWebhookEvent(db *gorm.DB, ev *WebhookEvent) error {
	if ev.Status == "" {
		ev.Status = WebhookEventStatusReceived
	}
	return db.Create(ev).Error
}

// SetWebhookEventOutcome records how a delivery ended up.
func SetWebhookEventOutcome(db *gorm.DB, id uint, status WebhookEventStatus, result []byte, errText string) error {
	updates := map[string]interface{}{
		"status": status,
		"error":  errText,
	}
	if result != nil {
		updates["result_json"] = result
	}
	return db.Model(&WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// GetWebhookEventById returns (nil, nil) when no row exists.
func GetWebhookEventById(db *gorm.DB, id uint) (*WebhookEvent, error) {
	var ev WebhookEvent
	return takeOrNil(db, &ev, "id = ?", id)
}

// ListRecentWebhookEvents returns the newest deliveries, optionally filtered
// by source.
func ListRecentWebhookEvents(db *gorm.DB, source WebhookSource, limit int) ([]WebhookEvent, error) {
	q := db.Order("id desc").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var rows []WebhookEvent
	err := q.Find(&rows).Error
	return rows, err
}
