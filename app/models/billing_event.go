package models

import "time"

const (
	BillingEventStatusClaimed   = "claimed"
	BillingEventStatusProcessed = "processed"
	BillingEventStatusFailed    = "failed"
)

// BillingEvent records every processor webhook event exactly once. The unique
// event id is the concurrency-control primitive that makes redelivered and
// concurrently delivered events idempotent.
type BillingEvent struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	EventID     string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType   string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Status      string     `gorm:"type:varchar(20);not null;default:'claimed';index" json:"status"`
	PayloadJSON string     `gorm:"type:longtext" json:"payload_json"`
	ClaimedAt   time.Time  `gorm:"autoCreateTime" json:"claimed_at"`
	ProcessedAt *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
