package notification

import (
	"time"

	"gorm.io/datatypes"
)

const KindWithdrawal = "withdrawal"

type Notification struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	UserID    string         `gorm:"column:user_id;index:idx_notifications_user" json:"user_id"`
	Kind      string         `gorm:"column:kind" json:"kind"`
	DedupeKey string         `gorm:"column:dedupe_key;uniqueIndex:uq_notifications_dedupe" json:"-"`
	Title     string         `gorm:"column:title" json:"title"`
	Body      string         `gorm:"column:body" json:"body"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	ReadAt    *time.Time     `gorm:"column:read_at" json:"read_at,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;index:idx_notifications_user" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }
