package models

import (
	"time"
)

// Notification is a persisted push notification derived from newly ingested
// comments or direct messages. Batched notifications carry a count.
type Notification struct {
	ID              string `gorm:"primaryKey;type:varchar(100)"`
	Type            string `gorm:"type:varchar(30);not null;index"`
	AccountID       string `gorm:"type:varchar(100);not null;index"`
	RelatedEntityID string `gorm:"type:varchar(200)"`
	Title           string `gorm:"type:text;not null"`
	Content         string `gorm:"type:text"`
	Count           int    `gorm:"not null;default:1"`

	IsSent bool       `gorm:"not null;default:false;index"`
	SentAt *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (Notification) TableName() string {
	return "notifications"
}
