package models

import (
	"gorm.io/datatypes"
)

// Cache entity kinds.
const (
	EntityTypeComment       = "comment"
	EntityTypeDirectMessage = "direct_message"
	EntityTypeConversation  = "conversation"
	EntityTypeContent       = "content"
)

// CacheEntity is one crawled entity row. The primary key is the dedupe key
// (account_id, entity_id): re-ingesting the same entity updates the row in
// place and never creates a duplicate.
type CacheEntity struct {
	AccountID  string `gorm:"primaryKey;type:varchar(100)"`
	EntityID   string `gorm:"primaryKey;type:varchar(200)"`
	EntityType string `gorm:"type:varchar(30);not null;index"`

	// ConversationID groups comments and direct messages under their
	// conversation; empty for top-level entities.
	ConversationID string `gorm:"type:varchar(200);index"`

	Payload datatypes.JSON `gorm:"type:jsonb;not null"`

	// CreatedAt is the platform-side creation time in epoch ms UTC,
	// normalized once at the ingestion boundary.
	CreatedAt int64 `gorm:"not null;index"`

	// FirstSeenAt never regresses once set; it anchors client-visible
	// ordering independently of later payload updates.
	FirstSeenAt int64  `gorm:"not null"`
	UpdatedAt   int64  `gorm:"not null"`
	ReadAt      *int64 `gorm:""`
}

func (CacheEntity) TableName() string {
	return "cache_entities"
}
