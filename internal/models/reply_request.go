package models

import (
	"time"
)

// Reply request states. Transitions only advance forward:
// pending -> in_progress -> submitted | failed.
const (
	ReplyStatusPending    = "pending"
	ReplyStatusInProgress = "in_progress"
	ReplyStatusSubmitted  = "submitted"
	ReplyStatusFailed     = "failed"
)

// ReplyRequest tracks an asynchronous command to post a reply on behalf of
// an account, executed by the assigned worker.
type ReplyRequest struct {
	RequestID  string `gorm:"primaryKey;type:varchar(100)"`
	AccountID  string `gorm:"type:varchar(100);not null;index"`
	TargetType string `gorm:"type:varchar(30);not null"`
	TargetID   string `gorm:"type:varchar(200);not null"`
	Content    string `gorm:"type:text;not null"`

	Status           string  `gorm:"type:varchar(20);not null;default:'pending';index"`
	AssignedWorkerID *string `gorm:"type:varchar(100)"`

	// PlatformReplyID is the id the platform itself assigned to the posted
	// reply, captured by the worker from the platform's own response.
	PlatformReplyID string `gorm:"type:varchar(200)"`
	FailureReason   string `gorm:"type:text"`

	SubmittedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (ReplyRequest) TableName() string {
	return "reply_requests"
}

// ReplyStatusRank orders reply states for forward-only transition checks.
func ReplyStatusRank(status string) int {
	switch status {
	case ReplyStatusPending:
		return 0
	case ReplyStatusInProgress:
		return 1
	case ReplyStatusSubmitted, ReplyStatusFailed:
		return 2
	default:
		return -1
	}
}
