package models

import (
	"time"
)

// Account login lifecycle states.
const (
	LoginStatusNotLoggedIn = "not_logged_in"
	LoginStatusLoggingIn   = "logging_in"
	LoginStatusLoggedIn    = "logged_in"
)

// Account worker-side runtime states.
const (
	WorkerStatusOffline = "offline"
	WorkerStatusOnline  = "online"
	WorkerStatusError   = "error"
)

// Account is a managed platform identity whose conversational data is
// crawled. Accounts are never hard-deleted, only state-transitioned.
type Account struct {
	ID       string `gorm:"primaryKey;type:varchar(100)"`
	Platform string `gorm:"type:varchar(50);not null;index"`

	LoginStatus  string `gorm:"type:varchar(20);not null;default:'not_logged_in'"`
	WorkerStatus string `gorm:"type:varchar(20);not null;default:'offline'"`

	AssignedWorkerID   *string `gorm:"type:varchar(100);index"`
	IsManuallyAssigned bool    `gorm:"not null;default:false"`

	// AssignGeneration fences stale workers: updates carrying an older
	// generation than the account's current one are rejected.
	AssignGeneration uint64 `gorm:"not null;default:0"`

	LastLoginTime    *time.Time `gorm:"type:timestamptz"`
	LastCrawlTime    *time.Time `gorm:"type:timestamptz"`
	ErrorCount       int        `gorm:"not null;default:0"`
	LastErrorMessage string     `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}
