package repository

import (
	"context"
	"time"

	"crawlmaster/internal/models"
)

type ListEntitiesParams struct {
	AccountID      string
	EntityType     *string
	ConversationID *string
	UnreadOnly     bool
	Limit          int
	Offset         int
}

type ListAccountsParams struct {
	Platform    *string
	LoginStatus *string
	Limit       int
	Offset      int
}

// Repository is the durable-storage contract behind the DataStore and the
// account/reply bookkeeping. The DataStore treats it as a write-behind
// mirror and rehydration source; it is never read on the hot path.
type Repository interface {
	// Accounts.
	UpsertAccount(ctx context.Context, item *models.Account) error
	ListAccounts(ctx context.Context, params ListAccountsParams) ([]models.Account, error)

	// Cache entities.
	UpsertEntities(ctx context.Context, items []models.CacheEntity) error
	ListEntities(ctx context.Context, params ListEntitiesParams) ([]models.CacheEntity, error)
	ListEntitiesByAccount(ctx context.Context, accountID string) ([]models.CacheEntity, error)
	ListAccountIDsWithEntities(ctx context.Context) ([]string, error)
	DeleteEntitiesBefore(ctx context.Context, accountID string, before int64) (int64, error)

	// Notifications.
	InsertNotification(ctx context.Context, item *models.Notification) error
	MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error

	// Reply requests.
	InsertReplyRequest(ctx context.Context, item *models.ReplyRequest) error
	GetReplyRequestByID(ctx context.Context, requestID string) (*models.ReplyRequest, error)
	UpdateReplyRequest(ctx context.Context, item *models.ReplyRequest) error
}
