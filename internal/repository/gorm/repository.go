package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crawlmaster/internal/models"
	"crawlmaster/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- Accounts ---------------------------------------------------------------

func (s *Store) UpsertAccount(ctx context.Context, item *models.Account) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"platform",
			"login_status",
			"worker_status",
			"assigned_worker_id",
			"is_manually_assigned",
			"assign_generation",
			"last_login_time",
			"last_crawl_time",
			"error_count",
			"last_error_message",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListAccounts(ctx context.Context, params repository.ListAccountsParams) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.accountQuery(ctx, params)
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.Account
	if err := query.Order("id asc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) accountQuery(ctx context.Context, params repository.ListAccountsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Account{})
	if params.Platform != nil && strings.TrimSpace(*params.Platform) != "" {
		query = query.Where("platform = ?", strings.TrimSpace(*params.Platform))
	}
	if params.LoginStatus != nil && strings.TrimSpace(*params.LoginStatus) != "" {
		query = query.Where("login_status = ?", strings.TrimSpace(*params.LoginStatus))
	}
	return query
}

// --- Cache entities ---------------------------------------------------------

func (s *Store) UpsertEntities(ctx context.Context, items []models.CacheEntity) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"entity_type",
			"conversation_id",
			"payload",
			"created_at",
			"first_seen_at",
			"updated_at",
			"read_at",
		}),
	}).CreateInBatches(items, 200).Error
}

func (s *Store) ListEntities(ctx context.Context, params repository.ListEntitiesParams) ([]models.CacheEntity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.CacheEntity{}).
		Where("account_id = ?", params.AccountID)
	if params.EntityType != nil && strings.TrimSpace(*params.EntityType) != "" {
		query = query.Where("entity_type = ?", strings.TrimSpace(*params.EntityType))
	}
	if params.ConversationID != nil && strings.TrimSpace(*params.ConversationID) != "" {
		query = query.Where("conversation_id = ?", strings.TrimSpace(*params.ConversationID))
	}
	if params.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.CacheEntity
	if err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListEntitiesByAccount(ctx context.Context, accountID string) ([]models.CacheEntity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.CacheEntity
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListAccountIDsWithEntities(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.CacheEntity{}).
		Distinct("account_id").
		Pluck("account_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) DeleteEntitiesBefore(ctx context.Context, accountID string, before int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("created_at < ?", before).
		Delete(&models.CacheEntity{})
	return res.RowsAffected, res.Error
}

// --- Notifications ----------------------------------------------------------

func (s *Store) InsertNotification(ctx context.Context, item *models.Notification) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_sent": true, "sent_at": sentAt}).Error
}

// --- Reply requests ---------------------------------------------------------

func (s *Store) InsertReplyRequest(ctx context.Context, item *models.ReplyRequest) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetReplyRequestByID(ctx context.Context, requestID string) (*models.ReplyRequest, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.ReplyRequest
	err := s.db.WithContext(ctx).First(&item, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateReplyRequest(ctx context.Context, item *models.ReplyRequest) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
