package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crawlmaster/internal/models"
	"crawlmaster/internal/repository"
	"crawlmaster/internal/store"
)

// Pusher delivers a notification to every client subscribed to the account.
type Pusher interface {
	PushNotification(accountID string, n models.Notification)
}

type pendingKey struct {
	accountID  string
	entityType string
}

type pendingBatch struct {
	count         int
	firstEntityID string
	preview       string
	timer         *time.Timer
}

// Dispatcher converts newly ingested comments and direct messages into push
// notifications. Entities arriving inside the collapse window are merged
// into one batched notification with a count, so a bulk re-sync produces a
// single push instead of a storm.
type Dispatcher struct {
	Logger *zap.Logger
	Repo   repository.Repository
	Pusher Pusher
	Window time.Duration

	mu      sync.Mutex
	pending map[pendingKey]*pendingBatch
	closed  bool
}

func NewDispatcher(logger *zap.Logger, repo repository.Repository, pusher Pusher, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Dispatcher{
		Logger:  logger,
		Repo:    repo,
		Pusher:  pusher,
		Window:  window,
		pending: make(map[pendingKey]*pendingBatch),
	}
}

// NewEntities implements store.EventSink. Runs under the account's partition
// serialization, so it only does bookkeeping and arms the flush timer.
func (d *Dispatcher) NewEntities(accountID string, entities []models.CacheEntity) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, e := range entities {
		key := pendingKey{accountID: accountID, entityType: e.EntityType}
		b, ok := d.pending[key]
		if !ok {
			b = &pendingBatch{firstEntityID: e.EntityID}
			b.timer = time.AfterFunc(d.Window, func() { d.flush(key) })
			d.pending[key] = b
		}
		b.count++
		if b.preview == "" {
			b.preview = previewOf(e)
		}
	}
}

func (d *Dispatcher) ConversationsUpdated(string, []store.ConversationSummary) {}

func (d *Dispatcher) ConversationRead(string, string, int) {}

// Close flushes every pending batch. Called during orderly shutdown.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	keys := make([]pendingKey, 0, len(d.pending))
	for key, b := range d.pending {
		b.timer.Stop()
		keys = append(keys, key)
	}
	d.closed = true
	d.mu.Unlock()
	for _, key := range keys {
		d.flush(key)
	}
}

func (d *Dispatcher) flush(key pendingKey) {
	d.mu.Lock()
	b, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok || b.count == 0 {
		return
	}

	n := models.Notification{
		ID:              uuid.NewString(),
		Type:            key.entityType,
		AccountID:       key.accountID,
		RelatedEntityID: b.firstEntityID,
		Title:           titleFor(key.entityType, b.count),
		Content:         b.preview,
		Count:           b.count,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.Repo != nil {
		if err := d.Repo.InsertNotification(ctx, &n); err != nil {
			if d.Logger != nil {
				d.Logger.Warn("persist notification failed", zap.String("account_id", key.accountID), zap.Error(err))
			}
			return
		}
	}
	if d.Pusher != nil {
		d.Pusher.PushNotification(key.accountID, n)
	}
	now := time.Now().UTC()
	if d.Repo != nil {
		if err := d.Repo.MarkNotificationSent(ctx, n.ID, now); err != nil && d.Logger != nil {
			d.Logger.Warn("mark notification sent failed", zap.String("id", n.ID), zap.Error(err))
		}
	}
	if d.Logger != nil {
		d.Logger.Info("notification dispatched",
			zap.String("account_id", key.accountID),
			zap.String("type", key.entityType),
			zap.Int("count", b.count),
		)
	}
}

func titleFor(entityType string, count int) string {
	noun := "message"
	if entityType == models.EntityTypeComment {
		noun = "comment"
	}
	if count == 1 {
		return fmt.Sprintf("New %s", noun)
	}
	return fmt.Sprintf("%d new %ss", count, noun)
}

func previewOf(e models.CacheEntity) string {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	for _, k := range []string{"content", "text"} {
		if v, ok := m[k].(string); ok {
			return v
		}
	}
	return ""
}
