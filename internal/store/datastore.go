package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crawlmaster/internal/models"
	"crawlmaster/internal/repository"
)

// EventSink receives DataStore change events. Callbacks run under the
// account's partition serialization, which is what guarantees clients see
// events in DataStore write order; implementations must not block.
type EventSink interface {
	// NewEntities fires for previously-unseen comments and direct messages.
	NewEntities(accountID string, entities []models.CacheEntity)
	// ConversationsUpdated fires after any ingest that touched conversations.
	ConversationsUpdated(accountID string, summaries []ConversationSummary)
	// ConversationRead fires on every mark-read, with the recomputed unread
	// count, so all subscribed clients converge on the same view.
	ConversationRead(accountID, conversationID string, unread int)
}

type partition struct {
	mu       sync.Mutex
	entities map[string]*models.CacheEntity
}

// DataStore is the per-account synchronized cache of crawled entities. All
// mutations to one account are serialized behind that account's partition
// lock; different accounts proceed in parallel. Every mutation is mirrored
// to durable storage through a write-behind queue that never blocks the
// ingest path.
type DataStore struct {
	Logger   *zap.Logger
	Repo     repository.Repository
	Sink     EventSink
	TZOffset time.Duration

	mu    sync.RWMutex
	parts map[string]*partition

	writeCh chan []models.CacheEntity
	fatalCh chan error
	nowFn   func() time.Time
}

func NewDataStore(logger *zap.Logger, repo repository.Repository, tzOffset time.Duration, queueSize int) *DataStore {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &DataStore{
		Logger:   logger,
		Repo:     repo,
		TZOffset: tzOffset,
		parts:    make(map[string]*partition),
		writeCh:  make(chan []models.CacheEntity, queueSize),
		fatalCh:  make(chan error, 1),
		nowFn:    time.Now,
	}
}

// Fatal reports an unrecoverable durable-storage failure. The main loop
// treats it like a server error: orderly shutdown, never partial state.
func (s *DataStore) Fatal() <-chan error {
	return s.fatalCh
}

// Rehydrate loads the full cache from durable storage. It must complete
// before any peer connection is accepted.
func (s *DataStore) Rehydrate(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	accountIDs, err := s.Repo.ListAccountIDsWithEntities(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	total := 0
	for _, accountID := range accountIDs {
		rows, err := s.Repo.ListEntitiesByAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("rehydrate %s: %w", accountID, err)
		}
		p := s.part(accountID)
		p.mu.Lock()
		for i := range rows {
			row := rows[i]
			p.entities[row.EntityID] = &row
		}
		p.mu.Unlock()
		total += len(rows)
	}
	if s.Logger != nil {
		s.Logger.Info("datastore rehydrated",
			zap.Int("accounts", len(accountIDs)),
			zap.Int("entities", total),
		)
	}
	return nil
}

// Run drains the write-behind queue until ctx is cancelled, then flushes
// whatever is still pending before returning.
func (s *DataStore) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	for {
		select {
		case rows := <-s.writeCh:
			s.persist(ctx, rows)
		case <-ctx.Done():
			s.FlushPending()
			return ctx.Err()
		}
	}
}

// FlushPending synchronously drains queued writes. Called on shutdown.
func (s *DataStore) FlushPending() {
	for {
		select {
		case rows := <-s.writeCh:
			s.persist(context.Background(), rows)
		default:
			return
		}
	}
}

// Ingest applies one worker push batch atomically: the whole batch is
// validated and normalized first, and a malformed batch is rejected without
// touching store state. Each entity upserts by its dedupe key; payloads are
// last-writer-wins, the first-seen timestamp never regresses.
func (s *DataStore) Ingest(ctx context.Context, accountID string, batch []IncomingEntity, syncMode string) (IngestResult, error) {
	if s == nil {
		return IngestResult{}, fmt.Errorf("store not initialized")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return IngestResult{}, fmt.Errorf("ingest: accountId is required")
	}
	if syncMode != SyncModeSnapshot && syncMode != SyncModeIncremental {
		return IngestResult{}, fmt.Errorf("ingest: invalid sync mode %q", syncMode)
	}

	now := s.now().UTC().UnixMilli()
	prepared := make([]models.CacheEntity, 0, len(batch))
	for i, in := range batch {
		id := strings.TrimSpace(in.ID)
		if id == "" {
			return IngestResult{}, fmt.Errorf("ingest: entity %d has no id", i)
		}
		switch in.Type {
		case models.EntityTypeComment, models.EntityTypeDirectMessage,
			models.EntityTypeConversation, models.EntityTypeContent:
		default:
			return IngestResult{}, fmt.Errorf("ingest: entity %q has unknown type %q", id, in.Type)
		}
		createdAt, err := NormalizeTimestamp(in.CreatedAt, s.TZOffset)
		if err != nil {
			return IngestResult{}, fmt.Errorf("ingest: entity %q: %w", id, err)
		}
		row := models.CacheEntity{
			AccountID:      accountID,
			EntityID:       id,
			EntityType:     in.Type,
			ConversationID: strings.TrimSpace(in.ConversationID),
			Payload:        []byte(in.Payload),
			CreatedAt:      createdAt,
			FirstSeenAt:    now,
			UpdatedAt:      now,
		}
		if in.Read {
			readAt := now
			row.ReadAt = &readAt
		}
		prepared = append(prepared, row)
	}

	p := s.part(accountID)
	p.mu.Lock()
	result := IngestResult{Total: len(prepared)}
	dirty := make([]models.CacheEntity, 0, len(prepared))
	var fresh []models.CacheEntity
	touched := make(map[string]struct{})

	for i := range prepared {
		row := prepared[i]
		existing, ok := p.entities[row.EntityID]
		if ok {
			// Last-writer-wins on content; first-seen and read state survive.
			row.FirstSeenAt = existing.FirstSeenAt
			if row.ReadAt == nil {
				row.ReadAt = existing.ReadAt
			}
			result.Updated++
		} else {
			result.New++
			if row.EntityType == models.EntityTypeComment || row.EntityType == models.EntityTypeDirectMessage {
				fresh = append(fresh, row)
			}
		}
		stored := row
		p.entities[row.EntityID] = &stored
		dirty = append(dirty, row)
		if cid := conversationOf(&row); cid != "" {
			touched[cid] = struct{}{}
		}
	}

	var summaries []ConversationSummary
	for cid := range touched {
		summaries = append(summaries, p.summarizeLocked(cid))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	// Events are emitted under the partition lock so subscribers observe
	// this account's changes in write order.
	if s.Sink != nil {
		if len(fresh) > 0 {
			s.Sink.NewEntities(accountID, fresh)
		}
		if len(summaries) > 0 {
			s.Sink.ConversationsUpdated(accountID, summaries)
		}
	}
	p.mu.Unlock()

	s.enqueue(ctx, dirty)
	return result, nil
}

// Read serves the latest ingested state for one account. Conversation-scoped
// reads come back in chronological order, everything else newest-first.
func (s *DataStore) Read(accountID string, f ReadFilter) []models.CacheEntity {
	if s == nil {
		return nil
	}
	p := s.part(accountID)
	p.mu.Lock()
	out := make([]models.CacheEntity, 0, len(p.entities))
	for _, e := range p.entities {
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.ConversationID != "" && conversationOf(e) != f.ConversationID {
			continue
		}
		if f.UnreadOnly && e.ReadAt != nil {
			continue
		}
		out = append(out, *e)
	}
	p.mu.Unlock()

	asc := f.ConversationID != ""
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			if asc {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].EntityID < out[j].EntityID
	})

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Conversations returns recomputed summaries for every conversation of the
// account, most recent first.
func (s *DataStore) Conversations(accountID string) []ConversationSummary {
	if s == nil {
		return nil
	}
	p := s.part(accountID)
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{})
	var out []ConversationSummary
	for _, e := range p.entities {
		cid := conversationOf(e)
		if cid == "" {
			continue
		}
		if _, ok := seen[cid]; ok {
			continue
		}
		seen[cid] = struct{}{}
		out = append(out, p.summarizeLocked(cid))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkConversationRead marks every message of the conversation read. It is
// idempotent and always emits the converged read-state event, so a client
// that re-marks an already-read conversation still syncs every peer.
func (s *DataStore) MarkConversationRead(ctx context.Context, accountID, conversationID string) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, fmt.Errorf("mark read: conversation id is required")
	}
	now := s.now().UTC().UnixMilli()

	p := s.part(accountID)
	p.mu.Lock()
	var dirty []models.CacheEntity
	for _, e := range p.entities {
		if conversationOf(e) != conversationID || e.ReadAt != nil {
			continue
		}
		readAt := now
		e.ReadAt = &readAt
		e.UpdatedAt = now
		dirty = append(dirty, *e)
	}
	unread := p.summarizeLocked(conversationID).UnreadCount
	if s.Sink != nil {
		s.Sink.ConversationRead(accountID, conversationID, unread)
	}
	p.mu.Unlock()

	if len(dirty) > 0 {
		s.enqueue(ctx, dirty)
	}
	return unread, nil
}

// PruneBefore drops entities older than the cutoff from memory and durable
// storage. Runs as a background retention sweep.
func (s *DataStore) PruneBefore(ctx context.Context, cutoff time.Time) {
	if s == nil {
		return
	}
	before := cutoff.UTC().UnixMilli()
	s.mu.RLock()
	accountIDs := make([]string, 0, len(s.parts))
	for id := range s.parts {
		accountIDs = append(accountIDs, id)
	}
	s.mu.RUnlock()

	for _, accountID := range accountIDs {
		p := s.part(accountID)
		p.mu.Lock()
		removed := 0
		for id, e := range p.entities {
			if e.CreatedAt < before {
				delete(p.entities, id)
				removed++
			}
		}
		p.mu.Unlock()
		if s.Repo != nil {
			if _, err := s.Repo.DeleteEntitiesBefore(ctx, accountID, before); err != nil && s.Logger != nil {
				s.Logger.Warn("retention prune failed", zap.String("account_id", accountID), zap.Error(err))
			}
		}
		if removed > 0 && s.Logger != nil {
			s.Logger.Info("pruned entities", zap.String("account_id", accountID), zap.Int("count", removed))
		}
	}
}

func (s *DataStore) part(accountID string) *partition {
	s.mu.RLock()
	p, ok := s.parts[accountID]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.parts[accountID]; ok {
		return p
	}
	p = &partition{entities: make(map[string]*models.CacheEntity)}
	s.parts[accountID] = p
	return p
}

// enqueue hands rows to the write-behind flusher. A full queue falls back to
// a synchronous write rather than dropping the mutation.
func (s *DataStore) enqueue(ctx context.Context, rows []models.CacheEntity) {
	if s.Repo == nil || len(rows) == 0 {
		return
	}
	select {
	case s.writeCh <- rows:
	default:
		if s.Logger != nil {
			s.Logger.Warn("write queue full, persisting inline", zap.Int("rows", len(rows)))
		}
		s.persist(ctx, rows)
	}
}

func (s *DataStore) persist(ctx context.Context, rows []models.CacheEntity) {
	if s.Repo == nil || len(rows) == 0 {
		return
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.Repo.UpsertEntities(ctx, rows); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	if s.Logger != nil {
		s.Logger.Error("durable write failed", zap.Int("rows", len(rows)), zap.Error(err))
	}
	select {
	case s.fatalCh <- fmt.Errorf("durable storage unreachable: %w", err):
	default:
	}
}

func (s *DataStore) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// SetNowFunc overrides the clock; tests only.
func (s *DataStore) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// conversationOf resolves the conversation an entity belongs to: messages
// point at their conversation, a conversation entity is its own.
func conversationOf(e *models.CacheEntity) string {
	if e == nil {
		return ""
	}
	if e.EntityType == models.EntityTypeConversation {
		return e.EntityID
	}
	return e.ConversationID
}

// summarizeLocked recomputes a conversation summary from its message
// records. Caller holds the partition lock.
func (p *partition) summarizeLocked(conversationID string) ConversationSummary {
	summary := ConversationSummary{ID: conversationID}
	var lastPayload []byte
	for _, e := range p.entities {
		if e.EntityType == models.EntityTypeConversation && e.EntityID == conversationID {
			summary.Title = payloadText(e.Payload, "title", "name")
			continue
		}
		if e.ConversationID != conversationID {
			continue
		}
		if e.EntityType != models.EntityTypeComment && e.EntityType != models.EntityTypeDirectMessage {
			continue
		}
		if e.ReadAt == nil {
			summary.UnreadCount++
		}
		if e.CreatedAt >= summary.LastMessageTime {
			summary.LastMessageTime = e.CreatedAt
			lastPayload = e.Payload
		}
	}
	summary.LastMessage = payloadText(lastPayload, "content", "text")
	return summary
}
