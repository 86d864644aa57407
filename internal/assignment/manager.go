package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crawlmaster/internal/models"
	"crawlmaster/internal/registry"
	"crawlmaster/internal/repository"
)

var (
	ErrUnknownAccount  = errors.New("unknown account")
	ErrAccountExists   = errors.New("account already exists")
	ErrNoCapacity      = errors.New("no worker capacity")
	ErrLoginInFlight   = errors.New("login already in progress")
	ErrStaleGeneration = errors.New("stale assignment generation")
)

// Manager maps accounts to workers and drives the login lifecycle. Every
// (re)assignment bumps the account's generation; worker-originated updates
// carrying an older generation are rejected, so a stale worker cannot write
// over its successor after reassignment.
type Manager struct {
	Logger   *zap.Logger
	Repo     repository.Repository
	Registry *registry.Registry

	mu       sync.Mutex
	accounts map[string]*models.Account
}

func New(logger *zap.Logger, repo repository.Repository, reg *registry.Registry) *Manager {
	return &Manager{
		Logger:   logger,
		Repo:     repo,
		Registry: reg,
		accounts: make(map[string]*models.Account),
	}
}

// Rehydrate loads all accounts from durable storage. Worker-side state is
// reset to offline: workers re-register after a master restart.
func (m *Manager) Rehydrate(ctx context.Context) error {
	if m == nil || m.Repo == nil {
		return nil
	}
	const page = 500
	offset := 0
	for {
		items, err := m.Repo.ListAccounts(ctx, repository.ListAccountsParams{Limit: page, Offset: offset})
		if err != nil {
			return fmt.Errorf("rehydrate accounts: %w", err)
		}
		m.mu.Lock()
		for i := range items {
			acc := items[i]
			acc.WorkerStatus = models.WorkerStatusOffline
			if acc.LoginStatus == models.LoginStatusLoggingIn {
				acc.LoginStatus = models.LoginStatusNotLoggedIn
			}
			m.accounts[acc.ID] = &acc
		}
		m.mu.Unlock()
		if len(items) < page {
			return nil
		}
		offset += page
	}
}

// Create registers a new managed account.
func (m *Manager) Create(ctx context.Context, id, platform string) (*models.Account, error) {
	id = strings.TrimSpace(id)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if id == "" || platform == "" {
		return nil, fmt.Errorf("create account: id and platform are required")
	}
	m.mu.Lock()
	if _, ok := m.accounts[id]; ok {
		m.mu.Unlock()
		return nil, ErrAccountExists
	}
	acc := &models.Account{
		ID:           id,
		Platform:     platform,
		LoginStatus:  models.LoginStatusNotLoggedIn,
		WorkerStatus: models.WorkerStatusOffline,
	}
	m.accounts[id] = acc
	snap := *acc
	m.mu.Unlock()

	if err := m.persist(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Get returns a copy of one account, or nil.
func (m *Manager) Get(id string) *models.Account {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil
	}
	snap := *acc
	return &snap
}

// List returns copies of all accounts ordered by id.
func (m *Manager) List() []models.Account {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign binds an account to a worker. A preferred worker with capacity pins
// the account (sticky across automatic reassignment); otherwise the
// least-loaded online worker with the account's platform capability is
// chosen. ErrNoCapacity leaves the account unassigned; it is retried on the
// next registration or capacity-freed event.
func (m *Manager) Assign(ctx context.Context, accountID, preferredWorkerID string) (string, error) {
	if m == nil || m.Registry == nil {
		return "", ErrNoCapacity
	}
	m.mu.Lock()
	acc, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return "", ErrUnknownAccount
	}
	platform := acc.Platform
	current := ""
	if acc.AssignedWorkerID != nil {
		current = *acc.AssignedWorkerID
	}
	m.mu.Unlock()

	pinned := false
	target := strings.TrimSpace(preferredWorkerID)
	if target != "" {
		pinned = true
	} else {
		target = m.Registry.PickLeastLoaded(platform)
		if target == "" {
			return "", ErrNoCapacity
		}
	}

	// Detach-and-attach in one registry step, so the account never holds
	// slots on two workers at once.
	if err := m.Registry.MoveAccount(current, target, accountID); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoCapacity, target)
	}

	m.mu.Lock()
	acc, ok = m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		m.Registry.DetachAccount(target, accountID)
		return "", ErrUnknownAccount
	}
	acc.AssignedWorkerID = &target
	if pinned {
		acc.IsManuallyAssigned = true
	}
	acc.AssignGeneration++
	acc.WorkerStatus = models.WorkerStatusOnline
	snap := *acc
	m.mu.Unlock()

	if m.Logger != nil {
		m.Logger.Info("account assigned",
			zap.String("account_id", accountID),
			zap.String("worker_id", target),
			zap.Bool("pinned", snap.IsManuallyAssigned),
			zap.Uint64("generation", snap.AssignGeneration),
		)
	}
	return target, m.persist(ctx, &snap)
}

// HandleWorkerOffline reacts to a worker going offline: non-pinned accounts
// are reassigned immediately, pinned accounts wait for their worker or an
// operator repin.
func (m *Manager) HandleWorkerOffline(ctx context.Context, workerID string, accountIDs []string) {
	if m == nil {
		return
	}
	for _, accountID := range accountIDs {
		m.mu.Lock()
		acc, ok := m.accounts[accountID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		acc.WorkerStatus = models.WorkerStatusOffline
		pinned := acc.IsManuallyAssigned
		if !pinned {
			acc.AssignedWorkerID = nil
		}
		snap := *acc
		m.mu.Unlock()
		_ = m.persist(ctx, &snap)

		if pinned {
			if m.Logger != nil {
				m.Logger.Info("pinned account waiting for its worker",
					zap.String("account_id", accountID),
					zap.String("worker_id", workerID),
				)
			}
			continue
		}
		if _, err := m.Assign(ctx, accountID, ""); err != nil {
			if m.Logger != nil {
				m.Logger.Warn("reassignment pending",
					zap.String("account_id", accountID),
					zap.Error(err),
				)
			}
		}
	}
}

// HandleWorkerOnline re-attaches pinned accounts waiting for this worker and
// retries every unassigned account.
func (m *Manager) HandleWorkerOnline(ctx context.Context, workerID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	var pinnedBack, pending []string
	for id, acc := range m.accounts {
		switch {
		case acc.IsManuallyAssigned && acc.AssignedWorkerID != nil &&
			*acc.AssignedWorkerID == workerID && acc.WorkerStatus != models.WorkerStatusOnline:
			pinnedBack = append(pinnedBack, id)
		case acc.AssignedWorkerID == nil:
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(pinnedBack)
	sort.Strings(pending)

	for _, id := range pinnedBack {
		if _, err := m.Assign(ctx, id, workerID); err != nil && m.Logger != nil {
			m.Logger.Warn("pinned re-attach failed", zap.String("account_id", id), zap.Error(err))
		}
	}
	for _, id := range pending {
		if _, err := m.Assign(ctx, id, ""); err != nil && errors.Is(err, ErrUnknownAccount) && m.Logger != nil {
			m.Logger.Warn("retry assign failed", zap.String("account_id", id), zap.Error(err))
		}
	}
}

// RetryPending attempts assignment for every account without a live worker.
// Runs as a background sweep; ErrNoCapacity is expected and non-fatal.
func (m *Manager) RetryPending(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	var pending []string
	for id, acc := range m.accounts {
		if acc.AssignedWorkerID == nil && !acc.IsManuallyAssigned {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(pending)
	for _, id := range pending {
		_, _ = m.Assign(ctx, id, "")
	}
}

// ValidateGeneration rejects updates from a worker that lost the account.
// A zero generation is accepted for workers predating fencing.
func (m *Manager) ValidateGeneration(accountID string, generation uint64) error {
	if m == nil {
		return ErrUnknownAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if generation != 0 && generation < acc.AssignGeneration {
		return fmt.Errorf("%w: got %d, current %d", ErrStaleGeneration, generation, acc.AssignGeneration)
	}
	return nil
}

// StartLogin moves an account into logging_in. A second concurrent attempt
// is rejected outright.
func (m *Manager) StartLogin(ctx context.Context, accountID string) error {
	m.mu.Lock()
	acc, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAccount
	}
	if acc.LoginStatus == models.LoginStatusLoggingIn {
		m.mu.Unlock()
		return ErrLoginInFlight
	}
	acc.LoginStatus = models.LoginStatusLoggingIn
	snap := *acc
	m.mu.Unlock()
	return m.persist(ctx, &snap)
}

// ConfirmLogin completes a login attempt.
func (m *Manager) ConfirmLogin(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	m.mu.Lock()
	acc, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAccount
	}
	acc.LoginStatus = models.LoginStatusLoggedIn
	acc.LastLoginTime = &now
	snap := *acc
	m.mu.Unlock()

	if m.Logger != nil {
		m.Logger.Info("account logged in", zap.String("account_id", accountID))
	}
	return m.persist(ctx, &snap)
}

// FailLogin reverts an account to not_logged_in, recording the error.
func (m *Manager) FailLogin(ctx context.Context, accountID, message string) error {
	m.mu.Lock()
	acc, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAccount
	}
	acc.LoginStatus = models.LoginStatusNotLoggedIn
	acc.ErrorCount++
	acc.LastErrorMessage = message
	snap := *acc
	m.mu.Unlock()

	if m.Logger != nil {
		m.Logger.Warn("account login failed",
			zap.String("account_id", accountID),
			zap.String("reason", message),
		)
	}
	return m.persist(ctx, &snap)
}

// MarkCrawled records a successful crawl pass for an account.
func (m *Manager) MarkCrawled(ctx context.Context, accountID string, at time.Time) error {
	m.mu.Lock()
	acc, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAccount
	}
	t := at.UTC()
	acc.LastCrawlTime = &t
	snap := *acc
	m.mu.Unlock()
	return m.persist(ctx, &snap)
}

func (m *Manager) persist(ctx context.Context, acc *models.Account) error {
	if m.Repo == nil {
		return nil
	}
	if err := m.Repo.UpsertAccount(ctx, acc); err != nil {
		if m.Logger != nil {
			m.Logger.Error("persist account failed", zap.String("account_id", acc.ID), zap.Error(err))
		}
		return err
	}
	return nil
}
