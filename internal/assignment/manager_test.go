package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"crawlmaster/internal/models"
	"crawlmaster/internal/registry"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, 10*time.Second, 3)
	return New(nil, nil, reg), reg
}

func registerWorker(t *testing.T, reg *registry.Registry, id string, maxAccounts int) {
	t.Helper()
	_, err := reg.Register(registry.RegisterInfo{
		WorkerID:     id,
		Host:         "10.0.0.1",
		Port:         9100,
		Capabilities: []string{"weibo"},
		MaxAccounts:  maxAccounts,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, "a1", "weibo"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	if _, err := m.Create(ctx, "", "weibo"); err == nil {
		t.Fatal("empty id accepted")
	}
}

func TestAssign_SingleSlotWorker(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, reg, "w1", 1)

	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create a1: %v", err)
	}
	if _, err := m.Create(ctx, "a2", "weibo"); err != nil {
		t.Fatalf("create a2: %v", err)
	}

	workerID, err := m.Assign(ctx, "a1", "")
	if err != nil {
		t.Fatalf("assign a1: %v", err)
	}
	if workerID != "w1" {
		t.Fatalf("assigned to %q, want w1", workerID)
	}

	// The only worker is full, so the second account stays pending.
	if _, err := m.Assign(ctx, "a2", ""); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("assign a2: %v, want ErrNoCapacity", err)
	}
	if acc := m.Get("a2"); acc.AssignedWorkerID != nil {
		t.Fatalf("pending account has worker %q", *acc.AssignedWorkerID)
	}

	// Capacity frees when a second worker registers and the retry sweep runs.
	registerWorker(t, reg, "w2", 1)
	m.RetryPending(ctx)
	acc := m.Get("a2")
	if acc.AssignedWorkerID == nil || *acc.AssignedWorkerID != "w2" {
		t.Fatalf("a2 not picked up after capacity freed: %+v", acc.AssignedWorkerID)
	}
}

func TestAssign_RepinNeverHoldsTwoSlots(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, reg, "w1", 1)
	registerWorker(t, reg, "w2", 1)

	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create a1: %v", err)
	}
	if _, err := m.Assign(ctx, "a1", "w1"); err != nil {
		t.Fatalf("assign a1: %v", err)
	}

	if _, err := m.Assign(ctx, "a1", "w2"); err != nil {
		t.Fatalf("repin a1: %v", err)
	}
	if snap := reg.Get("w1"); len(snap.AccountIDs) != 0 {
		t.Fatalf("old worker still holds the account: %v", snap.AccountIDs)
	}
	if snap := reg.Get("w2"); len(snap.AccountIDs) != 1 || snap.AccountIDs[0] != "a1" {
		t.Fatalf("new worker accounts = %v", snap.AccountIDs)
	}

	// The freed slot on w1 is now usable by another account.
	if _, err := m.Create(ctx, "a2", "weibo"); err != nil {
		t.Fatalf("create a2: %v", err)
	}
	if _, err := m.Assign(ctx, "a2", "w1"); err != nil {
		t.Fatalf("assign a2: %v", err)
	}

	// A repin to a full worker fails and leaves the current binding intact.
	if _, err := m.Assign(ctx, "a1", "w1"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("repin to full worker: %v", err)
	}
	acc := m.Get("a1")
	if acc.AssignedWorkerID == nil || *acc.AssignedWorkerID != "w2" {
		t.Fatalf("failed repin moved the account: %+v", acc.AssignedWorkerID)
	}
	if snap := reg.Get("w2"); len(snap.AccountIDs) != 1 || snap.AccountIDs[0] != "a1" {
		t.Fatalf("failed repin released the slot: %v", snap.AccountIDs)
	}
}

func TestAssign_GenerationBumpsAndFences(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, reg, "w1", 2)
	registerWorker(t, reg, "w2", 2)

	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "a1", "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	gen1 := m.Get("a1").AssignGeneration
	if gen1 == 0 {
		t.Fatal("assignment did not bump generation")
	}
	if err := m.ValidateGeneration("a1", gen1); err != nil {
		t.Fatalf("current generation rejected: %v", err)
	}

	if _, err := m.Assign(ctx, "a1", "w2"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	gen2 := m.Get("a1").AssignGeneration
	if gen2 <= gen1 {
		t.Fatalf("generation did not advance: %d -> %d", gen1, gen2)
	}

	// The first worker's writes are fenced off after reassignment.
	if err := m.ValidateGeneration("a1", gen1); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("stale generation: %v, want ErrStaleGeneration", err)
	}
	// Zero is the legacy wildcard.
	if err := m.ValidateGeneration("a1", 0); err != nil {
		t.Fatalf("zero generation: %v", err)
	}
	if err := m.ValidateGeneration("ghost", 1); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("unknown account: %v", err)
	}
	// The old worker's slot was released on reassignment.
	if snap := reg.Get("w1"); len(snap.AccountIDs) != 0 {
		t.Fatalf("w1 still holds %v", snap.AccountIDs)
	}
}

func TestWorkerOffline_ReassignsUnpinned(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, reg, "w1", 2)
	registerWorker(t, reg, "w2", 2)

	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "a1", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	first := *m.Get("a1").AssignedWorkerID

	m.HandleWorkerOffline(ctx, first, []string{"a1"})
	acc := m.Get("a1")
	if acc.AssignedWorkerID == nil {
		t.Fatal("account not reassigned after worker loss")
	}
	if *acc.AssignedWorkerID == first {
		t.Fatalf("account stayed on dead worker %q", first)
	}
}

func TestWorkerOffline_PinnedWaits(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, reg, "w1", 2)
	registerWorker(t, reg, "w2", 2)

	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "a1", "w1"); err != nil {
		t.Fatalf("pin: %v", err)
	}

	m.HandleWorkerOffline(ctx, "w1", []string{"a1"})
	acc := m.Get("a1")
	if acc.AssignedWorkerID == nil || *acc.AssignedWorkerID != "w1" {
		t.Fatal("pinned account was moved off its worker")
	}
	if acc.WorkerStatus != models.WorkerStatusOffline {
		t.Fatalf("workerStatus = %s, want offline", acc.WorkerStatus)
	}

	// The pinned account re-attaches when its worker returns.
	m.HandleWorkerOnline(ctx, "w1")
	acc = m.Get("a1")
	if acc.WorkerStatus != models.WorkerStatusOnline {
		t.Fatalf("workerStatus after return = %s, want online", acc.WorkerStatus)
	}
	if *acc.AssignedWorkerID != "w1" {
		t.Fatalf("pinned account on %q after return", *acc.AssignedWorkerID)
	}
}

func TestLoginLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.StartLogin(ctx, "a1"); err != nil {
		t.Fatalf("start login: %v", err)
	}
	if err := m.StartLogin(ctx, "a1"); !errors.Is(err, ErrLoginInFlight) {
		t.Fatalf("concurrent login: %v, want ErrLoginInFlight", err)
	}

	if err := m.FailLogin(ctx, "a1", "captcha rejected"); err != nil {
		t.Fatalf("fail login: %v", err)
	}
	acc := m.Get("a1")
	if acc.LoginStatus != models.LoginStatusNotLoggedIn {
		t.Fatalf("loginStatus = %s, want not_logged_in", acc.LoginStatus)
	}
	if acc.ErrorCount != 1 || acc.LastErrorMessage != "captcha rejected" {
		t.Fatalf("error bookkeeping: count=%d msg=%q", acc.ErrorCount, acc.LastErrorMessage)
	}

	// A failed attempt does not block a fresh one.
	if err := m.StartLogin(ctx, "a1"); err != nil {
		t.Fatalf("retry login: %v", err)
	}
	if err := m.ConfirmLogin(ctx, "a1"); err != nil {
		t.Fatalf("confirm login: %v", err)
	}
	acc = m.Get("a1")
	if acc.LoginStatus != models.LoginStatusLoggedIn {
		t.Fatalf("loginStatus = %s, want logged_in", acc.LoginStatus)
	}
	if acc.LastLoginTime == nil {
		t.Fatal("lastLoginTime not recorded")
	}

	if err := m.StartLogin(ctx, "ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("unknown account login: %v", err)
	}
}

func TestMarkCrawled(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := m.MarkCrawled(ctx, "a1", at); err != nil {
		t.Fatalf("mark crawled: %v", err)
	}
	acc := m.Get("a1")
	if acc.LastCrawlTime == nil || !acc.LastCrawlTime.Equal(at) {
		t.Fatalf("lastCrawlTime = %v", acc.LastCrawlTime)
	}
}
