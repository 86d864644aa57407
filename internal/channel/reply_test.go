package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"crawlmaster/internal/assignment"
	"crawlmaster/internal/models"
	"crawlmaster/internal/registry"
	"crawlmaster/internal/repository"
)

// fakeRepo keeps reply requests in memory; everything else is a no-op.
// insertHook and updateHook, when set, observe each persisted reply state.
type fakeRepo struct {
	mu         sync.Mutex
	replies    map[string]models.ReplyRequest
	insertHook func(item *models.ReplyRequest)
	updateHook func(item *models.ReplyRequest)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{replies: make(map[string]models.ReplyRequest)}
}

func (f *fakeRepo) UpsertAccount(context.Context, *models.Account) error { return nil }
func (f *fakeRepo) ListAccounts(context.Context, repository.ListAccountsParams) ([]models.Account, error) {
	return nil, nil
}

func (f *fakeRepo) UpsertEntities(context.Context, []models.CacheEntity) error { return nil }
func (f *fakeRepo) ListEntities(context.Context, repository.ListEntitiesParams) ([]models.CacheEntity, error) {
	return nil, nil
}
func (f *fakeRepo) ListEntitiesByAccount(context.Context, string) ([]models.CacheEntity, error) {
	return nil, nil
}
func (f *fakeRepo) ListAccountIDsWithEntities(context.Context) ([]string, error) { return nil, nil }
func (f *fakeRepo) DeleteEntitiesBefore(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) InsertNotification(context.Context, *models.Notification) error { return nil }
func (f *fakeRepo) MarkNotificationSent(context.Context, string, time.Time) error  { return nil }

func (f *fakeRepo) InsertReplyRequest(_ context.Context, item *models.ReplyRequest) error {
	f.mu.Lock()
	f.replies[item.RequestID] = *item
	f.mu.Unlock()
	if f.insertHook != nil {
		f.insertHook(item)
	}
	return nil
}

func (f *fakeRepo) GetReplyRequestByID(_ context.Context, requestID string) (*models.ReplyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.replies[requestID]
	if !ok {
		return nil, nil
	}
	snap := item
	return &snap, nil
}

func (f *fakeRepo) UpdateReplyRequest(_ context.Context, item *models.ReplyRequest) error {
	if f.updateHook != nil {
		f.updateHook(item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[item.RequestID] = *item
	return nil
}

// replyHarness wires an assigned account with a live worker peer.
type replyHarness struct {
	repo    *fakeRepo
	replies *Replies
	hub     *Hub
	peer    *Peer
}

func newReplyHarness(t *testing.T, timeout time.Duration) *replyHarness {
	t.Helper()
	ctx := context.Background()

	reg := registry.New(nil, 10*time.Second, 3)
	if _, err := reg.Register(registry.RegisterInfo{
		WorkerID:     "w1",
		Host:         "10.0.0.1",
		Port:         9100,
		Capabilities: []string{"weibo"},
		MaxAccounts:  2,
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	assign := assignment.New(nil, nil, reg)
	if _, err := assign.Create(ctx, "a1", "weibo"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := assign.Assign(ctx, "a1", ""); err != nil {
		t.Fatalf("assign account: %v", err)
	}
	if _, err := assign.Create(ctx, "a2", "weibo"); err != nil {
		t.Fatalf("create unassigned account: %v", err)
	}

	hub := NewHub(nil)
	peer := newPeer("w1", nil, nil)
	hub.SetWorkerPeer("w1", peer)

	repo := newFakeRepo()
	return &replyHarness{
		repo:    repo,
		replies: NewReplies(nil, repo, assign, hub, timeout),
		hub:     hub,
		peer:    peer,
	}
}

func (h *replyHarness) submission(requestID string) ReplySubmission {
	return ReplySubmission{
		RequestID:  requestID,
		AccountID:  "a1",
		TargetType: "comment",
		TargetID:   "c1",
		Content:    "thanks for the report",
	}
}

func TestReplySubmit_Validation(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	sub := h.submission("r1")
	sub.Content = ""
	if _, err := h.replies.Submit(ctx, sub, nil); err == nil {
		t.Fatal("empty content accepted")
	}

	sub = h.submission("r1")
	sub.AccountID = "ghost"
	if _, err := h.replies.Submit(ctx, sub, nil); !errors.Is(err, assignment.ErrUnknownAccount) {
		t.Fatalf("unknown account: %v", err)
	}

	sub = h.submission("r1")
	sub.AccountID = "a2"
	if _, err := h.replies.Submit(ctx, sub, nil); !errors.Is(err, ErrNoAssignedWorker) {
		t.Fatalf("unassigned account: %v", err)
	}
}

func TestReplySubmit_ForwardsToWorker(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	item, err := h.replies.Submit(ctx, h.submission("r1"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if item.Status != models.ReplyStatusInProgress {
		t.Fatalf("status = %s, want in_progress after forward", item.Status)
	}

	select {
	case env := <-h.peer.sendCh:
		if env.Type != MsgTaskReply || env.ID != "r1" {
			t.Fatalf("forwarded frame = (%s, %s)", env.Type, env.ID)
		}
	default:
		t.Fatal("nothing forwarded to the worker peer")
	}

	if _, err := h.replies.Submit(ctx, h.submission("r1"), nil); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("duplicate request: %v", err)
	}

	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssignedWorkerID == nil || *got.AssignedWorkerID != "w1" {
		t.Fatalf("persisted worker = %v", got.AssignedWorkerID)
	}
}

func TestReplyResult_Success(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	var notified []models.ReplyRequest
	_, err := h.replies.Submit(ctx, h.submission("r1"), func(item models.ReplyRequest) {
		notified = append(notified, item)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.replies.HandleResult(ctx, taskResultPayload{
		WorkerID:        "w1",
		TaskID:          "r1",
		TaskType:        "reply",
		Success:         true,
		PlatformReplyID: "plat-42",
	})

	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReplyStatusSubmitted {
		t.Fatalf("status = %s, want submitted", got.Status)
	}
	if got.PlatformReplyID != "plat-42" {
		t.Fatalf("platformReplyId = %q", got.PlatformReplyID)
	}
	if got.SubmittedAt == nil {
		t.Fatal("submittedAt not recorded")
	}
	if len(notified) != 1 || notified[0].Status != models.ReplyStatusSubmitted {
		t.Fatalf("notify calls: %+v", notified)
	}
}

// A worker confirmation that lands between persisting the request and the
// forward bookkeeping must win: the terminal state keeps its platform reply
// id and never slides back to in_progress.
func TestReplyResult_ArrivingDuringForwardDoesNotRegress(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	h.repo.insertHook = func(item *models.ReplyRequest) {
		h.replies.HandleResult(ctx, taskResultPayload{
			WorkerID:        "w1",
			TaskID:          item.RequestID,
			TaskType:        "reply",
			Success:         true,
			PlatformReplyID: "plat-7",
		})
	}

	var notified []models.ReplyRequest
	item, err := h.replies.Submit(ctx, h.submission("r1"), func(it models.ReplyRequest) {
		notified = append(notified, it)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if item.Status != models.ReplyStatusSubmitted {
		t.Fatalf("returned status = %s, want submitted", item.Status)
	}

	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReplyStatusSubmitted {
		t.Fatalf("persisted status regressed to %s", got.Status)
	}
	if got.PlatformReplyID != "plat-7" {
		t.Fatalf("platformReplyId = %q, want plat-7", got.PlatformReplyID)
	}
	if len(notified) != 1 || notified[0].Status != models.ReplyStatusSubmitted {
		t.Fatalf("notify calls: %+v", notified)
	}

	// The request resolved before a timeout could be armed; nothing may
	// flip it to failed later.
	time.Sleep(10 * time.Millisecond)
	got, err = h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("re-get: %v", err)
	}
	if got.Status != models.ReplyStatusSubmitted {
		t.Fatalf("status changed after resolution: %s", got.Status)
	}
}

// The same race taken from the other side: a result racing the in_progress
// persist itself serializes behind it and still lands as submitted.
func TestReplyResult_ConcurrentWithForwardPersist(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	fired := false
	h.repo.updateHook = func(item *models.ReplyRequest) {
		if fired || item.Status != models.ReplyStatusInProgress {
			return
		}
		fired = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.replies.HandleResult(ctx, taskResultPayload{
				WorkerID:        "w1",
				TaskID:          item.RequestID,
				TaskType:        "reply",
				Success:         true,
				PlatformReplyID: "plat-9",
			})
		}()
	}

	if _, err := h.replies.Submit(ctx, h.submission("r1"), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	wg.Wait()

	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReplyStatusSubmitted || got.PlatformReplyID != "plat-9" {
		t.Fatalf("got (%s, %q), want (submitted, plat-9)", got.Status, got.PlatformReplyID)
	}
}

func TestReplyResult_WorkerFailure(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	if _, err := h.replies.Submit(ctx, h.submission("r1"), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.replies.HandleResult(ctx, taskResultPayload{TaskID: "r1", TaskType: "reply", Success: false, Error: "platform rejected"})

	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReplyStatusFailed || got.FailureReason != "platform rejected" {
		t.Fatalf("got (%s, %q)", got.Status, got.FailureReason)
	}
}

func TestReplyTimeout_FailsThenIgnoresLateResult(t *testing.T) {
	h := newReplyHarness(t, 30*time.Millisecond)
	ctx := context.Background()

	done := make(chan models.ReplyRequest, 1)
	if _, err := h.replies.Submit(ctx, h.submission("r1"), func(item models.ReplyRequest) {
		done <- item
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var final models.ReplyRequest
	select {
	case final = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout notification never arrived")
	}
	if final.Status != models.ReplyStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.FailureReason != "timeout waiting for worker" {
		t.Fatalf("failureReason = %q", final.FailureReason)
	}

	// A confirmation that shows up after the deadline cannot resurrect the
	// request: terminal status never regresses.
	h.replies.HandleResult(ctx, taskResultPayload{TaskID: "r1", TaskType: "reply", Success: true, PlatformReplyID: "late"})
	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReplyStatusFailed {
		t.Fatalf("late result overwrote terminal status: %s", got.Status)
	}
	if got.PlatformReplyID == "late" {
		t.Fatal("late platform id recorded on failed request")
	}
}

func TestReplyResult_BroadcastToSubscribedClients(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	watcher := newPeer("client1", nil, nil)
	h.hub.AddClient(watcher)
	h.hub.Subscribe(watcher, []string{"a1"})

	if _, err := h.replies.Submit(ctx, h.submission("r1"), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.replies.HandleResult(ctx, taskResultPayload{
		TaskID:          "r1",
		TaskType:        "reply",
		Success:         true,
		PlatformReplyID: "plat-3",
	})

	var evt Envelope
	found := false
	for !found {
		select {
		case env := <-watcher.sendCh:
			if env.Type == EvtReplyResult {
				evt = env
				found = true
			}
		default:
			t.Fatal("no reply:result frame reached the watcher")
		}
	}
	if evt.ID != "r1" {
		t.Fatalf("event id = %s", evt.ID)
	}
	var item models.ReplyRequest
	if err := json.Unmarshal(evt.Payload, &item); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if item.Status != models.ReplyStatusSubmitted || item.PlatformReplyID != "plat-3" {
		t.Fatalf("broadcast item = (%s, %q)", item.Status, item.PlatformReplyID)
	}
}

func TestReplyCancelRequester(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	ctx := context.Background()

	called := false
	if _, err := h.replies.Submit(ctx, h.submission("r1"), func(models.ReplyRequest) { called = true }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.replies.CancelRequester("r1")
	h.replies.HandleResult(ctx, taskResultPayload{TaskID: "r1", TaskType: "reply", Success: true})

	if called {
		t.Fatal("detached requester still notified")
	}
	// The platform action itself was not aborted; the result still lands.
	got, err := h.replies.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReplyStatusSubmitted {
		t.Fatalf("status = %s, want submitted", got.Status)
	}
}

func TestReplyGet_Unknown(t *testing.T) {
	h := newReplyHarness(t, time.Minute)
	if _, err := h.replies.Get(context.Background(), "nope"); !errors.Is(err, ErrUnknownReply) {
		t.Fatalf("get unknown: %v", err)
	}
}
