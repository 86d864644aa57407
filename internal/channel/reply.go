package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crawlmaster/internal/assignment"
	"crawlmaster/internal/models"
	"crawlmaster/internal/repository"
)

var (
	ErrNoAssignedWorker = errors.New("account has no online assigned worker")
	ErrDuplicateRequest = errors.New("reply request id already in flight")
	ErrUnknownReply     = errors.New("unknown reply request")
)

// ReplySubmission is a client/admin command to post a reply.
type ReplySubmission struct {
	RequestID  string `json:"request_id"`
	AccountID  string `json:"account_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Content    string `json:"reply_content"`
}

type pendingReply struct {
	workerID string
	notify   func(models.ReplyRequest)
	timer    *time.Timer
}

// Replies coordinates the asynchronous reply workflow: validate, forward to
// the account's worker, and correlate the worker's confirmation back to the
// submitter. The worker must confirm success by intercepting the platform's
// own response; a missing confirmation within Timeout fails the request.
// Status only ever advances forward.
type Replies struct {
	Logger  *zap.Logger
	Repo    repository.Repository
	Assign  *assignment.Manager
	Hub     *Hub
	Timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingReply

	// advanceMu serializes status transitions so a worker result racing the
	// forward bookkeeping can never overwrite a terminal state.
	advanceMu sync.Mutex
}

func NewReplies(logger *zap.Logger, repo repository.Repository, assign *assignment.Manager, hub *Hub, timeout time.Duration) *Replies {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Replies{
		Logger:  logger,
		Repo:    repo,
		Assign:  assign,
		Hub:     hub,
		Timeout: timeout,
		pending: make(map[string]*pendingReply),
	}
}

// Submit validates and forwards a reply command. notify, when non-nil, is
// invoked exactly once with the terminal state (or not at all if the
// requester cancels first).
func (r *Replies) Submit(ctx context.Context, sub ReplySubmission, notify func(models.ReplyRequest)) (*models.ReplyRequest, error) {
	if r == nil {
		return nil, fmt.Errorf("reply coordinator not initialized")
	}
	if strings.TrimSpace(sub.AccountID) == "" || strings.TrimSpace(sub.TargetID) == "" {
		return nil, fmt.Errorf("reply: account_id and target_id are required")
	}
	if strings.TrimSpace(sub.Content) == "" {
		return nil, fmt.Errorf("reply: reply_content is required")
	}
	if sub.RequestID == "" {
		sub.RequestID = uuid.NewString()
	}

	acc := r.Assign.Get(sub.AccountID)
	if acc == nil {
		return nil, assignment.ErrUnknownAccount
	}
	if acc.AssignedWorkerID == nil || acc.WorkerStatus != models.WorkerStatusOnline {
		return nil, ErrNoAssignedWorker
	}
	workerID := *acc.AssignedWorkerID
	peer := r.Hub.WorkerPeer(workerID)
	if peer == nil {
		return nil, ErrNoAssignedWorker
	}

	r.mu.Lock()
	if _, ok := r.pending[sub.RequestID]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	entry := &pendingReply{workerID: workerID, notify: notify}
	r.pending[sub.RequestID] = entry
	r.mu.Unlock()

	item := &models.ReplyRequest{
		RequestID:        sub.RequestID,
		AccountID:        sub.AccountID,
		TargetType:       sub.TargetType,
		TargetID:         sub.TargetID,
		Content:          sub.Content,
		Status:           models.ReplyStatusPending,
		AssignedWorkerID: &workerID,
	}
	if r.Repo != nil {
		if err := r.Repo.InsertReplyRequest(ctx, item); err != nil {
			r.drop(sub.RequestID)
			return nil, fmt.Errorf("persist reply request: %w", err)
		}
	}

	sent := peer.Send(Envelope{
		Type: MsgTaskReply,
		ID:   sub.RequestID,
		Payload: mustPayload(map[string]any{
			"taskId":     sub.RequestID,
			"accountId":  sub.AccountID,
			"targetType": sub.TargetType,
			"targetId":   sub.TargetID,
			"content":    sub.Content,
		}),
	})
	if !sent {
		r.drop(sub.RequestID)
		_ = r.advance(ctx, item, models.ReplyStatusFailed, "", "worker connection lost")
		return item, ErrNoAssignedWorker
	}

	if err := r.advance(ctx, item, models.ReplyStatusInProgress, "", ""); err != nil {
		// A fast worker may confirm before the forward bookkeeping lands;
		// item now holds the fresher terminal state and that is not an error.
		if models.ReplyStatusRank(item.Status) <= models.ReplyStatusRank(models.ReplyStatusPending) {
			return item, err
		}
		return item, nil
	}
	// Arm the timeout under the lock: the worker may already have resolved
	// the request, in which case there is nothing left to time out.
	r.mu.Lock()
	if cur, ok := r.pending[sub.RequestID]; ok && cur == entry {
		entry.timer = time.AfterFunc(r.Timeout, func() { r.timedOut(sub.RequestID) })
	}
	r.mu.Unlock()

	if r.Logger != nil {
		r.Logger.Info("reply forwarded",
			zap.String("request_id", sub.RequestID),
			zap.String("account_id", sub.AccountID),
			zap.String("worker_id", workerID),
		)
	}
	return item, nil
}

// HandleResult resolves a pending request from a worker task_result. Late
// results for an already-failed request are ignored: status never regresses.
func (r *Replies) HandleResult(ctx context.Context, res taskResultPayload) {
	if r == nil {
		return
	}
	r.mu.Lock()
	entry, ok := r.pending[res.TaskID]
	if ok {
		delete(r.pending, res.TaskID)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	r.mu.Unlock()

	item, err := r.get(ctx, res.TaskID)
	if err != nil || item == nil {
		if r.Logger != nil {
			r.Logger.Warn("task result for unknown reply", zap.String("request_id", res.TaskID))
		}
		return
	}

	if res.Success {
		err = r.advance(ctx, item, models.ReplyStatusSubmitted, res.PlatformReplyID, "")
	} else {
		reason := res.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		err = r.advance(ctx, item, models.ReplyStatusFailed, "", reason)
	}
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("reply result ignored", zap.String("request_id", res.TaskID), zap.Error(err))
		}
		return
	}
	if ok && entry.notify != nil {
		entry.notify(*item)
	}
	r.broadcastResult(item)
}

// CancelRequester detaches the submitter after a disconnect. Bookkeeping for
// the request is cancelled; the in-flight platform action is not aborted.
func (r *Replies) CancelRequester(requestID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if entry, ok := r.pending[requestID]; ok {
		entry.notify = nil
	}
	r.mu.Unlock()
}

// Get returns the current persisted state of a reply request.
func (r *Replies) Get(ctx context.Context, requestID string) (*models.ReplyRequest, error) {
	item, err := r.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrUnknownReply
	}
	return item, nil
}

func (r *Replies) timedOut(requestID string) {
	r.mu.Lock()
	entry, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	item, err := r.get(ctx, requestID)
	if err != nil || item == nil {
		return
	}
	if err := r.advance(ctx, item, models.ReplyStatusFailed, "", "timeout waiting for worker"); err != nil {
		return
	}
	if r.Logger != nil {
		r.Logger.Warn("reply timed out",
			zap.String("request_id", requestID),
			zap.String("worker_id", entry.workerID),
		)
	}
	if entry.notify != nil {
		entry.notify(*item)
	}
	r.broadcastResult(item)
}

// broadcastResult pushes the terminal state to every client subscribed to
// the account, so watchers other than the submitter converge too.
func (r *Replies) broadcastResult(item *models.ReplyRequest) {
	if r.Hub == nil || item == nil {
		return
	}
	r.Hub.BroadcastAccount(item.AccountID, Envelope{
		Type:    EvtReplyResult,
		ID:      item.RequestID,
		Payload: mustPayload(item),
	})
}

// advance moves a request forward, rejecting any transition that would
// regress its status. The caller's snapshot is not trusted: the persisted
// row is re-read under advanceMu, so two transitions racing each other
// always see the other's outcome. item is refreshed either way.
func (r *Replies) advance(ctx context.Context, item *models.ReplyRequest, status, platformReplyID, failureReason string) error {
	r.advanceMu.Lock()
	defer r.advanceMu.Unlock()

	if r.Repo != nil {
		persisted, err := r.Repo.GetReplyRequestByID(ctx, item.RequestID)
		if err != nil {
			return err
		}
		if persisted != nil {
			*item = *persisted
		}
	}
	if models.ReplyStatusRank(status) <= models.ReplyStatusRank(item.Status) {
		return fmt.Errorf("reply %s: cannot move %s -> %s", item.RequestID, item.Status, status)
	}
	item.Status = status
	if platformReplyID != "" {
		item.PlatformReplyID = platformReplyID
	}
	if failureReason != "" {
		item.FailureReason = failureReason
	}
	if status == models.ReplyStatusSubmitted {
		now := time.Now().UTC()
		item.SubmittedAt = &now
	}
	if r.Repo == nil {
		return nil
	}
	return r.Repo.UpdateReplyRequest(ctx, item)
}

func (r *Replies) get(ctx context.Context, requestID string) (*models.ReplyRequest, error) {
	if r.Repo == nil {
		return nil, nil
	}
	return r.Repo.GetReplyRequestByID(ctx, requestID)
}

func (r *Replies) drop(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}
