package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker runtime states.
const (
	StatusStarting = "starting"
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrAtCapacity    = errors.New("worker at capacity")
)

// RegisterInfo is the registration handshake payload.
type RegisterInfo struct {
	WorkerID     string   `json:"workerId"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	MaxAccounts  int      `json:"maxAccounts"`
}

// Snapshot is a read-only copy of a worker's state.
type Snapshot struct {
	ID              string         `json:"id"`
	Host            string         `json:"host"`
	Port            int            `json:"port"`
	Version         string         `json:"version"`
	Status          string         `json:"status"`
	Capabilities    []string       `json:"capabilities"`
	MaxAccounts     int            `json:"maxAccounts"`
	AccountIDs      []string       `json:"accountIds"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	Load            map[string]any `json:"load,omitempty"`
}

type worker struct {
	id              string
	host            string
	port            int
	version         string
	status          string
	capabilities    map[string]struct{}
	maxAccounts     int
	accounts        map[string]struct{}
	lastHeartbeatAt time.Time
	load            map[string]any
}

// Registry tracks live worker connections, heartbeats and capacity. A single
// missed heartbeat or a brief disconnect only degrades a worker; it goes
// offline after MissThreshold heartbeat intervals without contact, so
// transient blips never trigger reassignment thrash.
type Registry struct {
	Logger        *zap.Logger
	Interval      time.Duration
	MissThreshold int

	// OnOffline fires when a worker transitions to offline, with the
	// account ids it was carrying. OnOnline fires on (re)registration.
	// Both are invoked outside the registry lock.
	OnOffline func(workerID string, accountIDs []string)
	OnOnline  func(workerID string)

	mu      sync.Mutex
	workers map[string]*worker
	nowFn   func() time.Time
}

func New(logger *zap.Logger, interval time.Duration, missThreshold int) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if missThreshold <= 0 {
		missThreshold = 3
	}
	return &Registry{
		Logger:        logger,
		Interval:      interval,
		MissThreshold: missThreshold,
		workers:       make(map[string]*worker),
		nowFn:         time.Now,
	}
}

// Register creates a worker with status online, or revives an existing one
// after a reconnect. A revived worker keeps its assigned accounts.
func (r *Registry) Register(info RegisterInfo) (string, error) {
	if r == nil {
		return "", ErrUnknownWorker
	}
	id := strings.TrimSpace(info.WorkerID)
	if id == "" {
		return "", fmt.Errorf("register: workerId is required")
	}
	if strings.TrimSpace(info.Host) == "" || info.Port <= 0 {
		return "", fmt.Errorf("register: invalid endpoint %s:%d", info.Host, info.Port)
	}
	if info.MaxAccounts <= 0 {
		return "", fmt.Errorf("register: maxAccounts must be positive")
	}

	caps := make(map[string]struct{}, len(info.Capabilities))
	for _, c := range info.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			caps[c] = struct{}{}
		}
	}
	if len(caps) == 0 {
		return "", fmt.Errorf("register: at least one capability is required")
	}

	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		w = &worker{id: id, accounts: make(map[string]struct{})}
		r.workers[id] = w
	}
	w.host = info.Host
	w.port = info.Port
	w.version = info.Version
	w.capabilities = caps
	w.maxAccounts = info.MaxAccounts
	w.status = StatusOnline
	w.lastHeartbeatAt = r.now()
	r.mu.Unlock()

	if r.Logger != nil {
		r.Logger.Info("worker registered",
			zap.String("worker_id", id),
			zap.String("host", info.Host),
			zap.Int("port", info.Port),
			zap.Bool("revived", ok),
		)
	}
	if r.OnOnline != nil {
		r.OnOnline(id)
	}
	return id, nil
}

// Heartbeat resets the worker's timeout and records load metrics. A degraded
// worker that heartbeats again recovers to online.
func (r *Registry) Heartbeat(workerID string, load map[string]any) error {
	if r == nil {
		return ErrUnknownWorker
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	w.lastHeartbeatAt = r.now()
	if load != nil {
		w.load = load
	}
	if w.status == StatusDegraded || w.status == StatusStarting {
		w.status = StatusOnline
	}
	return nil
}

// Disconnect marks a worker degraded. It goes offline only if it stays
// silent past the hysteresis window; a quick reconnect revives it intact.
func (r *Registry) Disconnect(workerID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok && w.status != StatusOffline {
		w.status = StatusDegraded
	}
	r.mu.Unlock()
	if ok && r.Logger != nil {
		r.Logger.Info("worker disconnected", zap.String("worker_id", workerID))
	}
}

// Sweep transitions workers whose silence exceeds MissThreshold heartbeat
// intervals to offline and fires OnOffline for each. Offline workers that
// never return are evicted after a further threshold window.
func (r *Registry) Sweep() {
	if r == nil {
		return
	}
	type offlined struct {
		id       string
		accounts []string
	}
	var gone []offlined

	r.mu.Lock()
	now := r.now()
	cutoff := time.Duration(r.MissThreshold) * r.Interval
	for id, w := range r.workers {
		silent := now.Sub(w.lastHeartbeatAt)
		switch {
		case w.status == StatusOffline:
			if silent > 2*cutoff {
				delete(r.workers, id)
			}
		case silent >= cutoff:
			w.status = StatusOffline
			accounts := make([]string, 0, len(w.accounts))
			for a := range w.accounts {
				accounts = append(accounts, a)
			}
			sort.Strings(accounts)
			w.accounts = make(map[string]struct{})
			gone = append(gone, offlined{id: id, accounts: accounts})
		case silent >= r.Interval && w.status == StatusOnline:
			w.status = StatusDegraded
		}
	}
	r.mu.Unlock()

	for _, g := range gone {
		if r.Logger != nil {
			r.Logger.Warn("worker offline after missed heartbeats",
				zap.String("worker_id", g.id),
				zap.Int("accounts", len(g.accounts)),
			)
		}
		if r.OnOffline != nil {
			r.OnOffline(g.id, g.accounts)
		}
	}
}

// MoveAccount reserves capacity for an account on a worker, releasing its
// slot on the previous worker in the same step. fromWorkerID may be empty
// for a first assignment. The swap is atomic: at no point is the account
// attached to two workers, and a failed move leaves the old slot intact.
func (r *Registry) MoveAccount(fromWorkerID, toWorkerID, accountID string) error {
	if r == nil {
		return ErrUnknownWorker
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	to, ok := r.workers[toWorkerID]
	if !ok || to.status == StatusOffline {
		return ErrUnknownWorker
	}
	if _, exists := to.accounts[accountID]; !exists {
		if len(to.accounts) >= to.maxAccounts {
			return ErrAtCapacity
		}
	}
	if fromWorkerID != "" && fromWorkerID != toWorkerID {
		if from, ok := r.workers[fromWorkerID]; ok {
			delete(from.accounts, accountID)
		}
	}
	to.accounts[accountID] = struct{}{}
	return nil
}

// DetachAccount releases an account's slot on a worker.
func (r *Registry) DetachAccount(workerID, accountID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		delete(w.accounts, accountID)
	}
}

// Get returns a snapshot of one worker, or nil if unknown.
func (r *Registry) Get(workerID string) *Snapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	snap := snapshotOf(w)
	return &snap
}

// List returns snapshots of all workers ordered by id.
func (r *Registry) List() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, snapshotOf(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PickLeastLoaded returns the online worker with the most free slots whose
// capabilities include the platform, or "" when none qualifies.
func (r *Registry) PickLeastLoaded(platform string) string {
	if r == nil {
		return ""
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	r.mu.Lock()
	defer r.mu.Unlock()
	best := ""
	bestFree := 0
	for _, w := range r.workers {
		if w.status != StatusOnline {
			continue
		}
		if _, ok := w.capabilities[platform]; !ok {
			continue
		}
		free := w.maxAccounts - len(w.accounts)
		if free <= 0 {
			continue
		}
		if free > bestFree || (free == bestFree && (best == "" || w.id < best)) {
			best = w.id
			bestFree = free
		}
	}
	return best
}

func (r *Registry) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// SetNowFunc overrides the clock; tests only.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		r.nowFn = fn
	}
}

func snapshotOf(w *worker) Snapshot {
	caps := make([]string, 0, len(w.capabilities))
	for c := range w.capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	accounts := make([]string, 0, len(w.accounts))
	for a := range w.accounts {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return Snapshot{
		ID:              w.id,
		Host:            w.host,
		Port:            w.port,
		Version:         w.version,
		Status:          w.status,
		Capabilities:    caps,
		MaxAccounts:     w.maxAccounts,
		AccountIDs:      accounts,
		LastHeartbeatAt: w.lastHeartbeatAt,
		Load:            w.load,
	}
}
