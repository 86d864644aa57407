package channel

import (
	"sync"

	"go.uber.org/zap"

	"crawlmaster/internal/models"
	"crawlmaster/internal/store"
)

// Hub tracks connected peers per class and fans DataStore events out to
// every client subscribed to the affected account. Because events arrive
// under the account's partition serialization and each peer has an ordered
// writer queue, two simultaneously-connected clients always observe one
// account's events in the same order.
type Hub struct {
	Logger *zap.Logger

	mu        sync.Mutex
	clients   map[*Peer]map[string]struct{}
	byAccount map[string]map[*Peer]struct{}
	admins    map[*Peer]struct{}
	workers   map[string]*Peer
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		Logger:    logger,
		clients:   make(map[*Peer]map[string]struct{}),
		byAccount: make(map[string]map[*Peer]struct{}),
		admins:    make(map[*Peer]struct{}),
		workers:   make(map[string]*Peer),
	}
}

func (h *Hub) AddClient(p *Peer) {
	h.mu.Lock()
	h.clients[p] = make(map[string]struct{})
	h.mu.Unlock()
}

func (h *Hub) RemoveClient(p *Peer) {
	h.mu.Lock()
	for accountID := range h.clients[p] {
		delete(h.byAccount[accountID], p)
		if len(h.byAccount[accountID]) == 0 {
			delete(h.byAccount, accountID)
		}
	}
	delete(h.clients, p)
	h.mu.Unlock()
}

// Subscribe replaces the peer's account subscriptions.
func (h *Hub) Subscribe(p *Peer, accountIDs []string) {
	h.mu.Lock()
	old := h.clients[p]
	for accountID := range old {
		delete(h.byAccount[accountID], p)
		if len(h.byAccount[accountID]) == 0 {
			delete(h.byAccount, accountID)
		}
	}
	subs := make(map[string]struct{}, len(accountIDs))
	for _, accountID := range accountIDs {
		if accountID == "" {
			continue
		}
		subs[accountID] = struct{}{}
		if h.byAccount[accountID] == nil {
			h.byAccount[accountID] = make(map[*Peer]struct{})
		}
		h.byAccount[accountID][p] = struct{}{}
	}
	h.clients[p] = subs
	h.mu.Unlock()
}

func (h *Hub) AddAdmin(p *Peer) {
	h.mu.Lock()
	h.admins[p] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) RemoveAdmin(p *Peer) {
	h.mu.Lock()
	delete(h.admins, p)
	h.mu.Unlock()
}

func (h *Hub) SetWorkerPeer(workerID string, p *Peer) {
	h.mu.Lock()
	h.workers[workerID] = p
	h.mu.Unlock()
}

func (h *Hub) RemoveWorkerPeer(workerID string, p *Peer) {
	h.mu.Lock()
	if h.workers[workerID] == p {
		delete(h.workers, workerID)
	}
	h.mu.Unlock()
}

// WorkerPeer returns the live connection for a worker, or nil.
func (h *Hub) WorkerPeer(workerID string) *Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workers[workerID]
}

// BroadcastAccount sends an event to every client subscribed to the account.
func (h *Hub) BroadcastAccount(accountID string, env Envelope) {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.byAccount[accountID]))
	for p := range h.byAccount[accountID] {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.Send(env)
	}
}

// BroadcastAdmins sends an event to every admin console.
func (h *Hub) BroadcastAdmins(env Envelope) {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.admins))
	for p := range h.admins {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.Send(env)
	}
}

// WorkerRemoved notifies admin consoles that a worker went offline.
func (h *Hub) WorkerRemoved(workerID string) {
	h.BroadcastAdmins(Envelope{
		Type:    EvtWorkerRemoved,
		Payload: mustPayload(map[string]string{"workerId": workerID}),
	})
}

// --- store.EventSink --------------------------------------------------------

func (h *Hub) NewEntities(accountID string, entities []models.CacheEntity) {
	for _, e := range entities {
		h.BroadcastAccount(accountID, Envelope{
			Type: EvtNewMessage,
			Payload: mustPayload(map[string]any{
				"accountId": accountID,
				"entity":    e,
			}),
		})
	}
}

func (h *Hub) ConversationsUpdated(accountID string, summaries []store.ConversationSummary) {
	h.BroadcastAccount(accountID, Envelope{
		Type: EvtChannelsUpdate,
		Payload: mustPayload(map[string]any{
			"accountId":     accountID,
			"conversations": summaries,
		}),
	})
}

func (h *Hub) ConversationRead(accountID, conversationID string, unread int) {
	h.BroadcastAccount(accountID, Envelope{
		Type: EvtConversationRead,
		Payload: mustPayload(map[string]any{
			"accountId":      accountID,
			"conversationId": conversationID,
			"unreadCount":    unread,
		}),
	})
}

// --- notify.Pusher ----------------------------------------------------------

func (h *Hub) PushNotification(accountID string, n models.Notification) {
	h.BroadcastAccount(accountID, Envelope{
		Type:    EvtNotificationPush,
		Payload: mustPayload(n),
	})
}
