package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"crawlmaster/internal/assignment"
	"crawlmaster/internal/auth"
	"crawlmaster/internal/models"
	"crawlmaster/internal/registry"
	"crawlmaster/internal/store"
)

// Router serves the three peer-class channels and dispatches their typed
// message sets. Each channel has its own explicit dispatch switch; an
// unknown type is answered with an error frame, never silently dropped.
type Router struct {
	Logger      *zap.Logger
	Registry    *registry.Registry
	Assign      *assignment.Manager
	Store       *store.DataStore
	Replies     *Replies
	Hub         *Hub
	JWT         auth.JWT
	WorkerToken string

	baseCtx context.Context
}

func NewRouter(baseCtx context.Context, logger *zap.Logger, reg *registry.Registry, assign *assignment.Manager, ds *store.DataStore, replies *Replies, hub *Hub, jwt auth.JWT, workerToken string) *Router {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Router{
		Logger:      logger,
		Registry:    reg,
		Assign:      assign,
		Store:       ds,
		Replies:     replies,
		Hub:         hub,
		JWT:         jwt,
		WorkerToken: workerToken,
		baseCtx:     baseCtx,
	}
}

func (r *Router) Register(engine *gin.Engine) {
	engine.GET("/ws/worker", r.serveWorker)
	engine.GET("/ws/admin", r.serveAdmin)
	engine.GET("/ws/client", r.serveClient)
}

func (r *Router) accept(c *gin.Context) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("websocket accept failed", zap.Error(err))
		}
		return nil, false
	}
	conn.SetReadLimit(4 << 20)
	return conn, true
}

func bearerToken(c *gin.Context) string {
	if v := strings.TrimSpace(c.Query("token")); v != "" {
		return v
	}
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// --- worker channel ---------------------------------------------------------

func (r *Router) serveWorker(c *gin.Context) {
	if r.WorkerToken != "" {
		token := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.WorkerToken)) != 1 {
			c.AbortWithStatus(401)
			return
		}
	}
	conn, ok := r.accept(c)
	if !ok {
		return
	}
	peer := newPeer(uuid.NewString(), conn, r.Logger)
	go peer.writeLoop(r.baseCtx)

	workerID := ""
	defer func() {
		if workerID != "" {
			r.Registry.Disconnect(workerID)
			r.Hub.RemoveWorkerPeer(workerID, peer)
		}
		peer.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		env, err := peer.readEnvelope(r.baseCtx)
		if err != nil {
			return
		}
		switch env.Type {
		case MsgWorkerRegister:
			var info registry.RegisterInfo
			if err := json.Unmarshal(env.Payload, &info); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			id, err := r.Registry.Register(info)
			if err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			workerID = id
			peer.ID = id
			r.Hub.SetWorkerPeer(id, peer)
			peer.Send(Envelope{Type: resultType(env.Type), ID: env.ID, Payload: mustPayload(ackPayload{OK: true})})

		case MsgWorkerHeartbeat:
			var hb heartbeatPayload
			if err := json.Unmarshal(env.Payload, &hb); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			if hb.WorkerID == "" {
				hb.WorkerID = workerID
			}
			if err := r.Registry.Heartbeat(hb.WorkerID, hb.Load); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
			}

		case MsgWorkerDataSync:
			r.handleDataSync(peer, env)

		case MsgWorkerLoginStatus:
			r.handleLoginStatus(peer, env)

		case MsgWorkerTaskResult:
			var res taskResultPayload
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			if res.WorkerID == "" {
				res.WorkerID = workerID
			}
			r.handleTaskResult(res)

		default:
			peer.Send(errEnvelope(env.Type, env.ID, fmt.Errorf("unknown worker message type %q", env.Type)))
		}
	}
}

func (r *Router) handleDataSync(peer *Peer, env Envelope) {
	var sync dataSyncPayload
	if err := json.Unmarshal(env.Payload, &sync); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	if err := r.Assign.ValidateGeneration(sync.AccountID, sync.Generation); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		if r.Logger != nil {
			r.Logger.Warn("data sync fenced off",
				zap.String("worker_id", sync.WorkerID),
				zap.String("account_id", sync.AccountID),
				zap.Error(err),
			)
		}
		return
	}
	result, err := r.Store.Ingest(r.baseCtx, sync.AccountID, sync.Entities, sync.SyncMode)
	if err != nil {
		// The whole batch was rejected; tell the offending worker.
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	_ = r.Assign.MarkCrawled(r.baseCtx, sync.AccountID, time.Now())
	peer.Send(Envelope{Type: resultType(env.Type), ID: env.ID, Payload: mustPayload(result)})
}

func (r *Router) handleLoginStatus(peer *Peer, env Envelope) {
	var upd loginStatusPayload
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	if err := r.Assign.ValidateGeneration(upd.AccountID, upd.Generation); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	var err error
	switch upd.Status {
	case models.LoginStatusLoggedIn:
		err = r.Assign.ConfirmLogin(r.baseCtx, upd.AccountID)
	case models.LoginStatusLoggingIn:
		// Intermediate progress; nothing to transition.
	default:
		err = r.Assign.FailLogin(r.baseCtx, upd.AccountID, upd.Message)
	}
	if err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	// Relay to admin consoles, correlated by the login session id.
	r.Hub.BroadcastAdmins(Envelope{
		Type:    EvtLoginStatus,
		ID:      upd.SessionID,
		Payload: mustPayload(upd),
	})
}

func (r *Router) handleTaskResult(res taskResultPayload) {
	switch res.TaskType {
	case "reply":
		r.Replies.HandleResult(r.baseCtx, res)
	default:
		// Crawl and cancellation results are relayed to admin consoles.
		r.Hub.BroadcastAdmins(Envelope{
			Type:    resultType(MsgWorkerTaskResult),
			ID:      res.TaskID,
			Payload: mustPayload(res),
		})
	}
}

// --- admin channel ----------------------------------------------------------

func (r *Router) serveAdmin(c *gin.Context) {
	if _, err := r.verifyRole(c, auth.RoleAdmin); err != nil {
		c.AbortWithStatus(401)
		return
	}
	conn, ok := r.accept(c)
	if !ok {
		return
	}
	peer := newPeer(uuid.NewString(), conn, r.Logger)
	go peer.writeLoop(r.baseCtx)
	r.Hub.AddAdmin(peer)
	defer func() {
		r.Hub.RemoveAdmin(peer)
		peer.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		env, err := peer.readEnvelope(r.baseCtx)
		if err != nil {
			return
		}
		switch env.Type {
		case MsgAdminGetWorkers:
			peer.Send(Envelope{
				Type:    resultType(env.Type),
				ID:      env.ID,
				Payload: mustPayload(workerListPayload{Workers: r.Registry.List()}),
			})

		case MsgAdminGetAccounts:
			peer.Send(Envelope{
				Type:    resultType(env.Type),
				ID:      env.ID,
				Payload: mustPayload(map[string]any{"accounts": r.Assign.List()}),
			})

		case MsgAdminTriggerCrawl:
			var req triggerCrawlPayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			if err := r.forwardToWorker(req.AccountID, Envelope{
				Type: MsgTaskCrawl,
				ID:   env.ID,
				Payload: mustPayload(map[string]string{
					"taskId":    env.ID,
					"accountId": req.AccountID,
					"crawlType": req.CrawlType,
				}),
			}); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			peer.Send(Envelope{Type: resultType(env.Type), ID: env.ID, Payload: mustPayload(ackPayload{OK: true})})

		case MsgAdminCancelCrawl:
			r.handleCancelCrawl(peer, env)

		case MsgAdminStartLogin:
			r.handleStartLogin(peer, env)

		default:
			peer.Send(errEnvelope(env.Type, env.ID, fmt.Errorf("unknown admin message type %q", env.Type)))
		}
	}
}

// handleCancelCrawl forwards a cancellation to the worker crawling the
// account. The ack only confirms forwarding; whether the task was actually
// cancelled comes back through the worker's own task_result.
func (r *Router) handleCancelCrawl(peer *Peer, env Envelope) {
	var req cancelCrawlPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	if req.TaskID == "" {
		req.TaskID = env.ID
	}
	if err := r.forwardToWorker(req.AccountID, Envelope{
		Type: MsgTaskCancelCrawl,
		ID:   req.TaskID,
		Payload: mustPayload(map[string]string{
			"taskId":    req.TaskID,
			"accountId": req.AccountID,
		}),
	}); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	peer.Send(Envelope{Type: resultType(env.Type), ID: env.ID, Payload: mustPayload(ackPayload{OK: true})})
}

func (r *Router) handleStartLogin(peer *Peer, env Envelope) {
	var req startLoginPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := r.Assign.StartLogin(r.baseCtx, req.AccountID); err != nil {
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	if err := r.forwardToWorker(req.AccountID, Envelope{
		Type: MsgTaskLogin,
		ID:   req.SessionID,
		Payload: mustPayload(map[string]string{
			"taskId":    req.SessionID,
			"accountId": req.AccountID,
			"sessionId": req.SessionID,
		}),
	}); err != nil {
		_ = r.Assign.FailLogin(r.baseCtx, req.AccountID, err.Error())
		peer.Send(errEnvelope(env.Type, env.ID, err))
		return
	}
	peer.Send(Envelope{
		Type:    resultType(env.Type),
		ID:      env.ID,
		Payload: mustPayload(map[string]string{"sessionId": req.SessionID}),
	})
}

// forwardToWorker routes a task to the account's assigned online worker.
func (r *Router) forwardToWorker(accountID string, env Envelope) error {
	acc := r.Assign.Get(accountID)
	if acc == nil {
		return assignment.ErrUnknownAccount
	}
	if acc.AssignedWorkerID == nil {
		return ErrNoAssignedWorker
	}
	peer := r.Hub.WorkerPeer(*acc.AssignedWorkerID)
	if peer == nil {
		return ErrNoAssignedWorker
	}
	if !peer.Send(env) {
		return ErrNoAssignedWorker
	}
	return nil
}

// --- client channel ---------------------------------------------------------

func (r *Router) serveClient(c *gin.Context) {
	if _, err := r.verifyRole(c, auth.RoleClient, auth.RoleAdmin); err != nil {
		c.AbortWithStatus(401)
		return
	}
	conn, ok := r.accept(c)
	if !ok {
		return
	}
	peer := newPeer(uuid.NewString(), conn, r.Logger)
	go peer.writeLoop(r.baseCtx)
	r.Hub.AddClient(peer)
	defer func() {
		r.Hub.RemoveClient(peer)
		peer.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		env, err := peer.readEnvelope(r.baseCtx)
		if err != nil {
			return
		}
		switch env.Type {
		case MsgClientSubscribe:
			var req subscribePayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			r.Hub.Subscribe(peer, req.AccountIDs)
			peer.Send(Envelope{Type: resultType(env.Type), ID: env.ID, Payload: mustPayload(ackPayload{OK: true})})
			// Seed the freshly subscribed client with current state.
			for _, accountID := range req.AccountIDs {
				peer.Send(Envelope{
					Type: EvtChannelsUpdate,
					Payload: mustPayload(map[string]any{
						"accountId":     accountID,
						"conversations": r.Store.Conversations(accountID),
					}),
				})
			}

		case MsgClientRequestTopics:
			var req requestTopicsPayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			peer.Send(Envelope{
				Type: EvtMonitorTopics,
				ID:   env.ID,
				Payload: mustPayload(map[string]any{
					"accountId": req.AccountID,
					"topics":    r.Store.Conversations(req.AccountID),
				}),
			})

		case MsgClientRequestMessages:
			var req requestMessagesPayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			entities := r.Store.Read(req.AccountID, store.ReadFilter{
				ConversationID: req.ConversationID,
				Limit:          req.Limit,
				Offset:         req.Offset,
			})
			peer.Send(Envelope{
				Type: EvtMonitorMessages,
				ID:   env.ID,
				Payload: mustPayload(map[string]any{
					"accountId":      req.AccountID,
					"conversationId": req.ConversationID,
					"messages":       entities,
				}),
			})

		case MsgClientMarkRead:
			var req markReadPayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			unread, err := r.Store.MarkConversationRead(r.baseCtx, req.AccountID, req.ConversationID)
			if err != nil {
				peer.Send(errEnvelope(env.Type, env.ID, err))
				continue
			}
			peer.Send(Envelope{
				Type:    resultType(env.Type),
				ID:      env.ID,
				Payload: mustPayload(map[string]any{"unreadCount": unread}),
			})

		default:
			peer.Send(errEnvelope(env.Type, env.ID, fmt.Errorf("unknown client message type %q", env.Type)))
		}
	}
}

func (r *Router) verifyRole(c *gin.Context, roles ...string) (auth.Claims, error) {
	token := bearerToken(c)
	if token == "" {
		return auth.Claims{}, errors.New("missing token")
	}
	claims, err := r.JWT.Verify(token)
	if err != nil {
		return auth.Claims{}, err
	}
	for _, role := range roles {
		if claims.Role == role {
			return claims, nil
		}
	}
	return auth.Claims{}, fmt.Errorf("role %q not permitted", claims.Role)
}
