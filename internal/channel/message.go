package channel

import (
	"encoding/json"

	"crawlmaster/internal/registry"
	"crawlmaster/internal/store"
)

// Envelope is the wire frame on every channel. ID correlates asynchronous
// request/reply pairs; responses echo the request's ID with the request
// type suffixed ":result".
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Worker-channel message types (worker -> master).
const (
	MsgWorkerRegister    = "register"
	MsgWorkerHeartbeat   = "heartbeat"
	MsgWorkerDataSync    = "data_sync"
	MsgWorkerLoginStatus = "login_status_update"
	MsgWorkerTaskResult  = "task_result"
)

// Master -> worker task types.
const (
	MsgTaskCrawl       = "crawl_task"
	MsgTaskLogin       = "login_task"
	MsgTaskReply       = "reply_task"
	MsgTaskCancelCrawl = "cancel_crawl"
)

// Admin-channel message types (admin -> master). Cancellation shares its
// wire name with the worker-bound task it turns into.
const (
	MsgAdminTriggerCrawl = "trigger_crawl"
	MsgAdminCancelCrawl  = "cancel_crawl"
	MsgAdminGetWorkers   = "get_workers"
	MsgAdminGetAccounts  = "get_accounts"
	MsgAdminStartLogin   = "start_login"
)

// Client-channel message types (client -> master).
const (
	MsgClientSubscribe       = "subscribe"
	MsgClientRequestTopics   = "request_topics"
	MsgClientRequestMessages = "request_messages"
	MsgClientMarkRead        = "mark_conversation_as_read"
)

// Server-pushed event types.
const (
	EvtChannelsUpdate   = "channels:update"
	EvtMonitorTopics    = "monitor:topics"
	EvtMonitorMessages  = "monitor:messages"
	EvtNotificationPush = "master:notification:push"
	EvtConversationRead = "conversation:read"
	EvtNewMessage       = "new_message"
	EvtWorkerRemoved    = "worker:removed"
	EvtLoginStatus      = "login:status"
	EvtReplyResult      = "reply:result"
)

type heartbeatPayload struct {
	WorkerID  string          `json:"workerId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Load      map[string]any  `json:"loadMetrics"`
}

type dataSyncPayload struct {
	WorkerID   string                 `json:"workerId"`
	AccountID  string                 `json:"accountId"`
	EntityType string                 `json:"entityType,omitempty"`
	Entities   []store.IncomingEntity `json:"entities"`
	SyncMode   string                 `json:"syncMode"`
	Generation uint64                 `json:"generation,omitempty"`
}

type loginStatusPayload struct {
	WorkerID   string `json:"workerId"`
	AccountID  string `json:"accountId"`
	SessionID  string `json:"sessionId,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
}

type taskResultPayload struct {
	WorkerID        string `json:"workerId"`
	TaskID          string `json:"taskId"`
	TaskType        string `json:"taskType"`
	Success         bool   `json:"success"`
	PlatformReplyID string `json:"platformReplyId,omitempty"`
	Error           string `json:"error,omitempty"`
}

type triggerCrawlPayload struct {
	AccountID string `json:"accountId"`
	CrawlType string `json:"crawlType"`
}

type cancelCrawlPayload struct {
	AccountID string `json:"accountId"`
	TaskID    string `json:"taskId"`
}

type startLoginPayload struct {
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId,omitempty"`
}

type subscribePayload struct {
	AccountIDs []string `json:"accountIds"`
}

type requestTopicsPayload struct {
	AccountID string `json:"accountId"`
}

type requestMessagesPayload struct {
	AccountID      string `json:"accountId"`
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

type markReadPayload struct {
	AccountID      string `json:"accountId"`
	ConversationID string `json:"conversationId"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type ackPayload struct {
	OK bool `json:"ok"`
}

type workerListPayload struct {
	Workers []registry.Snapshot `json:"workers"`
}

func mustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func resultType(reqType string) string {
	return reqType + ":result"
}

func errEnvelope(reqType, id string, err error) Envelope {
	return Envelope{
		Type:    resultType(reqType),
		ID:      id,
		Payload: mustPayload(errorPayload{Error: err.Error()}),
	}
}
