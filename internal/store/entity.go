package store

import (
	"encoding/json"
)

// Sync modes for worker push batches.
const (
	SyncModeSnapshot    = "snapshot"
	SyncModeIncremental = "incremental"
)

// IncomingEntity is one crawled entity as pushed by a worker, before
// normalization. CreatedAt is raw on purpose: the wire carries whatever the
// platform adapter scraped.
type IncomingEntity struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	CreatedAt      json.RawMessage `json:"createdAt"`
	Payload        json.RawMessage `json:"payload"`
	Read           bool            `json:"read,omitempty"`
}

// ConversationSummary is the client-facing view of a conversation. Unread
// count and last-message time are recomputed from the underlying message
// records, never trusted from a worker-reported summary.
type ConversationSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	UnreadCount     int    `json:"unreadCount"`
	LastMessage     string `json:"lastMessage"`
	LastMessageTime int64  `json:"lastMessageTime"`
}

// ReadFilter narrows a Read call.
type ReadFilter struct {
	EntityType     string
	ConversationID string
	UnreadOnly     bool
	Limit          int
	Offset         int
}

// IngestResult summarizes one applied batch.
type IngestResult struct {
	Total   int `json:"total"`
	New     int `json:"new"`
	Updated int `json:"updated"`
}

// payloadText pulls a display string out of a free-form payload.
func payloadText(payload []byte, keys ...string) string {
	if len(payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
