package store

import (
	"crawlmaster/internal/models"
)

type multiSink struct {
	sinks []EventSink
}

// MultiSink fans DataStore events out to several sinks in order.
func MultiSink(sinks ...EventSink) EventSink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) NewEntities(accountID string, entities []models.CacheEntity) {
	for _, s := range m.sinks {
		if s != nil {
			s.NewEntities(accountID, entities)
		}
	}
}

func (m *multiSink) ConversationsUpdated(accountID string, summaries []ConversationSummary) {
	for _, s := range m.sinks {
		if s != nil {
			s.ConversationsUpdated(accountID, summaries)
		}
	}
}

func (m *multiSink) ConversationRead(accountID, conversationID string, unread int) {
	for _, s := range m.sinks {
		if s != nil {
			s.ConversationRead(accountID, conversationID, unread)
		}
	}
}
