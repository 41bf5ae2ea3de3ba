// Package store provides storage backends for AtendeZap.
//
// It is the single source of truth for conversations, messages and context
// epochs, and hosts the durable job queue. SQLite and PostgreSQL backends are
// selected by DSN; an in-memory store backs tests and ephemeral runs.
package store

import (
	"strings"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/models"
)

// Opts holds configuration options for storage backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a storage backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths are treated as SQLite databases).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store defines conversation persistence. All mutation of a conversation goes
// through UpdateConversation (read-modify-write); messages are append-only.
type Store interface {
	// GetConversationByKey returns the conversation for a canonical identity
	// key, or nil if none exists.
	GetConversationByKey(key string) (*models.Conversation, error)

	// CreateConversation inserts a new conversation record.
	CreateConversation(c *models.Conversation) error

	// UpdateConversation persists the mutable fields of a conversation.
	UpdateConversation(c *models.Conversation) error

	// AddMessage appends a message. If the message carries a transport message
	// ID already recorded for the conversation, it returns
	// models.ErrDuplicateMessage and stores nothing.
	AddMessage(m *models.Message) error

	// ListMessagesSince returns a conversation's messages created at or after
	// the given time, in timestamp order.
	ListMessagesSince(conversationID string, since time.Time) ([]models.Message, error)

	// CountMessagesSince returns the number of messages created at or after
	// the given time.
	CountMessagesSince(conversationID string, since time.Time) (int, error)

	// LastMessage returns the most recent message of a conversation, or nil
	// if the conversation has none.
	LastMessage(conversationID string) (*models.Message, error)

	// GetMessage returns a single message by ID, or nil if not found.
	GetMessage(id string) (*models.Message, error)

	// GetMessageByTransportID returns the conversation's message carrying the
	// given transport message ID, or nil if none exists. Reply workers use it
	// to detect a reply that was persisted but not yet sent.
	GetMessageByTransportID(conversationID, transportMessageID string) (*models.Message, error)

	// CreateEpoch inserts a new context epoch. At most one open epoch may
	// exist per conversation.
	CreateEpoch(e *models.ContextEpoch) error

	// GetActiveEpoch returns the conversation's open epoch, or nil if none.
	GetActiveEpoch(conversationID string) (*models.ContextEpoch, error)

	// CloseEpoch closes an epoch with a reason, the generated summary and the
	// IDs of messages preserved verbatim into the next context.
	CloseEpoch(id string, reason models.EpochCloseReason, summary string, preservedIDs []string, closedAt time.Time) error

	// ListStaleConversations returns conversations whose most recent message
	// is inbound (role user) and older than the given time. Used by the
	// recovery sweep.
	ListStaleConversations(olderThan time.Time) ([]models.Conversation, error)
}
