// Package store provides storage backends for AtendeZap.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetConversationByKey(key string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, canonical_key, assistant, status, context_handle, contact_name, summary,
		        needs_attention, last_failure, last_activity_at, created_at, updated_at
		 FROM conversations WHERE canonical_key = ?`, key,
	)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) CreateConversation(c *models.Conversation) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, canonical_key, assistant, status, context_handle, contact_name,
		                            summary, needs_attention, last_failure, last_activity_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CanonicalKey, c.Assistant, c.Status, c.ContextHandle, nilIfEmpty(c.ContactName),
		nilIfEmpty(c.Summary), c.NeedsAttention, nilIfEmpty(c.LastFailure), c.LastActivityAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateConversation", "id", c.ID, "key", c.CanonicalKey)
	return nil
}

func (s *SQLiteStore) UpdateConversation(c *models.Conversation) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.Exec(
		`UPDATE conversations SET assistant = ?, status = ?, context_handle = ?, contact_name = ?,
		        summary = ?, needs_attention = ?, last_failure = ?, last_activity_at = ?, updated_at = ?
		 WHERE id = ?`,
		c.Assistant, c.Status, c.ContextHandle, nilIfEmpty(c.ContactName),
		nilIfEmpty(c.Summary), c.NeedsAttention, nilIfEmpty(c.LastFailure), c.LastActivityAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(m *models.Message) error {
	if m.TransportMessageID != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM messages WHERE conversation_id = ? AND transport_message_id = ?`,
			m.ConversationID, m.TransportMessageID,
		).Scan(&existing)
		if err == nil {
			slog.Debug("SQLiteStore.AddMessage: duplicate transport message", "transportMessageID", m.TransportMessageID, "existingID", existing)
			return models.ErrDuplicateMessage
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("message dedup check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, media_kind, media_url,
		                       transport_message_id, state_changing, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, nilIfEmpty(string(m.MediaKind)), nilIfEmpty(m.MediaURL),
		nilIfEmpty(m.TransportMessageID), m.StateChanging, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessagesSince(conversationID string, since time.Time) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE conversation_id = ? AND created_at >= ? ORDER BY created_at ASC`,
		conversationID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) CountMessagesSince(conversationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND created_at >= ?`,
		conversationID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LastMessage(conversationID string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT 1`,
		conversationID,
	)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE id = ?`, id,
	)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetMessageByTransportID(conversationID, transportMessageID string) (*models.Message, error) {
	if transportMessageID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE conversation_id = ? AND transport_message_id = ?`,
		conversationID, transportMessageID,
	)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by transport id failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) CreateEpoch(e *models.ContextEpoch) error {
	preserved, err := marshalPreservedIDs(e.PreservedMessageIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO context_epochs (id, conversation_id, handle, close_reason, summary, preserved_message_ids, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.Handle, nilIfEmpty(string(e.CloseReason)), nilIfEmpty(e.Summary),
		preserved, e.CreatedAt, e.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create epoch failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateEpoch", "id", e.ID, "conversationID", e.ConversationID, "handle", e.Handle)
	return nil
}

func (s *SQLiteStore) GetActiveEpoch(conversationID string) (*models.ContextEpoch, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, handle, close_reason, summary, preserved_message_ids, created_at, closed_at
		 FROM context_epochs WHERE conversation_id = ? AND close_reason IS NULL`,
		conversationID,
	)
	e, err := scanEpochRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active epoch failed: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) CloseEpoch(id string, reason models.EpochCloseReason, summary string, preservedIDs []string, closedAt time.Time) error {
	preserved, err := marshalPreservedIDs(preservedIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE context_epochs SET close_reason = ?, summary = ?, preserved_message_ids = ?, closed_at = ?
		 WHERE id = ? AND close_reason IS NULL`,
		reason, nilIfEmpty(summary), preserved, closedAt, id,
	)
	if err != nil {
		return fmt.Errorf("close epoch failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListStaleConversations(olderThan time.Time) ([]models.Conversation, error) {
	// A conversation is stale when its newest message is inbound and older
	// than the threshold: an end-user is waiting for a reply that never came.
	rows, err := s.db.Query(
		`SELECT c.id, c.canonical_key, c.assistant, c.status, c.context_handle, c.contact_name, c.summary,
		        c.needs_attention, c.last_failure, c.last_activity_at, c.created_at, c.updated_at
		 FROM conversations c
		 JOIN messages m ON m.id = (
		   SELECT id FROM messages WHERE conversation_id = c.id ORDER BY created_at DESC LIMIT 1
		 )
		 WHERE m.role = 'user' AND m.created_at < ?`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale conversations failed: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale conversations iteration failed: %w", err)
	}
	return convs, nil
}
