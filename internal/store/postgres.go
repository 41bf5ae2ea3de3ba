// Package store provides storage backends for AtendeZap.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetConversationByKey(key string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, canonical_key, assistant, status, context_handle, contact_name, summary,
		        needs_attention, last_failure, last_activity_at, created_at, updated_at
		 FROM conversations WHERE canonical_key = $1`, key,
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

func (s *PostgresStore) CreateConversation(c *models.Conversation) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, canonical_key, assistant, status, context_handle, contact_name,
		                            summary, needs_attention, last_failure, last_activity_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.CanonicalKey, c.Assistant, c.Status, c.ContextHandle, nilIfEmpty(c.ContactName),
		nilIfEmpty(c.Summary), c.NeedsAttention, nilIfEmpty(c.LastFailure), c.LastActivityAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateConversation", "id", c.ID, "key", c.CanonicalKey)
	return nil
}

func (s *PostgresStore) UpdateConversation(c *models.Conversation) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.Exec(
		`UPDATE conversations SET assistant = $1, status = $2, context_handle = $3, contact_name = $4,
		        summary = $5, needs_attention = $6, last_failure = $7, last_activity_at = $8, updated_at = $9
		 WHERE id = $10`,
		c.Assistant, c.Status, c.ContextHandle, nilIfEmpty(c.ContactName),
		nilIfEmpty(c.Summary), c.NeedsAttention, nilIfEmpty(c.LastFailure), c.LastActivityAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(m *models.Message) error {
	if m.TransportMessageID != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM messages WHERE conversation_id = $1 AND transport_message_id = $2`,
			m.ConversationID, m.TransportMessageID,
		).Scan(&existing)
		if err == nil {
			slog.Debug("PostgresStore.AddMessage: duplicate transport message", "transportMessageID", m.TransportMessageID, "existingID", existing)
			return models.ErrDuplicateMessage
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("message dedup check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, media_kind, media_url,
		                       transport_message_id, state_changing, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.Role, m.Content, nilIfEmpty(string(m.MediaKind)), nilIfEmpty(m.MediaURL),
		nilIfEmpty(m.TransportMessageID), m.StateChanging, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesSince(conversationID string, since time.Time) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE conversation_id = $1 AND created_at >= $2 ORDER BY created_at ASC`,
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

func (s *PostgresStore) CountMessagesSince(conversationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND created_at >= $2`,
		conversationID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) LastMessage(conversationID string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`,
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

func (s *PostgresStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE id = $1`, id,
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

func (s *PostgresStore) GetMessageByTransportID(conversationID, transportMessageID string) (*models.Message, error) {
	if transportMessageID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, media_kind, media_url, transport_message_id, state_changing, created_at
		 FROM messages WHERE conversation_id = $1 AND transport_message_id = $2`,
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

func (s *PostgresStore) CreateEpoch(e *models.ContextEpoch) error {
	preserved, err := marshalPreservedIDs(e.PreservedMessageIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO context_epochs (id, conversation_id, handle, close_reason, summary, preserved_message_ids, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ConversationID, e.Handle, nilIfEmpty(string(e.CloseReason)), nilIfEmpty(e.Summary),
		preserved, e.CreatedAt, e.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create epoch failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateEpoch", "id", e.ID, "conversationID", e.ConversationID, "handle", e.Handle)
	return nil
}

func (s *PostgresStore) GetActiveEpoch(conversationID string) (*models.ContextEpoch, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, handle, close_reason, summary, preserved_message_ids, created_at, closed_at
		 FROM context_epochs WHERE conversation_id = $1 AND close_reason IS NULL`,
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

func (s *PostgresStore) CloseEpoch(id string, reason models.EpochCloseReason, summary string, preservedIDs []string, closedAt time.Time) error {
	preserved, err := marshalPreservedIDs(preservedIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE context_epochs SET close_reason = $1, summary = $2, preserved_message_ids = $3, closed_at = $4
		 WHERE id = $5 AND close_reason IS NULL`,
		reason, nilIfEmpty(summary), preserved, closedAt, id,
	)
	if err != nil {
		return fmt.Errorf("close epoch failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStaleConversations(olderThan time.Time) ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT c.id, c.canonical_key, c.assistant, c.status, c.context_handle, c.contact_name, c.summary,
		        c.needs_attention, c.last_failure, c.last_activity_at, c.created_at, c.updated_at
		 FROM conversations c
		 JOIN LATERAL (
		   SELECT role, created_at FROM messages WHERE conversation_id = c.id
		   ORDER BY created_at DESC LIMIT 1
		 ) m ON TRUE
		 WHERE m.role = 'user' AND m.created_at < $1`,
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
