package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/TucanoLabs/AtendeZap/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalPreservedIDs encodes preserved message IDs for storage, using NULL
// for an empty list.
func marshalPreservedIDs(ids []string) (interface{}, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal preserved message ids failed: %w", err)
	}
	return string(data), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversationFields(sc rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var contactName, summary, lastFailure sql.NullString
	err := sc.Scan(
		&c.ID, &c.CanonicalKey, &c.Assistant, &c.Status, &c.ContextHandle, &contactName, &summary,
		&c.NeedsAttention, &lastFailure, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.ContactName = contactName.String
	c.Summary = summary.String
	c.LastFailure = lastFailure.String
	return c, nil
}

// scanConversation scans a Conversation from sql.Rows.
func scanConversation(rows *sql.Rows) (models.Conversation, error) {
	c, err := scanConversationFields(rows)
	if err != nil {
		return c, fmt.Errorf("scan conversation failed: %w", err)
	}
	return c, nil
}

// scanConversationRow scans a Conversation from a single sql.Row.
func scanConversationRow(row *sql.Row) (models.Conversation, error) {
	return scanConversationFields(row)
}

func scanMessageFields(sc rowScanner) (models.Message, error) {
	var m models.Message
	var mediaKind, mediaURL, transportID sql.NullString
	err := sc.Scan(
		&m.ID, &m.ConversationID, &m.Role, &m.Content, &mediaKind, &mediaURL,
		&transportID, &m.StateChanging, &m.CreatedAt,
	)
	if err != nil {
		return m, err
	}
	m.MediaKind = models.MediaKind(mediaKind.String)
	m.MediaURL = mediaURL.String
	m.TransportMessageID = transportID.String
	return m, nil
}

// scanMessage scans a Message from sql.Rows.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	m, err := scanMessageFields(rows)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	return m, nil
}

// scanMessageRow scans a Message from a single sql.Row.
func scanMessageRow(row *sql.Row) (models.Message, error) {
	return scanMessageFields(row)
}

func scanEpochFields(sc rowScanner) (models.ContextEpoch, error) {
	var e models.ContextEpoch
	var closeReason, summary, preserved sql.NullString
	var closedAt sql.NullTime
	err := sc.Scan(
		&e.ID, &e.ConversationID, &e.Handle, &closeReason, &summary, &preserved, &e.CreatedAt, &closedAt,
	)
	if err != nil {
		return e, err
	}
	e.CloseReason = models.EpochCloseReason(closeReason.String)
	e.Summary = summary.String
	if preserved.Valid && preserved.String != "" {
		if err := json.Unmarshal([]byte(preserved.String), &e.PreservedMessageIDs); err != nil {
			return e, fmt.Errorf("unmarshal preserved message ids failed: %w", err)
		}
	}
	if closedAt.Valid {
		e.ClosedAt = &closedAt.Time
	}
	return e, nil
}

// scanEpochRow scans a ContextEpoch from a single sql.Row.
func scanEpochRow(row *sql.Row) (models.ContextEpoch, error) {
	return scanEpochFields(row)
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey, conversationKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &conversationKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.ConversationKey = conversationKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey, conversationKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &conversationKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.ConversationKey = conversationKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
