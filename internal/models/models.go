// Package models defines the core data structures for AtendeZap.
//
// It includes conversations, messages, context epochs and queued-work payloads,
// which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	// ConversationStatusActive indicates the assistant is replying automatically.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusTransferred indicates a human owns the conversation and
	// automated replies are suppressed.
	ConversationStatusTransferred ConversationStatus = "transferred"
	// ConversationStatusResolved indicates the conversation was closed. A new
	// inbound message reopens it.
	ConversationStatusResolved ConversationStatus = "resolved"
)

// IsValidConversationStatus checks if the given status is supported.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationStatusActive, ConversationStatusTransferred, ConversationStatusResolved:
		return true
	default:
		return false
	}
}

// Conversation is one logical exchange with one end-user identity. There is
// exactly one active conversation per canonical identity key at any time.
type Conversation struct {
	ID             string             `json:"id"`
	CanonicalKey   string             `json:"canonical_key"`
	Assistant      string             `json:"assistant"`
	Status         ConversationStatus `json:"status"`
	ContextHandle  string             `json:"context_handle"`
	ContactName    string             `json:"contact_name,omitempty"`
	Summary        string             `json:"summary,omitempty"`
	NeedsAttention bool               `json:"needs_attention"`
	LastFailure    string             `json:"last_failure,omitempty"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// MessageRole identifies which side of the exchange produced a message.
type MessageRole string

const (
	// RoleUser is an inbound end-user message.
	RoleUser MessageRole = "user"
	// RoleAssistant is an outbound automated reply.
	RoleAssistant MessageRole = "assistant"
)

// MediaKind classifies the optional media payload of a message.
type MediaKind string

const (
	MediaKindNone     MediaKind = ""
	MediaKindImage    MediaKind = "image"
	MediaKindAudio    MediaKind = "audio"
	MediaKindDocument MediaKind = "document"
	MediaKindLocation MediaKind = "location"
)

// Message is one turn within a conversation. Messages are append-only from the
// pipeline's perspective and ordered by timestamp.
type Message struct {
	ID                 string      `json:"id"`
	ConversationID     string      `json:"conversation_id"`
	Role               MessageRole `json:"role"`
	Content            string      `json:"content"`
	MediaKind          MediaKind   `json:"media_kind,omitempty"`
	MediaURL           string      `json:"media_url,omitempty"`
	TransportMessageID string      `json:"transport_message_id,omitempty"`
	StateChanging      bool        `json:"state_changing"`
	CreatedAt          time.Time   `json:"created_at"`
}

// EpochCloseReason explains why a context epoch was closed.
type EpochCloseReason string

const (
	// EpochCloseReasonRotation indicates the epoch hit the rotation threshold.
	EpochCloseReasonRotation EpochCloseReason = "rotation"
	// EpochCloseReasonResolved indicates the conversation was resolved.
	EpochCloseReasonResolved EpochCloseReason = "resolved"
)

// ContextEpoch bounds one continuous use of an AI context handle. At most one
// epoch per conversation is open (empty CloseReason); the rotation message
// count is computed relative to the open epoch's creation time.
type ContextEpoch struct {
	ID                  string           `json:"id"`
	ConversationID      string           `json:"conversation_id"`
	Handle              string           `json:"handle"`
	CloseReason         EpochCloseReason `json:"close_reason,omitempty"`
	Summary             string           `json:"summary,omitempty"`
	PreservedMessageIDs []string         `json:"preserved_message_ids,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ClosedAt            *time.Time       `json:"closed_at,omitempty"`
}

// Open reports whether the epoch is still the conversation's active window.
func (e *ContextEpoch) Open() bool {
	return e.CloseReason == ""
}

// JobKind identifies a unit of queued work.
type JobKind string

const (
	// JobKindReply generates and sends an assistant reply.
	JobKindReply JobKind = "reply"
	// JobKindMediaAnalysis describes an inbound media payload before replying.
	JobKindMediaAnalysis JobKind = "media-analysis"
	// JobKindSurvey sends a satisfaction survey after resolution.
	JobKindSurvey JobKind = "survey"
)

// Job priorities. Lower is dispatched first.
const (
	PriorityHigh   = 0
	PriorityNormal = 5
	PriorityLow    = 9
)

// ReplyJobPayload is the payload for reply jobs.
type ReplyJobPayload struct {
	ConversationKey    string `json:"conversation_key"`
	MessageText        string `json:"message_text"`
	TransportMessageID string `json:"transport_message_id,omitempty"`
	Recovered          bool   `json:"recovered,omitempty"`
}

// MediaJobPayload is the payload for media-analysis jobs.
type MediaJobPayload struct {
	ConversationKey    string    `json:"conversation_key"`
	MediaKind          MediaKind `json:"media_kind"`
	MediaURL           string    `json:"media_url"`
	Caption            string    `json:"caption,omitempty"`
	TransportMessageID string    `json:"transport_message_id,omitempty"`
}

// SurveyJobPayload is the payload for survey-dispatch jobs.
type SurveyJobPayload struct {
	ConversationKey string `json:"conversation_key"`
	Assistant       string `json:"assistant,omitempty"`
}

// InboundMessage is a transport-delivered event before identity resolution.
type InboundMessage struct {
	From               string    `json:"from"`
	AliasID            string    `json:"alias_id,omitempty"`
	Body               string    `json:"body"`
	MediaKind          MediaKind `json:"media_kind,omitempty"`
	MediaURL           string    `json:"media_url,omitempty"`
	Latitude           float64   `json:"latitude,omitempty"`
	Longitude          float64   `json:"longitude,omitempty"`
	TransportMessageID string    `json:"transport_message_id"`
	Timestamp          time.Time `json:"timestamp"`
}

// LocationPlaceholder reports whether the message is a location share that
// arrived without coordinates, a known transport delivery gap repaired by the
// recovery sweep.
func (m *InboundMessage) LocationPlaceholder() bool {
	return m.MediaKind == MediaKindLocation && m.Latitude == 0 && m.Longitude == 0
}

// Error variables shared across modules.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDuplicateMessage     = errors.New("duplicate transport message")
	ErrNoActiveEpoch        = errors.New("conversation has no active context epoch")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrEmptyBody            = errors.New("message body cannot be empty")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates an API request resulted in queued work.
	APIStatusQueued APIStatus = "queued"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Queued creates a queued API response carrying the job ID.
func Queued(jobID string) APIResponse {
	return APIResponse{Status: string(APIStatusQueued), Result: map[string]string{"job_id": jobID}}
}
