// Package rotation bounds the growth of AI conversation contexts.
//
// When the number of messages inside the active context epoch reaches a
// threshold, the manager summarizes the history, closes the epoch and opens a
// fresh provider context seeded with the summary plus the state-changing
// messages replayed verbatim. Rotation always completes once triggered:
// summary generation falls back to a deterministic line instead of blocking.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/TucanoLabs/AtendeZap/internal/genai"
	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

// Rotation configuration constants.
const (
	// DefaultThreshold is the message count per epoch that triggers rotation.
	DefaultThreshold = 55
	// summaryHeadCount and summaryTailCount bound the transcript sent to the
	// summary model: first few messages for the opening intent, the most
	// recent for current state.
	summaryHeadCount = 3
	summaryTailCount = 12
	// summaryMaxContentLen truncates individual messages in the summary input.
	summaryMaxContentLen = 280
)

// ContextProvider is the slice of the AI client the manager needs.
type ContextProvider interface {
	Summarize(ctx context.Context, transcript []genai.Turn) (string, error)
	CreateContext(ctx context.Context, seed []genai.Turn) (string, error)
}

// inflight tracks one in-progress rotation so concurrent callers for the same
// conversation share its outcome instead of starting a duplicate.
type inflight struct {
	done    chan struct{}
	rotated bool
	err     error
}

// Manager decides when a conversation's context must rotate and performs the
// rotation. Safe for concurrent use; at most one rotation runs per
// conversation at a time.
type Manager struct {
	store     store.Store
	provider  ContextProvider
	threshold int

	mu       sync.Mutex
	inFlight map[string]*inflight
}

// NewManager creates a rotation manager. A threshold <= 0 selects the default.
func NewManager(st store.Store, provider ContextProvider, threshold int) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Manager{
		store:     st,
		provider:  provider,
		threshold: threshold,
		inFlight:  make(map[string]*inflight),
	}
}

// RotateIfNeeded rotates the conversation's context when the active epoch has
// accumulated at least the threshold number of messages. It returns true when
// a rotation ran (or when this caller joined one already in flight). The
// conversation is mutated in place so the caller sees the new handle.
func (m *Manager) RotateIfNeeded(ctx context.Context, conv *models.Conversation) (bool, error) {
	epoch, err := m.store.GetActiveEpoch(conv.ID)
	if err != nil {
		return false, fmt.Errorf("active epoch lookup failed: %w", err)
	}
	if epoch == nil {
		return false, fmt.Errorf("%w: conversation %s", models.ErrNoActiveEpoch, conv.ID)
	}

	count, err := m.store.CountMessagesSince(conv.ID, epoch.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("epoch message count failed: %w", err)
	}
	if count < m.threshold {
		return false, nil
	}

	m.mu.Lock()
	if fl, ok := m.inFlight[conv.ID]; ok {
		m.mu.Unlock()
		<-fl.done
		if fl.err == nil {
			// Pick up the handle the winning rotation installed.
			if fresh, gerr := m.store.GetConversationByKey(conv.CanonicalKey); gerr == nil && fresh != nil {
				*conv = *fresh
			}
		}
		return fl.rotated, fl.err
	}
	fl := &inflight{done: make(chan struct{})}
	m.inFlight[conv.ID] = fl
	m.mu.Unlock()

	defer func() {
		close(fl.done)
		m.mu.Lock()
		delete(m.inFlight, conv.ID)
		m.mu.Unlock()
	}()

	fl.rotated, fl.err = m.runRotation(ctx, conv, epoch.ID)
	return fl.rotated, fl.err
}

// runRotation re-verifies the epoch and count after winning the in-flight
// slot: a rotation that finished between this caller's threshold check and
// its registration would otherwise be rotated a second time against an
// already-closed epoch.
func (m *Manager) runRotation(ctx context.Context, conv *models.Conversation, checkedEpochID string) (bool, error) {
	epoch, err := m.store.GetActiveEpoch(conv.ID)
	if err != nil {
		return false, fmt.Errorf("active epoch recheck failed: %w", err)
	}
	if epoch == nil {
		return false, fmt.Errorf("%w: conversation %s", models.ErrNoActiveEpoch, conv.ID)
	}
	if epoch.ID != checkedEpochID {
		// Another caller rotated first; pick up its handle.
		if fresh, gerr := m.store.GetConversationByKey(conv.CanonicalKey); gerr == nil && fresh != nil {
			*conv = *fresh
		}
		return false, nil
	}
	count, err := m.store.CountMessagesSince(conv.ID, epoch.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("epoch message recount failed: %w", err)
	}
	if count < m.threshold {
		return false, nil
	}
	if err := m.rotate(ctx, conv, epoch, count); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) rotate(ctx context.Context, conv *models.Conversation, epoch *models.ContextEpoch, count int) error {
	slog.Info("Rotation.rotate: rotating context", "conversationID", conv.ID, "epochID", epoch.ID, "messages", count)

	msgs, err := m.store.ListMessagesSince(conv.ID, epoch.CreatedAt)
	if err != nil {
		return fmt.Errorf("epoch message list failed: %w", err)
	}

	var preserved []models.Message
	for _, msg := range msgs {
		if msg.StateChanging {
			preserved = append(preserved, msg)
		}
	}

	summary := m.summarize(ctx, conv, msgs)

	now := time.Now()
	preservedIDs := make([]string, 0, len(preserved))
	for _, msg := range preserved {
		preservedIDs = append(preservedIDs, msg.ID)
	}
	if err := m.store.CloseEpoch(epoch.ID, models.EpochCloseReasonRotation, summary, preservedIDs, now); err != nil {
		return fmt.Errorf("close epoch failed: %w", err)
	}

	seed := make([]genai.Turn, 0, len(preserved)+1)
	seed = append(seed, genai.Turn{
		Role: genai.RoleSystem,
		Content: fmt.Sprintf("Earlier conversation summary: %s\nYou are talking to %s (key %s). Continue the conversation naturally.",
			summary, displayName(conv), conv.CanonicalKey),
	})
	for _, msg := range preserved {
		seed = append(seed, genai.Turn{Role: toTurnRole(msg.Role), Content: msg.Content})
	}

	handle, err := m.provider.CreateContext(ctx, seed)
	if err != nil {
		return fmt.Errorf("new context creation failed: %w", err)
	}

	if err := m.store.CreateEpoch(&models.ContextEpoch{
		ID:             util.GenerateEpochID(),
		ConversationID: conv.ID,
		Handle:         handle,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("new epoch creation failed: %w", err)
	}

	conv.ContextHandle = handle
	conv.Summary = summary
	if err := m.store.UpdateConversation(conv); err != nil {
		return fmt.Errorf("conversation handle update failed: %w", err)
	}

	slog.Info("Rotation.rotate: rotation complete", "conversationID", conv.ID, "newHandle", handle, "preserved", len(preserved))
	return nil
}

// summarize builds the bounded transcript and asks the provider for a
// summary, degrading to a deterministic line on failure.
func (m *Manager) summarize(ctx context.Context, conv *models.Conversation, msgs []models.Message) string {
	transcript := make([]genai.Turn, 0, summaryHeadCount+summaryTailCount)
	for _, msg := range boundedSample(msgs) {
		transcript = append(transcript, genai.Turn{
			Role:    toTurnRole(msg.Role),
			Content: truncate(msg.Content, summaryMaxContentLen),
		})
	}

	summary, err := m.provider.Summarize(ctx, transcript)
	if err != nil || summary == "" {
		slog.Warn("Rotation.summarize: summary generation failed, using fallback", "conversationID", conv.ID, "error", err)
		return fallbackSummary(conv, len(msgs))
	}
	return summary
}

// boundedSample keeps the first summaryHeadCount and last summaryTailCount
// messages, without duplicating when the window is short.
func boundedSample(msgs []models.Message) []models.Message {
	if len(msgs) <= summaryHeadCount+summaryTailCount {
		return msgs
	}
	sample := make([]models.Message, 0, summaryHeadCount+summaryTailCount)
	sample = append(sample, msgs[:summaryHeadCount]...)
	sample = append(sample, msgs[len(msgs)-summaryTailCount:]...)
	return sample
}

func fallbackSummary(conv *models.Conversation, count int) string {
	return fmt.Sprintf("Ongoing conversation with %s handled by assistant %q; %d messages exchanged in the last context window.",
		displayName(conv), conv.Assistant, count)
}

func displayName(conv *models.Conversation) string {
	if conv.ContactName != "" {
		return conv.ContactName
	}
	return conv.CanonicalKey
}

func toTurnRole(role models.MessageRole) string {
	if role == models.RoleAssistant {
		return genai.RoleAssistant
	}
	return genai.RoleUser
}

// truncate cuts on a rune boundary so multi-byte characters are never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
