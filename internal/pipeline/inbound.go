package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/genai"
	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

// HandleInbound processes one transport event: resolves the sender identity,
// finds or creates the conversation, persists the user message and enqueues
// the matching job. Duplicate transport message ids are silently dropped.
func (p *Processor) HandleInbound(ctx context.Context, in models.InboundMessage) error {
	key, err := p.resolveKey(in)
	if err != nil {
		slog.Warn("Processor.HandleInbound: dropping unresolvable sender", "from", in.From, "aliasID", in.AliasID, "error", err)
		return err
	}

	conv, err := p.store.GetConversationByKey(key)
	if err != nil {
		return fmt.Errorf("conversation lookup failed: %w", err)
	}
	if conv == nil {
		conv, err = p.createConversation(ctx, key)
		if err != nil {
			return err
		}
	} else if conv.Status == models.ConversationStatusResolved {
		conv.Status = models.ConversationStatusActive
		slog.Info("Processor.HandleInbound: reopening resolved conversation", "conversationID", conv.ID)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &models.Message{
		ID:                 util.GenerateMessageID(),
		ConversationID:     conv.ID,
		Role:               models.RoleUser,
		Content:            inboundContent(in),
		MediaKind:          in.MediaKind,
		MediaURL:           in.MediaURL,
		TransportMessageID: in.TransportMessageID,
		CreatedAt:          ts,
	}
	if err := p.store.AddMessage(msg); err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			slog.Debug("Processor.HandleInbound: duplicate inbound dropped", "transportMessageID", in.TransportMessageID)
			return nil
		}
		return fmt.Errorf("message persist failed: %w", err)
	}

	conv.LastActivityAt = ts
	if err := p.store.UpdateConversation(conv); err != nil {
		return fmt.Errorf("conversation activity update failed: %w", err)
	}

	return p.enqueueForInbound(conv, in, msg)
}

func (p *Processor) resolveKey(in models.InboundMessage) (string, error) {
	if in.AliasID != "" {
		return p.resolver.ResolveAlias(in.AliasID)
	}
	return p.resolver.Resolve(in.From)
}

// createConversation opens a conversation with a fresh provider context and
// its first epoch.
func (p *Processor) createConversation(ctx context.Context, key string) (*models.Conversation, error) {
	handle, err := p.provider.CreateContext(ctx, []genai.Turn{
		{Role: genai.RoleSystem, Content: assistantSystemPrompt(p.defaultAssistant, "")},
	})
	if err != nil {
		return nil, fmt.Errorf("context creation failed: %w", err)
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:             util.GenerateConversationID(),
		CanonicalKey:   key,
		Assistant:      p.defaultAssistant,
		Status:         models.ConversationStatusActive,
		ContextHandle:  handle,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.CreateConversation(conv); err != nil {
		return nil, fmt.Errorf("conversation creation failed: %w", err)
	}
	if err := p.store.CreateEpoch(&models.ContextEpoch{
		ID:             util.GenerateEpochID(),
		ConversationID: conv.ID,
		Handle:         handle,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("epoch creation failed: %w", err)
	}
	slog.Info("Processor.createConversation: new conversation", "conversationID", conv.ID, "key", key, "assistant", conv.Assistant)
	return conv, nil
}

// enqueueForInbound picks the job kind for the inbound message. Media payloads
// go through analysis first; everything else enqueues a reply directly. The
// transport message id doubles as the idempotency key so webhook redeliveries
// cannot cause a second send.
func (p *Processor) enqueueForInbound(conv *models.Conversation, in models.InboundMessage, msg *models.Message) error {
	switch in.MediaKind {
	case models.MediaKindImage, models.MediaKindAudio, models.MediaKindDocument:
		payload, err := marshalPayload(models.MediaJobPayload{
			ConversationKey:    conv.CanonicalKey,
			MediaKind:          in.MediaKind,
			MediaURL:           in.MediaURL,
			Caption:            in.Body,
			TransportMessageID: in.TransportMessageID,
		})
		if err != nil {
			return err
		}
		_, err = p.jobs.EnqueueJob(store.EnqueueParams{
			Kind:            string(models.JobKindMediaAnalysis),
			PayloadJSON:     payload,
			DedupeKey:       in.TransportMessageID,
			Priority:        models.PriorityNormal,
			ConversationKey: conv.CanonicalKey,
		})
		return err
	default:
		payload, err := marshalPayload(models.ReplyJobPayload{
			ConversationKey:    conv.CanonicalKey,
			MessageText:        msg.Content,
			TransportMessageID: in.TransportMessageID,
		})
		if err != nil {
			return err
		}
		_, err = p.jobs.EnqueueJob(store.EnqueueParams{
			Kind:            string(models.JobKindReply),
			PayloadJSON:     payload,
			DedupeKey:       in.TransportMessageID,
			Priority:        models.PriorityHigh,
			ConversationKey: conv.CanonicalKey,
		})
		return err
	}
}

// inboundContent renders the persisted text for an inbound event.
func inboundContent(in models.InboundMessage) string {
	switch in.MediaKind {
	case models.MediaKindLocation:
		if in.LocationPlaceholder() {
			return "[location share pending coordinates]"
		}
		return fmt.Sprintf("[location] latitude=%.6f longitude=%.6f", in.Latitude, in.Longitude)
	case models.MediaKindImage, models.MediaKindAudio, models.MediaKindDocument:
		if in.Body != "" {
			return fmt.Sprintf("[%s] %s", in.MediaKind, in.Body)
		}
		return fmt.Sprintf("[%s]", in.MediaKind)
	default:
		return in.Body
	}
}

func marshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("payload marshal failed: %w", err)
	}
	return string(b), nil
}
