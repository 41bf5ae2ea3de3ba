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

// HandleReplyJob is the worker body for reply jobs: rotation check, breaker-
// wrapped completion, persist-then-send. The assistant message is persisted
// before the transport send so a send failure retries by resending the stored
// reply instead of recomputing (and re-billing) the completion.
func (p *Processor) HandleReplyJob(ctx context.Context, payload string) error {
	var job models.ReplyJobPayload
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("reply payload decode failed: %w", err)
	}

	conv, err := p.store.GetConversationByKey(job.ConversationKey)
	if err != nil {
		return fmt.Errorf("conversation lookup failed: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, job.ConversationKey)
	}
	if conv.Status == models.ConversationStatusTransferred {
		slog.Info("Processor.HandleReplyJob: conversation transferred, skipping", "conversationID", conv.ID)
		return nil
	}

	// Retry after a partial failure: this job's reply was already persisted,
	// only the send is outstanding. Resend it without touching the provider.
	// The lookup is keyed to the job's own transport id, so a reply persisted
	// for an earlier inbound message never satisfies a later message's job.
	replyKey := replyDedupeKey(job.TransportMessageID)
	stored, err := p.store.GetMessageByTransportID(conv.ID, replyKey)
	if err != nil {
		return fmt.Errorf("stored reply lookup failed: %w", err)
	}
	if stored != nil {
		slog.Info("Processor.HandleReplyJob: resending stored reply", "conversationID", conv.ID, "messageID", stored.ID)
		return p.sendReply(ctx, conv, stored.Content)
	}

	if _, err := p.rotator.RotateIfNeeded(ctx, conv); err != nil {
		return fmt.Errorf("rotation failed: %w", err)
	}

	reply, err := p.completeWithRebuild(ctx, conv, job.MessageText)
	if err != nil {
		return err
	}

	if err := p.store.AddMessage(&models.Message{
		ID:                 util.GenerateMessageID(),
		ConversationID:     conv.ID,
		Role:               models.RoleAssistant,
		Content:            reply,
		TransportMessageID: replyKey,
		CreatedAt:          time.Now(),
	}); err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			// A concurrent attempt for the same job persisted first; send its
			// copy so both attempts deliver identical content.
			if stored, gerr := p.store.GetMessageByTransportID(conv.ID, replyKey); gerr == nil && stored != nil {
				return p.sendReply(ctx, conv, stored.Content)
			}
		}
		return fmt.Errorf("reply persist failed: %w", err)
	}

	return p.sendReply(ctx, conv, reply)
}

// replyDedupeKey derives the idempotency namespace for an inbound message's
// persisted reply. Empty when the inbound carried no transport id, in which
// case retries recompute the completion.
func replyDedupeKey(transportMessageID string) string {
	if transportMessageID == "" {
		return ""
	}
	return transportMessageID + ":reply"
}

// completeWithRebuild runs the breaker-wrapped completion, rebuilding the
// provider context from the store when the handle is unknown (process
// restarted since the context was created).
func (p *Processor) completeWithRebuild(ctx context.Context, conv *models.Conversation, userText string) (string, error) {
	reply, err := p.complete(ctx, conv.ContextHandle, userText)
	if errors.Is(err, genai.ErrUnknownContext) {
		slog.Warn("Processor.completeWithRebuild: stale context handle, rebuilding", "conversationID", conv.ID, "handle", conv.ContextHandle)
		if rerr := p.rebuildContext(ctx, conv, userText); rerr != nil {
			return "", rerr
		}
		reply, err = p.complete(ctx, conv.ContextHandle, userText)
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (p *Processor) complete(ctx context.Context, handle, userText string) (string, error) {
	var reply string
	err := p.interactive.Execute(ctx, func(ctx context.Context) error {
		var cerr error
		reply, cerr = p.provider.Complete(ctx, handle, userText)
		return cerr
	})
	return reply, err
}

// rebuildContext recreates a provider context from the store: the active
// epoch's summary seed plus every message persisted since the epoch opened,
// minus the user message about to be completed (Complete appends it again).
// The epoch record keeps its original handle; only the conversation points at
// the live one.
func (p *Processor) rebuildContext(ctx context.Context, conv *models.Conversation, pendingText string) error {
	seed := []genai.Turn{
		{Role: genai.RoleSystem, Content: assistantSystemPrompt(conv.Assistant, conv.ContactName)},
	}
	if conv.Summary != "" {
		seed = append(seed, genai.Turn{Role: genai.RoleSystem, Content: "Earlier conversation summary: " + conv.Summary})
	}

	epoch, err := p.store.GetActiveEpoch(conv.ID)
	if err != nil {
		return fmt.Errorf("active epoch lookup failed: %w", err)
	}
	if epoch != nil {
		msgs, err := p.store.ListMessagesSince(conv.ID, epoch.CreatedAt)
		if err != nil {
			return fmt.Errorf("epoch message list failed: %w", err)
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == models.RoleUser && msgs[n-1].Content == pendingText {
			msgs = msgs[:n-1]
		}
		for _, msg := range msgs {
			role := genai.RoleUser
			if msg.Role == models.RoleAssistant {
				role = genai.RoleAssistant
			}
			seed = append(seed, genai.Turn{Role: role, Content: msg.Content})
		}
	}

	handle, err := p.provider.CreateContext(ctx, seed)
	if err != nil {
		return fmt.Errorf("context rebuild failed: %w", err)
	}
	conv.ContextHandle = handle
	if err := p.store.UpdateConversation(conv); err != nil {
		return fmt.Errorf("rebuilt handle update failed: %w", err)
	}
	return nil
}

func (p *Processor) sendReply(ctx context.Context, conv *models.Conversation, body string) error {
	if err := p.sender.SendMessage(ctx, conv.CanonicalKey, body); err != nil {
		return fmt.Errorf("outbound send failed: %w", err)
	}
	conv.LastActivityAt = time.Now()
	if err := p.store.UpdateConversation(conv); err != nil {
		slog.Error("Processor.sendReply: activity update failed", "conversationID", conv.ID, "error", err)
	}
	return nil
}

// HandleMediaJob is the worker body for media-analysis jobs: a batch-breaker
// vision call whose description is persisted as an annotation on the inbound
// message, then chained into a reply job.
func (p *Processor) HandleMediaJob(ctx context.Context, payload string) error {
	var job models.MediaJobPayload
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("media payload decode failed: %w", err)
	}

	conv, err := p.store.GetConversationByKey(job.ConversationKey)
	if err != nil {
		return fmt.Errorf("conversation lookup failed: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, job.ConversationKey)
	}

	var description string
	err = p.batch.Execute(ctx, func(ctx context.Context) error {
		var derr error
		description, derr = p.provider.DescribeMedia(ctx, string(job.MediaKind), job.MediaURL, job.Caption)
		return derr
	})
	if err != nil {
		return fmt.Errorf("media analysis failed: %w", err)
	}

	annotation := fmt.Sprintf("[%s description] %s", job.MediaKind, description)
	if err := p.store.AddMessage(&models.Message{
		ID:                 util.GenerateMessageID(),
		ConversationID:     conv.ID,
		Role:               models.RoleUser,
		Content:            annotation,
		TransportMessageID: annotationDedupeKey(job.TransportMessageID),
		CreatedAt:          time.Now(),
	}); err != nil && !errors.Is(err, models.ErrDuplicateMessage) {
		return fmt.Errorf("annotation persist failed: %w", err)
	}

	replyText := annotation
	if job.Caption != "" {
		replyText = job.Caption + "\n" + annotation
	}
	replyPayload, err := marshalPayload(models.ReplyJobPayload{
		ConversationKey:    conv.CanonicalKey,
		MessageText:        replyText,
		TransportMessageID: job.TransportMessageID,
	})
	if err != nil {
		return err
	}
	_, err = p.jobs.EnqueueJob(store.EnqueueParams{
		Kind:            string(models.JobKindReply),
		PayloadJSON:     replyPayload,
		DedupeKey:       annotationDedupeKey(job.TransportMessageID),
		Priority:        models.PriorityNormal,
		ConversationKey: conv.CanonicalKey,
	})
	if err != nil {
		return fmt.Errorf("chained reply enqueue failed: %w", err)
	}
	return nil
}

// annotationDedupeKey derives a second idempotency namespace from the inbound
// transport id: the analysis job holds the raw id, the chained reply this one.
func annotationDedupeKey(transportMessageID string) string {
	if transportMessageID == "" {
		return ""
	}
	return transportMessageID + ":analysis"
}

// HandleSurveyJob renders and sends the satisfaction survey.
func (p *Processor) HandleSurveyJob(ctx context.Context, payload string) error {
	var job models.SurveyJobPayload
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("survey payload decode failed: %w", err)
	}

	conv, err := p.store.GetConversationByKey(job.ConversationKey)
	if err != nil {
		return fmt.Errorf("conversation lookup failed: %w", err)
	}
	if conv == nil {
		slog.Warn("Processor.HandleSurveyJob: conversation gone, dropping survey", "conversationKey", job.ConversationKey)
		return nil
	}

	assistant := job.Assistant
	if assistant == "" {
		assistant = conv.Assistant
	}
	body := surveyBody(assistant)

	if err := p.store.AddMessage(&models.Message{
		ID:             util.GenerateMessageID(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        body,
		CreatedAt:      time.Now(),
	}); err != nil {
		return fmt.Errorf("survey persist failed: %w", err)
	}
	return p.sendReply(ctx, conv, body)
}

func surveyBody(assistant string) string {
	return fmt.Sprintf("Obrigado por falar com a gente! Como você avalia o atendimento de %s? Responda com uma nota de 1 a 5.", assistant)
}
