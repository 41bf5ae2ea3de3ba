// Package pipeline turns inbound transport events into queued work and
// implements the worker bodies that produce, persist and send assistant
// replies.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TucanoLabs/AtendeZap/internal/breaker"
	"github.com/TucanoLabs/AtendeZap/internal/genai"
	"github.com/TucanoLabs/AtendeZap/internal/identity"
	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/store"
)

// Worker pool sizes per job kind. Reply jobs sit on the user-facing latency
// path; media analysis shells out to a slow vision call and gets the smallest
// pool.
const (
	ReplyWorkers  = 8
	MediaWorkers  = 2
	SurveyWorkers = 4
)

// Provider is the slice of the AI client the pipeline needs.
type Provider interface {
	CreateContext(ctx context.Context, seed []genai.Turn) (string, error)
	Complete(ctx context.Context, handle, userText string) (string, error)
	DescribeMedia(ctx context.Context, kind, mediaURL, caption string) (string, error)
}

// Rotator checks and performs context rotation before a completion call.
type Rotator interface {
	RotateIfNeeded(ctx context.Context, conv *models.Conversation) (bool, error)
}

// Sender performs the outbound transport send.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Config wires a Processor's collaborators.
type Config struct {
	Store            store.Store
	Jobs             store.JobRepo
	Provider         Provider
	Rotator          Rotator
	Interactive      *breaker.Breaker
	Batch            *breaker.Breaker
	Sender           Sender
	Resolver         *identity.Resolver
	DefaultAssistant string
}

// Processor implements inbound handling and the job-kind worker bodies.
type Processor struct {
	store            store.Store
	jobs             store.JobRepo
	provider         Provider
	rotator          Rotator
	interactive      *breaker.Breaker
	batch            *breaker.Breaker
	sender           Sender
	resolver         *identity.Resolver
	defaultAssistant string
}

// NewProcessor creates a Processor from the given config.
func NewProcessor(cfg Config) *Processor {
	assistant := cfg.DefaultAssistant
	if assistant == "" {
		assistant = "support"
	}
	return &Processor{
		store:            cfg.Store,
		jobs:             cfg.Jobs,
		provider:         cfg.Provider,
		rotator:          cfg.Rotator,
		interactive:      cfg.Interactive,
		batch:            cfg.Batch,
		sender:           cfg.Sender,
		resolver:         cfg.Resolver,
		defaultAssistant: assistant,
	}
}

// Register attaches the processor's worker bodies and failure notifier to the
// job runner.
func (p *Processor) Register(runner *store.JobRunner) {
	runner.RegisterHandler(string(models.JobKindReply), ReplyWorkers, p.HandleReplyJob)
	runner.RegisterHandler(string(models.JobKindMediaAnalysis), MediaWorkers, p.HandleMediaJob)
	runner.RegisterHandler(string(models.JobKindSurvey), SurveyWorkers, p.HandleSurveyJob)
	runner.SetFailureNotifier(p.NotifyPermanentFailure)
}

// NotifyPermanentFailure flags the conversation when a job exhausts its
// attempts, so a human supervisor sees the failure instead of silence.
func (p *Processor) NotifyPermanentFailure(job store.Job, errMsg string) {
	if job.ConversationKey == "" {
		return
	}
	conv, err := p.store.GetConversationByKey(job.ConversationKey)
	if err != nil || conv == nil {
		slog.Error("Processor.NotifyPermanentFailure: conversation lookup failed", "conversationKey", job.ConversationKey, "error", err)
		return
	}
	conv.NeedsAttention = true
	conv.LastFailure = fmt.Sprintf("%s job failed after %d attempts: %s", job.Kind, job.Attempt, errMsg)
	if err := p.store.UpdateConversation(conv); err != nil {
		slog.Error("Processor.NotifyPermanentFailure: conversation update failed", "conversationID", conv.ID, "error", err)
		return
	}
	slog.Error("Processor.NotifyPermanentFailure: conversation flagged", "conversationID", conv.ID, "jobID", job.ID, "kind", job.Kind)
}

// EnqueueSurvey queues a satisfaction-survey job for the conversation. Used by
// the dashboard's resolve/transfer hook via the HTTP surface.
func (p *Processor) EnqueueSurvey(conversationKey, assistant string) (string, error) {
	payload, err := marshalPayload(models.SurveyJobPayload{
		ConversationKey: conversationKey,
		Assistant:       assistant,
	})
	if err != nil {
		return "", err
	}
	return p.jobs.EnqueueJob(store.EnqueueParams{
		Kind:            string(models.JobKindSurvey),
		PayloadJSON:     payload,
		DedupeKey:       "survey:" + conversationKey,
		Priority:        models.PriorityLow,
		ConversationKey: conversationKey,
	})
}

// assistantSystemPrompt seeds a fresh provider context for an assistant.
func assistantSystemPrompt(assistant, contactName string) string {
	prompt := fmt.Sprintf("You are %q, an automated customer-service assistant. Reply in the customer's language, be concise and helpful. Never invent order data.", assistant)
	if contactName != "" {
		prompt += fmt.Sprintf(" The customer's name is %s.", contactName)
	}
	return prompt
}
