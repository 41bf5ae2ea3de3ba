// Package recovery re-enqueues conversations whose last inbound message never
// received a reply.
//
// The sweeper is a safety net behind the normal pipeline: it scans for
// conversations where the newest message is from the user and older than a
// staleness threshold, and queues a fresh reply job for each. Every attempt
// carries a brand-new idempotency key so a stale record from the original
// delivery cannot block the retry; an in-flight guard keyed by conversation
// prevents double processing when the normal path is merely slow.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/scheduler"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/google/uuid"
)

// Sweep configuration constants.
const (
	// DefaultInterval is the sweep period.
	DefaultInterval = 2 * time.Minute
	// DefaultStaleness is the minimum age of an unanswered inbound message
	// before the sweep picks it up.
	DefaultStaleness = 2 * time.Minute
	// locationPlaceholderContent matches the persisted text of a location
	// share that arrived without coordinates.
	locationPlaceholderContent = "[location share pending coordinates]"
)

// MessageFetcher retrieves the original inbound message from the transport,
// used to repair location shares that arrived without coordinates.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, transportMessageID string) (*models.InboundMessage, error)
}

// Sweeper periodically re-enqueues stuck conversations.
type Sweeper struct {
	store     store.Store
	jobs      store.JobRepo
	fetcher   MessageFetcher
	staleness time.Duration
	interval  time.Duration
	running   atomic.Bool
}

// Opts holds configuration for a Sweeper.
type Opts struct {
	Fetcher   MessageFetcher
	Staleness time.Duration
	Interval  time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithFetcher enables the location-repair path.
func WithFetcher(f MessageFetcher) Option {
	return func(o *Opts) { o.Fetcher = f }
}

// WithStaleness overrides the unanswered-message age threshold.
func WithStaleness(d time.Duration) Option {
	return func(o *Opts) { o.Staleness = d }
}

// WithInterval overrides the sweep period.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// NewSweeper creates a Sweeper over the given store and job queue.
func NewSweeper(st store.Store, jobs store.JobRepo, opts ...Option) *Sweeper {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{
		store:     st,
		jobs:      jobs,
		fetcher:   cfg.Fetcher,
		staleness: cfg.Staleness,
		interval:  cfg.Interval,
	}
}

// Schedule registers the sweep on the scheduler at the configured interval.
func (s *Sweeper) Schedule(sched *scheduler.Scheduler) error {
	expr := fmt.Sprintf("@every %s", s.interval)
	return sched.AddJob(expr, func() {
		if err := s.Sweep(context.Background()); err != nil {
			slog.Error("Sweeper.Schedule: sweep failed", "error", err)
		}
	})
}

// Sweep runs one pass. Overlapping invocations are skipped: if a sweep is
// still in progress the call returns immediately.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("Sweeper.Sweep: previous sweep still running, skipping")
		return nil
	}
	defer s.running.Store(false)

	cutoff := time.Now().Add(-s.staleness)
	convs, err := s.store.ListStaleConversations(cutoff)
	if err != nil {
		return fmt.Errorf("stale conversation scan failed: %w", err)
	}
	if len(convs) == 0 {
		return nil
	}
	slog.Info("Sweeper.Sweep: found stale conversations", "count", len(convs))

	var requeued int
	for i := range convs {
		conv := &convs[i]
		if conv.Status == models.ConversationStatusTransferred {
			continue
		}
		ok, err := s.recover(ctx, conv)
		if err != nil {
			slog.Error("Sweeper.Sweep: recovery failed for conversation", "conversationID", conv.ID, "error", err)
			continue
		}
		if ok {
			requeued++
		}
	}
	if requeued > 0 {
		slog.Info("Sweeper.Sweep: re-enqueued reply jobs", "count", requeued)
	}
	return nil
}

// recover re-enqueues one conversation. Returns false when the conversation
// was skipped because a reply job is already queued or running for it.
func (s *Sweeper) recover(ctx context.Context, conv *models.Conversation) (bool, error) {
	active, err := s.jobs.HasActiveJobForConversation(conv.CanonicalKey, string(models.JobKindReply))
	if err != nil {
		return false, fmt.Errorf("in-flight check failed: %w", err)
	}
	if active {
		slog.Debug("Sweeper.recover: reply job already in flight, skipping", "conversationID", conv.ID)
		return false, nil
	}

	last, err := s.store.LastMessage(conv.ID)
	if err != nil {
		return false, fmt.Errorf("last message lookup failed: %w", err)
	}
	if last == nil || last.Role != models.RoleUser {
		// The conversation was answered between the scan and now.
		return false, nil
	}

	text := s.repairIfPlaceholder(ctx, conv, last)

	payload, err := marshalReplyPayload(models.ReplyJobPayload{
		ConversationKey:    conv.CanonicalKey,
		MessageText:        text,
		TransportMessageID: last.TransportMessageID,
		Recovered:          true,
	})
	if err != nil {
		return false, err
	}

	// A fresh key per attempt: the original inbound id may already hold a
	// completed idempotency record that would turn this enqueue into a no-op.
	jobID, err := s.jobs.EnqueueJob(store.EnqueueParams{
		Kind:            string(models.JobKindReply),
		PayloadJSON:     payload,
		DedupeKey:       "recovery:" + uuid.NewString(),
		Priority:        models.PriorityNormal,
		ConversationKey: conv.CanonicalKey,
	})
	if err != nil {
		return false, fmt.Errorf("recovery enqueue failed: %w", err)
	}
	slog.Info("Sweeper.recover: re-enqueued stuck conversation", "conversationID", conv.ID, "jobID", jobID)
	return true, nil
}

// repairIfPlaceholder fetches the original transport message when the stuck
// message is a location share without coordinates, so the recovered reply has
// them available. Falls back to the stored text on any failure.
func (s *Sweeper) repairIfPlaceholder(ctx context.Context, conv *models.Conversation, last *models.Message) string {
	if s.fetcher == nil || last.MediaKind != models.MediaKindLocation || last.Content != locationPlaceholderContent || last.TransportMessageID == "" {
		return last.Content
	}

	fetched, err := s.fetcher.FetchMessage(ctx, last.TransportMessageID)
	if err != nil || fetched == nil || fetched.LocationPlaceholder() {
		slog.Warn("Sweeper.repairIfPlaceholder: transport fetch failed, keeping placeholder", "conversationID", conv.ID, "error", err)
		return last.Content
	}
	repaired := fmt.Sprintf("[location] latitude=%.6f longitude=%.6f", fetched.Latitude, fetched.Longitude)
	slog.Info("Sweeper.repairIfPlaceholder: repaired location share", "conversationID", conv.ID, "transportMessageID", last.TransportMessageID)
	return repaired
}

func marshalReplyPayload(p models.ReplyJobPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("recovery payload marshal failed: %w", err)
	}
	return string(b), nil
}
