package recovery

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

type fakeFetcher struct {
	msg   *models.InboundMessage
	err   error
	calls int
}

func (f *fakeFetcher) FetchMessage(ctx context.Context, transportMessageID string) (*models.InboundMessage, error) {
	f.calls++
	return f.msg, f.err
}

func addConversation(t *testing.T, st *store.InMemoryStore, key string, status models.ConversationStatus) *models.Conversation {
	t.Helper()
	now := time.Now().Add(-time.Hour)
	conv := &models.Conversation{
		ID:             util.GenerateConversationID(),
		CanonicalKey:   key,
		Assistant:      "support",
		Status:         status,
		ContextHandle:  util.GenerateThreadHandle(),
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateConversation(conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func addInbound(t *testing.T, st *store.InMemoryStore, conv *models.Conversation, content string, age time.Duration) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:                 util.GenerateMessageID(),
		ConversationID:     conv.ID,
		Role:               models.RoleUser,
		Content:            content,
		TransportMessageID: "wamid." + msg8(conv.CanonicalKey),
		CreatedAt:          time.Now().Add(-age),
	}
	if err := st.AddMessage(msg); err != nil {
		t.Fatalf("add message: %v", err)
	}
	return msg
}

func msg8(s string) string {
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

func claimReplies(t *testing.T, st *store.InMemoryStore) []store.Job {
	t.Helper()
	jobs, err := st.ClaimDueJobs(time.Now().Add(time.Second), string(models.JobKindReply), 100)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return jobs
}

func TestSweepRequeuesStuckConversation(t *testing.T) {
	st := store.NewInMemoryStore()
	sweeper := NewSweeper(st, st)

	conv := addConversation(t, st, "5524999207033", models.ConversationStatusActive)
	addInbound(t, st, conv, "anyone there?", 5*time.Minute)

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	jobs := claimReplies(t, st)
	if len(jobs) != 1 {
		t.Fatalf("re-enqueued %d jobs, want 1", len(jobs))
	}
	var payload models.ReplyJobPayload
	if err := json.Unmarshal([]byte(jobs[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if !payload.Recovered || payload.MessageText != "anyone there?" {
		t.Errorf("payload = %+v", payload)
	}
	if !strings.HasPrefix(jobs[0].DedupeKey, "recovery:") {
		t.Errorf("dedupe key = %q, want a fresh recovery key", jobs[0].DedupeKey)
	}
}

func TestSweepSkipsTransferredAndAnswered(t *testing.T) {
	st := store.NewInMemoryStore()
	sweeper := NewSweeper(st, st)

	transferred := addConversation(t, st, "5511111111111", models.ConversationStatusTransferred)
	addInbound(t, st, transferred, "help", 10*time.Minute)

	answered := addConversation(t, st, "5522222222222", models.ConversationStatusActive)
	addInbound(t, st, answered, "hello", 10*time.Minute)
	if err := st.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: answered.ID,
		Role: models.RoleAssistant, Content: "hi!", CreatedAt: time.Now().Add(-9 * time.Minute),
	}); err != nil {
		t.Fatalf("add reply: %v", err)
	}

	fresh := addConversation(t, st, "5533333333333", models.ConversationStatusActive)
	addInbound(t, st, fresh, "just now", 10*time.Second)

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if jobs := claimReplies(t, st); len(jobs) != 0 {
		t.Errorf("sweep touched %d conversations, want 0", len(jobs))
	}
}

func TestSweepSkipsConversationWithActiveJob(t *testing.T) {
	st := store.NewInMemoryStore()
	sweeper := NewSweeper(st, st)

	conv := addConversation(t, st, "5524999207033", models.ConversationStatusActive)
	addInbound(t, st, conv, "slow pipeline", 5*time.Minute)

	// The normal path already queued a reply; the sweep must not double it.
	if _, err := st.EnqueueJob(store.EnqueueParams{
		Kind:            string(models.JobKindReply),
		PayloadJSON:     `{}`,
		ConversationKey: conv.CanonicalKey,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if jobs := claimReplies(t, st); len(jobs) != 1 {
		t.Errorf("jobs after sweep = %d, want only the original", len(jobs))
	}
}

func TestSweepEachPassUsesFreshKey(t *testing.T) {
	st := store.NewInMemoryStore()
	sweeper := NewSweeper(st, st)

	conv := addConversation(t, st, "5524999207033", models.ConversationStatusActive)
	addInbound(t, st, conv, "still waiting", 10*time.Minute)

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	first := claimReplies(t, st)
	if len(first) != 1 {
		t.Fatalf("first sweep enqueued %d jobs, want 1", len(first))
	}
	// Simulate the recovered job failing permanently, then the next sweep.
	if err := st.CompleteJob(first[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	second := claimReplies(t, st)
	if len(second) != 1 {
		t.Fatalf("second sweep enqueued %d jobs, want 1", len(second))
	}
	if second[0].DedupeKey == first[0].DedupeKey {
		t.Error("recovery attempts reused an idempotency key")
	}
}

func TestSweepRepairsLocationPlaceholder(t *testing.T) {
	st := store.NewInMemoryStore()
	fetcher := &fakeFetcher{msg: &models.InboundMessage{
		MediaKind: models.MediaKindLocation,
		Latitude:  -22.906847,
		Longitude: -43.172896,
	}}
	sweeper := NewSweeper(st, st, WithFetcher(fetcher))

	conv := addConversation(t, st, "5524999207033", models.ConversationStatusActive)
	msg := &models.Message{
		ID:                 util.GenerateMessageID(),
		ConversationID:     conv.ID,
		Role:               models.RoleUser,
		Content:            locationPlaceholderContent,
		MediaKind:          models.MediaKindLocation,
		TransportMessageID: "wamid.loc1",
		CreatedAt:          time.Now().Add(-5 * time.Minute),
	}
	if err := st.AddMessage(msg); err != nil {
		t.Fatalf("add placeholder: %v", err)
	}

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetcher calls = %d, want 1", fetcher.calls)
	}

	jobs := claimReplies(t, st)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	var payload models.ReplyJobPayload
	json.Unmarshal([]byte(jobs[0].PayloadJSON), &payload)
	if !strings.Contains(payload.MessageText, "-22.906847") {
		t.Errorf("payload text = %q, want repaired coordinates", payload.MessageText)
	}
}

func TestSweepOverlapSkipped(t *testing.T) {
	st := store.NewInMemoryStore()
	sweeper := NewSweeper(st, st)

	conv := addConversation(t, st, "5524999207033", models.ConversationStatusActive)
	addInbound(t, st, conv, "waiting", 5*time.Minute)

	// Mark a sweep as in progress; the next invocation must return without
	// touching the queue.
	sweeper.running.Store(true)
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("overlapping sweep: %v", err)
	}
	if jobs := claimReplies(t, st); len(jobs) != 0 {
		t.Errorf("overlapping sweep enqueued %d jobs, want 0", len(jobs))
	}
}
