package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/breaker"
	"github.com/TucanoLabs/AtendeZap/internal/genai"
	"github.com/TucanoLabs/AtendeZap/internal/identity"
	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/rotation"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

type fakeProvider struct {
	mu            sync.Mutex
	known         map[string]bool
	reply         string
	completeCalls int
	createCalls   int
	lastSeed      []genai.Turn
}

func newFakeProvider(reply string) *fakeProvider {
	return &fakeProvider{known: make(map[string]bool), reply: reply}
}

func (f *fakeProvider) CreateContext(ctx context.Context, seed []genai.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := util.GenerateThreadHandle()
	f.known[handle] = true
	f.createCalls++
	f.lastSeed = append([]genai.Turn(nil), seed...)
	return handle, nil
}

func (f *fakeProvider) Complete(ctx context.Context, handle, userText string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[handle] {
		return "", fmt.Errorf("%w: %s", genai.ErrUnknownContext, handle)
	}
	f.completeCalls++
	return f.reply, nil
}

func (f *fakeProvider) DescribeMedia(ctx context.Context, kind, mediaURL, caption string) (string, error) {
	return "a photo of a damaged package", nil
}

func (f *fakeProvider) Summarize(ctx context.Context, transcript []genai.Turn) (string, error) {
	return "short summary", nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to+"|"+body)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testEnv struct {
	store    *store.InMemoryStore
	provider *fakeProvider
	sender   *fakeSender
	proc     *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	provider := newFakeProvider("how can I help?")
	sender := &fakeSender{}
	proc := NewProcessor(Config{
		Store:            st,
		Jobs:             st,
		Provider:         provider,
		Rotator:          rotation.NewManager(st, provider, rotation.DefaultThreshold),
		Interactive:      breaker.New(breaker.Config{Name: "interactive"}, nil),
		Batch:            breaker.New(breaker.Config{Name: "batch"}, nil),
		Sender:           sender,
		Resolver:         identity.NewResolver(""),
		DefaultAssistant: "support",
	})
	return &testEnv{store: st, provider: provider, sender: sender, proc: proc}
}

func (e *testEnv) claimOne(t *testing.T, kind models.JobKind) store.Job {
	t.Helper()
	jobs, err := e.store.ClaimDueJobs(time.Now().Add(time.Second), string(kind), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d %s jobs, want 1", len(jobs), kind)
	}
	return jobs[0]
}

func TestInboundToReplyEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.proc.HandleInbound(ctx, models.InboundMessage{
		From:               "(24) 99920-7033",
		Body:               "cadê meu pedido?",
		TransportMessageID: "wamid.e2e1",
		Timestamp:          time.Now(),
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	conv, err := env.store.GetConversationByKey("5524999207033")
	if err != nil || conv == nil {
		t.Fatalf("conversation not created under canonical key: %v, %v", conv, err)
	}
	if conv.Status != models.ConversationStatusActive {
		t.Errorf("status = %s, want active", conv.Status)
	}

	job := env.claimOne(t, models.JobKindReply)
	if job.DedupeKey != "wamid.e2e1" {
		t.Errorf("job dedupe key = %q, want transport message id", job.DedupeKey)
	}
	if err := env.proc.HandleReplyJob(ctx, job.PayloadJSON); err != nil {
		t.Fatalf("reply job: %v", err)
	}

	if env.sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", env.sender.count())
	}
	if env.sender.sent[0] != "5524999207033|how can I help?" {
		t.Errorf("send = %q", env.sender.sent[0])
	}

	last, _ := env.store.LastMessage(conv.ID)
	if last == nil || last.Role != models.RoleAssistant || last.Content != "how can I help?" {
		t.Errorf("persisted reply = %+v", last)
	}
}

func TestInboundDuplicateDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := models.InboundMessage{
		From:               "24999207033",
		Body:               "oi",
		TransportMessageID: "wamid.dup",
		Timestamp:          time.Now(),
	}
	if err := env.proc.HandleInbound(ctx, in); err != nil {
		t.Fatalf("first inbound: %v", err)
	}
	if err := env.proc.HandleInbound(ctx, in); err != nil {
		t.Fatalf("duplicate inbound should be a no-op: %v", err)
	}

	conv, _ := env.store.GetConversationByKey("5524999207033")
	n, _ := env.store.CountMessagesSince(conv.ID, time.Time{})
	if n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	env.claimOne(t, models.JobKindReply) // exactly one job despite two deliveries
}

func TestInboundUnresolvableSenderDropped(t *testing.T) {
	env := newTestEnv(t)
	err := env.proc.HandleInbound(context.Background(), models.InboundMessage{
		From:               "123",
		Body:               "hello",
		TransportMessageID: "wamid.bad",
	})
	if !errors.Is(err, identity.ErrCannotNormalize) {
		t.Fatalf("error = %v, want ErrCannotNormalize", err)
	}
	if env.provider.createCalls != 0 {
		t.Error("conversation created for unresolvable sender")
	}
}

func TestInboundAliasSender(t *testing.T) {
	env := newTestEnv(t)
	err := env.proc.HandleInbound(context.Background(), models.InboundMessage{
		From:               "whatever",
		AliasID:            "lojadamaria",
		Body:               "oi",
		TransportMessageID: "wamid.alias",
		Timestamp:          time.Now(),
	})
	if err != nil {
		t.Fatalf("alias inbound: %v", err)
	}
	conv, _ := env.store.GetConversationByKey("biz:lojadamaria")
	if conv == nil {
		t.Fatal("alias conversation not created under biz: key")
	}
}

func TestReplyTransferredShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.proc.HandleInbound(ctx, models.InboundMessage{
		From: "24999207033", Body: "oi", TransportMessageID: "wamid.t1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	conv, _ := env.store.GetConversationByKey("5524999207033")
	conv.Status = models.ConversationStatusTransferred
	env.store.UpdateConversation(conv)

	job := env.claimOne(t, models.JobKindReply)
	if err := env.proc.HandleReplyJob(ctx, job.PayloadJSON); err != nil {
		t.Fatalf("reply job on transferred conversation: %v", err)
	}
	if env.sender.count() != 0 {
		t.Error("transferred conversation received an automated reply")
	}
	if env.provider.completeCalls != 0 {
		t.Error("provider called for transferred conversation")
	}
}

func TestReplyRetryResendsStoredReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.proc.HandleInbound(ctx, models.InboundMessage{
		From: "24999207033", Body: "oi", TransportMessageID: "wamid.r1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	job := env.claimOne(t, models.JobKindReply)

	// First attempt: completion succeeds but the send fails.
	env.sender.err = errors.New("transport down")
	if err := env.proc.HandleReplyJob(ctx, job.PayloadJSON); err == nil {
		t.Fatal("expected send failure")
	}
	if env.provider.completeCalls != 1 {
		t.Fatalf("completions = %d, want 1", env.provider.completeCalls)
	}

	// Retry: the stored reply is resent; no second completion is billed.
	env.sender.err = nil
	if err := env.proc.HandleReplyJob(ctx, job.PayloadJSON); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.provider.completeCalls != 1 {
		t.Errorf("completions after retry = %d, want still 1", env.provider.completeCalls)
	}
	if env.sender.count() != 1 {
		t.Errorf("sends = %d, want 1", env.sender.count())
	}
}

func TestReplyBackToBackInboundEachAnswered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, in := range []models.InboundMessage{
		{From: "24999207033", Body: "oi", TransportMessageID: "wamid.b1"},
		{From: "24999207033", Body: "tem novidade do pedido?", TransportMessageID: "wamid.b2"},
	} {
		in.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := env.proc.HandleInbound(ctx, in); err != nil {
			t.Fatalf("inbound %d: %v", i, err)
		}
	}

	jobs, err := env.store.ClaimDueJobs(time.Now().Add(time.Second), string(models.JobKindReply), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed %d reply jobs, want 2", len(jobs))
	}

	// The first job's persisted reply must not satisfy the second job: each
	// inbound message gets its own completion and its own send.
	for _, job := range jobs {
		if err := env.proc.HandleReplyJob(ctx, job.PayloadJSON); err != nil {
			t.Fatalf("reply job %s: %v", job.ID, err)
		}
	}
	if env.provider.completeCalls != 2 {
		t.Errorf("completions = %d, want 2", env.provider.completeCalls)
	}
	if env.sender.count() != 2 {
		t.Errorf("sends = %d, want 2", env.sender.count())
	}
}

func TestReplyRebuildsUnknownContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().Add(-time.Minute)

	// Conversation persisted by a previous process: its handle is unknown to
	// the current provider instance.
	conv := &models.Conversation{
		ID:             util.GenerateConversationID(),
		CanonicalKey:   "5524999207033",
		Assistant:      "support",
		Status:         models.ConversationStatusActive,
		ContextHandle:  "thread_stale",
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	env.store.CreateConversation(conv)
	env.store.CreateEpoch(&models.ContextEpoch{
		ID: util.GenerateEpochID(), ConversationID: conv.ID, Handle: "thread_stale", CreatedAt: now,
	})
	env.store.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: conv.ID,
		Role: models.RoleUser, Content: "meu pedido atrasou", CreatedAt: now.Add(time.Second),
	})
	env.store.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: conv.ID,
		Role: models.RoleUser, Content: "alguém aí?", TransportMessageID: "wamid.stale", CreatedAt: now.Add(2 * time.Second),
	})

	payload, _ := marshalPayload(models.ReplyJobPayload{
		ConversationKey:    "5524999207033",
		MessageText:        "alguém aí?",
		TransportMessageID: "wamid.stale",
	})
	if err := env.proc.HandleReplyJob(ctx, payload); err != nil {
		t.Fatalf("reply with stale handle: %v", err)
	}

	if env.provider.createCalls != 1 {
		t.Fatalf("context rebuilds = %d, want 1", env.provider.createCalls)
	}
	// Rebuild seed replays the history but not the pending user text, which
	// the completion call appends itself.
	var sawHistory bool
	for _, turn := range env.provider.lastSeed {
		if turn.Content == "alguém aí?" {
			t.Error("pending user text duplicated into rebuild seed")
		}
		if turn.Content == "meu pedido atrasou" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("rebuild seed missing prior history")
	}
	if env.sender.count() != 1 {
		t.Errorf("sends = %d, want 1", env.sender.count())
	}

	stored, _ := env.store.GetConversationByKey("5524999207033")
	if stored.ContextHandle == "thread_stale" {
		t.Error("conversation still points at the stale handle")
	}
}

func TestMediaJobChainsIntoReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.proc.HandleInbound(ctx, models.InboundMessage{
		From:               "24999207033",
		Body:               "chegou assim",
		MediaKind:          models.MediaKindImage,
		MediaURL:           "https://cdn.example/box.jpg",
		TransportMessageID: "wamid.m1",
		Timestamp:          time.Now(),
	})
	if err != nil {
		t.Fatalf("media inbound: %v", err)
	}

	mediaJob := env.claimOne(t, models.JobKindMediaAnalysis)
	if err := env.proc.HandleMediaJob(ctx, mediaJob.PayloadJSON); err != nil {
		t.Fatalf("media job: %v", err)
	}

	conv, _ := env.store.GetConversationByKey("5524999207033")
	last, _ := env.store.LastMessage(conv.ID)
	if last == nil || !strings.Contains(last.Content, "damaged package") {
		t.Errorf("annotation not persisted: %+v", last)
	}

	replyJob := env.claimOne(t, models.JobKindReply)
	if err := env.proc.HandleReplyJob(ctx, replyJob.PayloadJSON); err != nil {
		t.Fatalf("chained reply job: %v", err)
	}
	if env.sender.count() != 1 {
		t.Errorf("sends = %d, want 1", env.sender.count())
	}
}

func TestSurveyJobSendsSurvey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.proc.HandleInbound(ctx, models.InboundMessage{
		From: "24999207033", Body: "oi", TransportMessageID: "wamid.s1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	if _, err := env.proc.EnqueueSurvey("5524999207033", "support"); err != nil {
		t.Fatalf("enqueue survey: %v", err)
	}
	job := env.claimOne(t, models.JobKindSurvey)
	if err := env.proc.HandleSurveyJob(ctx, job.PayloadJSON); err != nil {
		t.Fatalf("survey job: %v", err)
	}
	if env.sender.count() != 1 || !strings.Contains(env.sender.sent[0], "nota de 1 a 5") {
		t.Errorf("survey send = %v", env.sender.sent)
	}
}

func TestPermanentFailureFlagsConversation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.proc.HandleInbound(context.Background(), models.InboundMessage{
		From: "24999207033", Body: "oi", TransportMessageID: "wamid.f1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	env.proc.NotifyPermanentFailure(store.Job{
		ID:              "job_x",
		Kind:            string(models.JobKindReply),
		Attempt:         3,
		ConversationKey: "5524999207033",
	}, "provider exhausted")

	conv, _ := env.store.GetConversationByKey("5524999207033")
	if !conv.NeedsAttention {
		t.Error("conversation not flagged after permanent failure")
	}
	if !strings.Contains(conv.LastFailure, "provider exhausted") {
		t.Errorf("last failure = %q", conv.LastFailure)
	}
}
