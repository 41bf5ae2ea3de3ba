package rotation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/TucanoLabs/AtendeZap/internal/genai"
	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

type fakeProvider struct {
	mu             sync.Mutex
	summary        string
	summaryErr     error
	summarizeGate  chan struct{} // when set, Summarize blocks until closed
	summarizeEnter chan struct{} // when set, closed on first Summarize entry

	createCalls int
	lastSeed    []genai.Turn
}

func (p *fakeProvider) Summarize(ctx context.Context, transcript []genai.Turn) (string, error) {
	p.mu.Lock()
	enter := p.summarizeEnter
	gate := p.summarizeGate
	p.summarizeEnter = nil
	p.mu.Unlock()
	if enter != nil {
		close(enter)
	}
	if gate != nil {
		<-gate
	}
	return p.summary, p.summaryErr
}

func (p *fakeProvider) CreateContext(ctx context.Context, seed []genai.Turn) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	p.lastSeed = append([]genai.Turn(nil), seed...)
	return util.GenerateThreadHandle(), nil
}

func seedConversation(t *testing.T, st *store.InMemoryStore, msgCount int, stateChanging ...int) (*models.Conversation, *models.ContextEpoch) {
	t.Helper()
	now := time.Now().Add(-time.Hour)
	conv := &models.Conversation{
		ID:             util.GenerateConversationID(),
		CanonicalKey:   "5524999207033",
		Assistant:      "support",
		Status:         models.ConversationStatusActive,
		ContextHandle:  util.GenerateThreadHandle(),
		ContactName:    "Ana",
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateConversation(conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	epoch := &models.ContextEpoch{
		ID:             util.GenerateEpochID(),
		ConversationID: conv.ID,
		Handle:         conv.ContextHandle,
		CreatedAt:      now,
	}
	if err := st.CreateEpoch(epoch); err != nil {
		t.Fatalf("create epoch: %v", err)
	}

	critical := make(map[int]bool)
	for _, i := range stateChanging {
		critical[i] = true
	}
	for i := 0; i < msgCount; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msg := &models.Message{
			ID:             util.GenerateMessageID(),
			ConversationID: conv.ID,
			Role:           role,
			Content:        content(i),
			StateChanging:  critical[i],
			CreatedAt:      now.Add(time.Duration(i+1) * time.Second),
		}
		if err := st.AddMessage(msg); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}
	return conv, epoch
}

func content(i int) string {
	return "message number " + string(rune('A'+i%26))
}

func TestRotateIfNeededBelowThreshold(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := &fakeProvider{summary: "summary"}
	mgr := NewManager(st, provider, 10)

	conv, _ := seedConversation(t, st, 4)
	rotated, err := mgr.RotateIfNeeded(context.Background(), conv)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated {
		t.Error("rotated below threshold")
	}
	if provider.createCalls != 0 {
		t.Errorf("provider contexts created = %d, want 0", provider.createCalls)
	}
}

func TestRotateIfNeededRotates(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := &fakeProvider{summary: "customer asking about a refund"}
	mgr := NewManager(st, provider, 6)

	conv, oldEpoch := seedConversation(t, st, 6, 2, 4)
	oldHandle := conv.ContextHandle

	rotated, err := mgr.RotateIfNeeded(context.Background(), conv)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatal("expected rotation at threshold")
	}
	if conv.ContextHandle == oldHandle {
		t.Error("conversation handle not replaced")
	}
	if conv.Summary != "customer asking about a refund" {
		t.Errorf("conversation summary = %q", conv.Summary)
	}

	// Old epoch closed with reason and preserved ids; new epoch active.
	active, err := st.GetActiveEpoch(conv.ID)
	if err != nil {
		t.Fatalf("active epoch: %v", err)
	}
	if active == nil || active.ID == oldEpoch.ID {
		t.Fatalf("active epoch not replaced: %+v", active)
	}
	if active.Handle != conv.ContextHandle {
		t.Error("new epoch handle does not match conversation handle")
	}

	// Seed: synthetic summary turn first, then the two preserved messages
	// verbatim in original order with original roles.
	if len(provider.lastSeed) != 3 {
		t.Fatalf("seed length = %d, want 3", len(provider.lastSeed))
	}
	if provider.lastSeed[0].Role != genai.RoleSystem || !strings.Contains(provider.lastSeed[0].Content, "refund") {
		t.Errorf("seed[0] = %+v, want system summary turn", provider.lastSeed[0])
	}
	if !strings.Contains(provider.lastSeed[0].Content, "Ana") {
		t.Error("seed summary turn does not restate client identity")
	}
	if provider.lastSeed[1].Role != genai.RoleUser || provider.lastSeed[1].Content != content(2) {
		t.Errorf("seed[1] = %+v, want preserved user message", provider.lastSeed[1])
	}
	if provider.lastSeed[2].Role != genai.RoleUser || provider.lastSeed[2].Content != content(4) {
		t.Errorf("seed[2] = %+v, want preserved user message", provider.lastSeed[2])
	}

	// Stored conversation carries the new handle too.
	stored, _ := st.GetConversationByKey(conv.CanonicalKey)
	if stored.ContextHandle != conv.ContextHandle {
		t.Error("stored conversation handle not updated")
	}
}

func TestRotateSummaryFailureFallsBack(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := &fakeProvider{summaryErr: errors.New("provider down")}
	mgr := NewManager(st, provider, 4)

	conv, _ := seedConversation(t, st, 4)
	rotated, err := mgr.RotateIfNeeded(context.Background(), conv)
	if err != nil {
		t.Fatalf("rotate with failing summary: %v", err)
	}
	if !rotated {
		t.Fatal("rotation must complete despite summary failure")
	}
	if !strings.Contains(conv.Summary, "Ana") || !strings.Contains(conv.Summary, "4 messages") {
		t.Errorf("fallback summary = %q", conv.Summary)
	}
}

func TestRunRotationStaleEpochDoesNotRotateAgain(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := &fakeProvider{summary: "order status question"}
	mgr := NewManager(st, provider, 4)

	conv, firstEpoch := seedConversation(t, st, 4)
	rotated, err := mgr.RotateIfNeeded(context.Background(), conv)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatal("expected initial rotation")
	}
	handleAfterFirst := conv.ContextHandle

	// A caller that passed the threshold check against the now-closed epoch
	// must observe the finished rotation instead of rotating a second time.
	rotated, err = mgr.runRotation(context.Background(), conv, firstEpoch.ID)
	if err != nil {
		t.Fatalf("stale rotation attempt: %v", err)
	}
	if rotated {
		t.Error("rotated against an already-closed epoch")
	}
	if provider.createCalls != 1 {
		t.Errorf("provider contexts created = %d, want exactly 1", provider.createCalls)
	}
	if conv.ContextHandle != handleAfterFirst {
		t.Errorf("conversation handle changed to %q after stale attempt", conv.ContextHandle)
	}

	active, err := st.GetActiveEpoch(conv.ID)
	if err != nil {
		t.Fatalf("active epoch: %v", err)
	}
	if active == nil || active.Handle != handleAfterFirst {
		t.Fatalf("active epoch disturbed by stale attempt: %+v", active)
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("ã", 10)
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated string missing ellipsis: %q", got)
	}
	if want := "ãã…"; got != want {
		t.Errorf("truncate = %q, want %q", got, want)
	}

	if got := truncate("curto", 280); got != "curto" {
		t.Errorf("short string altered: %q", got)
	}
}

func TestRotateConcurrentCallersShareOneRotation(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := &fakeProvider{
		summary:        "shared",
		summarizeGate:  make(chan struct{}),
		summarizeEnter: make(chan struct{}),
	}
	enter := provider.summarizeEnter
	gate := provider.summarizeGate
	mgr := NewManager(st, provider, 4)

	conv, _ := seedConversation(t, st, 4)
	convCopy := *conv

	results := make(chan bool, 2)
	errs := make(chan error, 2)
	go func() {
		rotated, err := mgr.RotateIfNeeded(context.Background(), conv)
		results <- rotated
		errs <- err
	}()
	<-enter // first rotation is now in flight, blocked in Summarize

	go func() {
		rotated, err := mgr.RotateIfNeeded(context.Background(), &convCopy)
		results <- rotated
		errs <- err
	}()
	// Give the second caller time to reach the in-flight join.
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent rotate: %v", err)
		}
		if !<-results {
			t.Error("caller did not observe the rotation")
		}
	}
	if provider.createCalls != 1 {
		t.Errorf("provider contexts created = %d, want exactly 1", provider.createCalls)
	}
}
