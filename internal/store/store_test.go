package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "atendezap_test.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeConversation(key string) *models.Conversation {
	now := time.Now()
	return &models.Conversation{
		ID:             util.GenerateConversationID(),
		CanonicalKey:   key,
		Assistant:      "support",
		Status:         models.ConversationStatusActive,
		ContextHandle:  util.GenerateThreadHandle(),
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	c := makeConversation("5524999207033")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	got, err := s.GetConversationByKey("5524999207033")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got == nil {
		t.Fatal("conversation not found after create")
	}
	if got.ID != c.ID || got.Status != models.ConversationStatusActive {
		t.Errorf("round trip mismatch: got %+v", got)
	}

	got.Status = models.ConversationStatusTransferred
	got.NeedsAttention = true
	got.LastFailure = "provider exhausted retries"
	if err := s.UpdateConversation(got); err != nil {
		t.Fatalf("update conversation: %v", err)
	}

	updated, err := s.GetConversationByKey("5524999207033")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if updated.Status != models.ConversationStatusTransferred || !updated.NeedsAttention || updated.LastFailure == "" {
		t.Errorf("update not persisted: %+v", updated)
	}

	missing, err := s.GetConversationByKey("5500000000000")
	if err != nil {
		t.Fatalf("get missing conversation: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown canonical key")
	}
}

func TestAddMessageDedup(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := makeConversation("5524999207033")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	m := &models.Message{
		ID:                 util.GenerateMessageID(),
		ConversationID:     c.ID,
		Role:               models.RoleUser,
		Content:            "oi, preciso de ajuda",
		TransportMessageID: "wamid.abc123",
		CreatedAt:          time.Now(),
	}
	if err := s.AddMessage(m); err != nil {
		t.Fatalf("add message: %v", err)
	}

	dup := *m
	dup.ID = util.GenerateMessageID()
	if err := s.AddMessage(&dup); !errors.Is(err, models.ErrDuplicateMessage) {
		t.Fatalf("duplicate add error = %v, want ErrDuplicateMessage", err)
	}

	n, err := s.CountMessagesSince(c.ID, time.Time{})
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestMessageOrderingAndLast(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := makeConversation("5524999207033")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third"} {
		role := models.RoleUser
		if i == 1 {
			role = models.RoleAssistant
		}
		m := &models.Message{
			ID:             util.GenerateMessageID(),
			ConversationID: c.ID,
			Role:           role,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AddMessage(m); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessagesSince(c.ID, base)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Errorf("unexpected ordering: %+v", msgs)
	}

	last, err := s.LastMessage(c.ID)
	if err != nil {
		t.Fatalf("last message: %v", err)
	}
	if last == nil || last.Content != "third" {
		t.Errorf("last message = %+v, want third", last)
	}

	since, err := s.ListMessagesSince(c.ID, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 1 || since[0].Content != "third" {
		t.Errorf("since filter returned %+v", since)
	}
}

func TestEpochLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := makeConversation("5524999207033")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	e := &models.ContextEpoch{
		ID:             util.GenerateEpochID(),
		ConversationID: c.ID,
		Handle:         c.ContextHandle,
		CreatedAt:      time.Now(),
	}
	if err := s.CreateEpoch(e); err != nil {
		t.Fatalf("create epoch: %v", err)
	}

	active, err := s.GetActiveEpoch(c.ID)
	if err != nil {
		t.Fatalf("get active epoch: %v", err)
	}
	if active == nil || active.ID != e.ID {
		t.Fatalf("active epoch = %+v, want %s", active, e.ID)
	}

	preserved := []string{"msg_a", "msg_b"}
	if err := s.CloseEpoch(e.ID, models.EpochCloseReasonRotation, "summary text", preserved, time.Now()); err != nil {
		t.Fatalf("close epoch: %v", err)
	}

	active, err = s.GetActiveEpoch(c.ID)
	if err != nil {
		t.Fatalf("get active after close: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active epoch after close, got %+v", active)
	}

	next := &models.ContextEpoch{
		ID:             util.GenerateEpochID(),
		ConversationID: c.ID,
		Handle:         util.GenerateThreadHandle(),
		CreatedAt:      time.Now(),
	}
	if err := s.CreateEpoch(next); err != nil {
		t.Fatalf("create second epoch: %v", err)
	}
	active, err = s.GetActiveEpoch(c.ID)
	if err != nil {
		t.Fatalf("get second active epoch: %v", err)
	}
	if active == nil || active.ID != next.ID {
		t.Errorf("active epoch after rotation = %+v, want %s", active, next.ID)
	}
}

func TestListStaleConversations(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now()

	// Stale: last message inbound, 5 minutes old.
	stale := makeConversation("5511111111111")
	s.CreateConversation(stale)
	s.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: stale.ID,
		Role: models.RoleUser, Content: "anyone there?", CreatedAt: now.Add(-5 * time.Minute),
	})

	// Answered: last message is an assistant reply.
	answered := makeConversation("5522222222222")
	s.CreateConversation(answered)
	s.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: answered.ID,
		Role: models.RoleUser, Content: "hello", CreatedAt: now.Add(-10 * time.Minute),
	})
	s.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: answered.ID,
		Role: models.RoleAssistant, Content: "hi!", CreatedAt: now.Add(-9 * time.Minute),
	})

	// Fresh: inbound but within the threshold.
	fresh := makeConversation("5533333333333")
	s.CreateConversation(fresh)
	s.AddMessage(&models.Message{
		ID: util.GenerateMessageID(), ConversationID: fresh.ID,
		Role: models.RoleUser, Content: "just sent", CreatedAt: now.Add(-10 * time.Second),
	})

	got, err := s.ListStaleConversations(now.Add(-2 * time.Minute))
	if err != nil {
		t.Fatalf("list stale conversations: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Errorf("stale conversations = %+v, want only %s", got, stale.ID)
	}
}
