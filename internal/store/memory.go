// Package store provides storage backends for AtendeZap.
//
// This file implements an in-memory store used by tests and ephemeral runs.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/util"
)

// Compile-time checks that InMemoryStore implements Store and JobRepo.
var (
	_ Store   = (*InMemoryStore)(nil)
	_ JobRepo = (*InMemoryStore)(nil)
)

// InMemoryStore keeps all records in process memory. Safe for concurrent use.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation // by ID
	byKey         map[string]string               // canonical key -> conversation ID
	messages      []models.Message
	epochs        map[string]*models.ContextEpoch
	jobs          map[string]*Job
	jobOrder      []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		byKey:         make(map[string]string),
		epochs:        make(map[string]*models.ContextEpoch),
		jobs:          make(map[string]*Job),
	}
}

func (s *InMemoryStore) GetConversationByKey(key string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	c := *s.conversations[id]
	return &c, nil
}

func (s *InMemoryStore) CreateConversation(c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conversations[c.ID] = &cp
	s.byKey[c.CanonicalKey] = c.ID
	return nil
}

func (s *InMemoryStore) UpdateConversation(c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; !ok {
		return models.ErrConversationNotFound
	}
	c.UpdatedAt = time.Now()
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) AddMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.TransportMessageID != "" {
		for _, existing := range s.messages {
			if existing.ConversationID == m.ConversationID && existing.TransportMessageID == m.TransportMessageID {
				return models.ErrDuplicateMessage
			}
		}
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *InMemoryStore) ListMessagesSince(conversationID string, since time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !m.CreatedAt.Before(since) {
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *InMemoryStore) CountMessagesSince(conversationID string, since time.Time) (int, error) {
	msgs, err := s.ListMessagesSince(conversationID, since)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (s *InMemoryStore) LastMessage(conversationID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *models.Message
	for i := range s.messages {
		m := s.messages[i]
		if m.ConversationID != conversationID {
			continue
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) {
			cp := m
			last = &cp
		}
	}
	return last, nil
}

func (s *InMemoryStore) GetMessage(id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			cp := s.messages[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetMessageByTransportID(conversationID, transportMessageID string) (*models.Message, error) {
	if transportMessageID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ConversationID == conversationID && s.messages[i].TransportMessageID == transportMessageID {
			cp := s.messages[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateEpoch(e *models.ContextEpoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.epochs[e.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetActiveEpoch(conversationID string) (*models.ContextEpoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.epochs {
		if e.ConversationID == conversationID && e.Open() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CloseEpoch(id string, reason models.EpochCloseReason, summary string, preservedIDs []string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[id]
	if !ok || !e.Open() {
		return nil
	}
	e.CloseReason = reason
	e.Summary = summary
	e.PreservedMessageIDs = append([]string(nil), preservedIDs...)
	e.ClosedAt = &closedAt
	return nil
}

func (s *InMemoryStore) ListStaleConversations(olderThan time.Time) ([]models.Conversation, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	var stale []models.Conversation
	for _, id := range ids {
		last, err := s.LastMessage(id)
		if err != nil {
			return nil, err
		}
		if last == nil || last.Role != models.RoleUser || !last.CreatedAt.Before(olderThan) {
			continue
		}
		s.mu.Lock()
		c := *s.conversations[id]
		s.mu.Unlock()
		stale = append(stale, c)
	}
	return stale, nil
}

// Job queue implementation.

func (s *InMemoryStore) EnqueueJob(p EnqueueParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.DedupeKey != "" {
		for _, id := range s.jobOrder {
			j := s.jobs[id]
			if j.DedupeKey == p.DedupeKey && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}

	id := util.GenerateRandomID("job_", 32)
	s.jobs[id] = &Job{
		ID:              id,
		Kind:            p.Kind,
		RunAt:           p.RunAt,
		PayloadJSON:     p.PayloadJSON,
		Status:          JobStatusQueued,
		Priority:        p.Priority,
		MaxAttempts:     p.MaxAttempts,
		DedupeKey:       p.DedupeKey,
		ConversationKey: p.ConversationKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.jobOrder = append(s.jobOrder, id)
	return id, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, kind string, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status == JobStatusQueued && j.Kind == kind && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	// Priority then FIFO; jobOrder already preserves enqueue order.
	sort.SliceStable(due, func(i, j int) bool { return due[i].Priority < due[j].Priority })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = JobStatusRunning
		t := now
		j.LockedAt = &t
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) HasActiveJobForConversation(conversationKey string, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ConversationKey == conversationKey && j.Kind == kind &&
			(j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
			return true, nil
		}
	}
	return false, nil
}
