package messaging

import (
	"context"
	"sync"

	"github.com/TucanoLabs/AtendeZap/internal/models"
)

// MockService implements Service in memory for tests.
type MockService struct {
	mu        sync.Mutex
	Sent      []SentMessage
	SendErr   error
	responses chan models.InboundMessage
}

// SentMessage records one outbound send.
type SentMessage struct {
	To   string
	Body string
}

// NewMockService creates an empty mock transport.
func NewMockService() *MockService {
	return &MockService{
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.responses)
	return nil
}

func (m *MockService) Responses() <-chan models.InboundMessage {
	return m.responses
}

// EmitInbound injects an inbound message, simulating a transport event.
func (m *MockService) EmitInbound(in models.InboundMessage) {
	m.responses <- in
}

// SentCount returns the number of recorded sends.
func (m *MockService) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
