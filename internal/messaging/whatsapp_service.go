package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/identity"
	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/TucanoLabs/AtendeZap/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// aliasJIDServer is the JID namespace WhatsApp uses for business-alias
// identities. Senders from this namespace carry no phone number.
const aliasJIDServer = "lid"

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // access to underlying client for event handling
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	// Event handling needs the full client; mocks only implement the sender.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient accepts phone-number recipients and alias
// keys tagged with the business-alias prefix.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.HasPrefix(recipient, identity.AliasPrefix) {
		if recipient == identity.AliasPrefix {
			return "", models.ErrEmptyRecipient
		}
		return recipient, nil
	}
	return canonicalizePhone(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService.Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
	}
	return nil
}

// Stop stops background processing. The responses channel closes after a
// short delay so an event callback racing the shutdown drains through
// safeEmit's stopped check instead of hitting a closed channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	slog.Info("WhatsAppService.Stop invoked")
	s.stopped = true
	close(s.done)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.responses)
	}()
	return nil
}

// SendMessage sends a message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	// Alias recipients keep their namespace tag; the client maps it to the
	// alias JID server.
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage failed", "to", canonical, "error", err)
		return err
	}
	return nil
}

// Responses returns the channel of inbound events.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// handleEvents registers the whatsmeow event handler and feeds translated
// inbound messages into the responses channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		s.handleIncomingMessage(msg)
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents stopping due to context cancellation")
}

// handleIncomingMessage translates one whatsmeow message event and emits it.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	inbound, ok := translateMessage(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", evt.Info.Sender.String())
		return
	}
	s.safeEmit(inbound)
}

func (s *WhatsAppService) safeEmit(inbound models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", inbound.From)
		return
	}

	select {
	case s.responses <- inbound:
		slog.Debug("WhatsAppService inbound message forwarded", "from", inbound.From, "transportMessageID", inbound.TransportMessageID)
	case <-s.done:
		slog.Warn("WhatsAppService dropping inbound message (service stopping)", "from", inbound.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", inbound.From)
	}
}

// translateMessage maps a whatsmeow event to the transport-agnostic inbound
// shape. Returns false for message types the pipeline does not process.
func translateMessage(evt *events.Message) (models.InboundMessage, bool) {
	inbound := models.InboundMessage{
		From:               evt.Info.Sender.User,
		TransportMessageID: evt.Info.ID,
		Timestamp:          evt.Info.Timestamp,
	}
	if evt.Info.Sender.Server == aliasJIDServer {
		inbound.AliasID = evt.Info.Sender.User
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		inbound.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		inbound.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		inbound.MediaKind = models.MediaKindImage
		inbound.MediaURL = img.GetURL()
		inbound.Body = img.GetCaption()
	case msg.GetAudioMessage() != nil:
		inbound.MediaKind = models.MediaKindAudio
		inbound.MediaURL = msg.GetAudioMessage().GetURL()
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		inbound.MediaKind = models.MediaKindDocument
		inbound.MediaURL = doc.GetURL()
		inbound.Body = doc.GetCaption()
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		inbound.MediaKind = models.MediaKindLocation
		inbound.Latitude = loc.GetDegreesLatitude()
		inbound.Longitude = loc.GetDegreesLongitude()
	default:
		return models.InboundMessage{}, false
	}
	return inbound, true
}
