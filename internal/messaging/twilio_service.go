package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

// TwilioOption defines a configuration option for the Twilio transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// TwilioService implements Service using the Twilio REST API. Inbound messages
// arrive through WebhookHandler; FetchMessage supports the recovery repair
// path.
type TwilioService struct {
	client    *twilio.RestClient
	fromWhats string
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioService config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioService{
		client:    client,
		fromWhats: cfg.FromWhats,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op; inbound traffic arrives via WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.responses)
	}()
	return nil
}

// SendMessage sends a WhatsApp message through the Twilio API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + canonical)
	params.SetFrom(s.fromWhats)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioService.SendMessage failed", "to", canonical, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	slog.Debug("TwilioService message sent", "to", canonical)
	return nil
}

// Responses returns the channel of inbound webhook events.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// FetchMessage retrieves a previously delivered message from the Twilio API by
// its SID. Used by the recovery sweep to repair location shares that arrived
// without coordinates.
func (s *TwilioService) FetchMessage(ctx context.Context, transportMessageID string) (*models.InboundMessage, error) {
	msg, err := s.client.Api.FetchMessage(transportMessageID, &twilioApi.FetchMessageParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", transportMessageID, err)
	}

	inbound := &models.InboundMessage{
		TransportMessageID: transportMessageID,
	}
	if msg.From != nil {
		inbound.From = *msg.From
	}
	if msg.Body != nil {
		inbound.Body = *msg.Body
		if lat, lon, ok := parseLatLon(*msg.Body); ok {
			inbound.MediaKind = models.MediaKindLocation
			inbound.Latitude = lat
			inbound.Longitude = lon
		}
	}
	return inbound, nil
}

// WebhookHandler handles inbound Twilio webhook requests, translating form
// fields into an InboundMessage on the responses channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: form parse failed", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	if from == "" {
		slog.Warn("TwilioService.WebhookHandler: missing From field")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	inbound := models.InboundMessage{
		From:               from,
		Body:               r.FormValue("Body"),
		TransportMessageID: r.FormValue("MessageSid"),
		Timestamp:          time.Now(),
	}
	if lat := r.FormValue("Latitude"); lat != "" {
		inbound.MediaKind = models.MediaKindLocation
		inbound.Latitude, _ = strconv.ParseFloat(lat, 64)
		inbound.Longitude, _ = strconv.ParseFloat(r.FormValue("Longitude"), 64)
	} else if mediaURL := r.FormValue("MediaUrl0"); mediaURL != "" {
		inbound.MediaKind = mediaKindFromContentType(r.FormValue("MediaContentType0"))
		inbound.MediaURL = mediaURL
	}

	s.safeEmit(inbound)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) safeEmit(inbound models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", inbound.From)
		return
	}

	select {
	case s.responses <- inbound:
		slog.Debug("TwilioService emitted inbound message", "from", inbound.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", inbound.From)
	}
}

// mediaKindFromContentType maps a MIME type prefix to the internal media kind.
func mediaKindFromContentType(contentType string) models.MediaKind {
	switch {
	case len(contentType) >= 5 && contentType[:5] == "image":
		return models.MediaKindImage
	case len(contentType) >= 5 && contentType[:5] == "audio":
		return models.MediaKindAudio
	default:
		return models.MediaKindDocument
	}
}

// parseLatLon extracts "latitude,longitude" coordinates from a message body.
func parseLatLon(body string) (float64, float64, bool) {
	var lat, lon float64
	if _, err := fmt.Sscanf(body, "%f,%f", &lat, &lon); err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
