// Package api provides the HTTP surface for AtendeZap.
//
// It exposes the transport-agnostic inbound webhook, the survey hook used by
// the dashboard's resolve/transfer actions, and a health endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/identity"
	"github.com/TucanoLabs/AtendeZap/internal/models"
)

// Server configuration constants.
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultReadTimeout bounds request reads.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds response writes.
	DefaultWriteTimeout = 15 * time.Second
)

// InboundHandler processes one transport event through the pipeline.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in models.InboundMessage) error
}

// SurveyEnqueuer queues a satisfaction survey for a conversation.
type SurveyEnqueuer interface {
	EnqueueSurvey(conversationKey, assistant string) (string, error)
}

// Pipeline is the slice of the processor the server needs.
type Pipeline interface {
	InboundHandler
	SurveyEnqueuer
}

// Server hosts the HTTP endpoints.
type Server struct {
	pipeline Pipeline
	mux      *http.ServeMux
	server   *http.Server
}

// NewServer creates a Server bound to the given address. An empty address
// selects DefaultAddr.
func NewServer(addr string, pipeline Pipeline) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		pipeline: pipeline,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/webhook", s.webhookHandler)
	s.mux.HandleFunc("/survey", s.surveyHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	return s
}

// Handle mounts an additional handler, e.g. a transport-specific webhook.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("Server.Start: API listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: listen failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// webhookHandler accepts a JSON-encoded inbound message and runs it through
// the pipeline. Duplicate deliveries are a success: the pipeline drops them.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}

	var in models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if in.TransportMessageID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("transport_message_id is required"))
		return
	}

	if err := s.pipeline.HandleInbound(r.Context(), in); err != nil {
		if errors.Is(err, identity.ErrCannotNormalize) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unresolvable sender: %v", err)))
			return
		}
		slog.Error("Server.webhookHandler: inbound processing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// surveyRequest is the body of POST /survey.
type surveyRequest struct {
	ConversationKey string `json:"conversation_key"`
	Assistant       string `json:"assistant,omitempty"`
}

// surveyHandler enqueues a survey-dispatch job for a conversation.
func (s *Server) surveyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}

	var req surveyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.ConversationKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_key is required"))
		return
	}

	jobID, err := s.pipeline.EnqueueSurvey(req.ConversationKey, req.Assistant)
	if err != nil {
		slog.Error("Server.surveyHandler: enqueue failed", "conversationKey", req.ConversationKey, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to enqueue survey"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Queued(jobID))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
