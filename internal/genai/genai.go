// Package genai wraps the OpenAI API behind conversation context handles.
//
// The completion API itself is stateless; a context handle names a
// process-local transcript that is replayed on every completion call. Handles
// do not survive a restart — callers that hold a stale handle receive
// ErrUnknownContext and are expected to rebuild the context from the
// conversation store.
package genai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/TucanoLabs/AtendeZap/internal/util"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrUnknownContext is returned when a context handle is not known to this
// process, typically after a restart.
var ErrUnknownContext = errors.New("unknown context handle")

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Default model configuration.
const (
	// DefaultModel handles interactive per-message completions.
	DefaultModel = openai.ChatModelGPT4o
	// DefaultSummaryModel handles cheap one-shot summaries and media analysis.
	DefaultSummaryModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps replies consistent across retries.
	DefaultTemperature = 0.4
)

// Turn is one message in a context transcript.
type Turn struct {
	Role    string
	Content string
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for a Client.
type Opts struct {
	APIKey       string
	Model        string
	SummaryModel string
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the interactive completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSummaryModel sets the summary/analysis model.
func WithSummaryModel(model string) Option {
	return func(o *Opts) { o.SummaryModel = model }
}

// Client wraps the OpenAI chat completion service and tracks context handles.
type Client struct {
	chat         chatService
	model        string
	summaryModel string
	temperature  float64

	mu       sync.Mutex
	contexts map[string][]openai.ChatCompletionMessageParamUnion
}

// NewClient initializes a GenAI client. The API key comes from the
// OPENAI_API_KEY environment variable unless overridden via WithAPIKey.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = DefaultSummaryModel
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:         &openaiChatService{client: cli},
		model:        cfg.Model,
		summaryModel: cfg.SummaryModel,
		temperature:  DefaultTemperature,
		contexts:     make(map[string][]openai.ChatCompletionMessageParamUnion),
	}, nil
}

// CreateContext registers a new context handle seeded with the given turns and
// returns the handle. No provider call is made; the transcript is replayed on
// the first completion.
func (c *Client) CreateContext(ctx context.Context, seed []Turn) (string, error) {
	transcript := make([]openai.ChatCompletionMessageParamUnion, 0, len(seed))
	for _, t := range seed {
		transcript = append(transcript, toMessageParam(t))
	}

	handle := util.GenerateThreadHandle()
	c.mu.Lock()
	c.contexts[handle] = transcript
	c.mu.Unlock()
	return handle, nil
}

// DropContext forgets a handle. Called when a conversation is resolved so
// dead transcripts do not accumulate.
func (c *Client) DropContext(handle string) {
	c.mu.Lock()
	delete(c.contexts, handle)
	c.mu.Unlock()
}

// Complete appends the user's text to the handle's transcript, requests a
// completion over the full transcript, records the reply and returns it.
// Returns ErrUnknownContext when the handle is not known to this process.
func (c *Client) Complete(ctx context.Context, handle, userText string) (string, error) {
	c.mu.Lock()
	transcript, ok := c.contexts[handle]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownContext, handle)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, len(transcript), len(transcript)+1)
	copy(messages, transcript)
	messages = append(messages, openai.UserMessage(userText))

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	reply := resp.Choices[0].Message.Content

	c.mu.Lock()
	if current, ok := c.contexts[handle]; ok {
		c.contexts[handle] = append(current, openai.UserMessage(userText), openai.AssistantMessage(reply))
	}
	c.mu.Unlock()
	return reply, nil
}

// Summarize produces a short natural-language summary of the given transcript
// using the cheap summary model. Stateless; no handle involved.
func (c *Client) Summarize(ctx context.Context, transcript []Turn) (string, error) {
	var sb strings.Builder
	for _, t := range transcript {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: c.summaryModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Summarize the following customer-service conversation in at most five sentences. Keep names, order numbers and unresolved requests."),
			openai.UserMessage(sb.String()),
		},
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("summary failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// DescribeMedia produces a textual description of a media attachment so the
// reply path can treat it as ordinary text. Stateless; uses the summary model.
func (c *Client) DescribeMedia(ctx context.Context, kind, mediaURL, caption string) (string, error) {
	prompt := fmt.Sprintf("Describe the content of this %s attachment for a customer-service agent.\nURL: %s", kind, mediaURL)
	if caption != "" {
		prompt += "\nSender caption: " + caption
	}

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: c.summaryModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("media analysis failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// toMessageParam converts a Turn to the OpenAI message union by role.
func toMessageParam(t Turn) openai.ChatCompletionMessageParamUnion {
	switch t.Role {
	case RoleAssistant:
		return openai.AssistantMessage(t.Content)
	case RoleSystem:
		return openai.SystemMessage(t.Content)
	default:
		return openai.UserMessage(t.Content)
	}
}
