package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(chat chatService) *Client {
	return &Client{
		chat:         chat,
		model:        "test-model",
		summaryModel: "test-summary-model",
		temperature:  0.1,
		contexts:     make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

func TestCompleteUnknownHandle(t *testing.T) {
	client := newTestClient(&mockChatService{resp: completionWith("hi")})
	_, err := client.Complete(context.Background(), "thread_deadbeef", "hello")
	if !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("error = %v, want ErrUnknownContext", err)
	}
}

func TestCompleteGrowsTranscript(t *testing.T) {
	mock := &mockChatService{resp: completionWith("first reply")}
	client := newTestClient(mock)

	handle, err := client.CreateContext(context.Background(), []Turn{
		{Role: RoleSystem, Content: "You are a support assistant."},
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	reply, err := client.Complete(context.Background(), handle, "where is my order?")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "first reply" {
		t.Errorf("reply = %q", reply)
	}
	if len(mock.params) != 1 || len(mock.params[0].Messages) != 2 {
		t.Fatalf("first call sent %d messages, want 2 (seed + user)", len(mock.params[0].Messages))
	}

	// Second turn replays seed, first exchange, then the new user message.
	mock.resp = completionWith("second reply")
	if _, err := client.Complete(context.Background(), handle, "and the invoice?"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if got := len(mock.params[1].Messages); got != 4 {
		t.Errorf("second call sent %d messages, want 4", got)
	}
}

func TestCompleteProviderError(t *testing.T) {
	mock := &mockChatService{err: errors.New("rate limited")}
	client := newTestClient(mock)
	handle, _ := client.CreateContext(context.Background(), nil)

	if _, err := client.Complete(context.Background(), handle, "hi"); err == nil {
		t.Fatal("expected provider error")
	}

	// A failed completion must not pollute the transcript.
	mock.err = nil
	mock.resp = completionWith("ok")
	if _, err := client.Complete(context.Background(), handle, "hi again"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	last := mock.params[len(mock.params)-1]
	if len(last.Messages) != 1 {
		t.Errorf("retry sent %d messages, want 1", len(last.Messages))
	}
}

func TestDropContext(t *testing.T) {
	client := newTestClient(&mockChatService{resp: completionWith("hi")})
	handle, _ := client.CreateContext(context.Background(), nil)
	client.DropContext(handle)
	if _, err := client.Complete(context.Background(), handle, "hello"); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("error after drop = %v, want ErrUnknownContext", err)
	}
}

func TestSummarizeIncludesTranscript(t *testing.T) {
	mock := &mockChatService{resp: completionWith("Customer asked about order 42.")}
	client := newTestClient(mock)

	summary, err := client.Summarize(context.Background(), []Turn{
		{Role: RoleUser, Content: "where is order 42?"},
		{Role: RoleAssistant, Content: "checking now"},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary != "Customer asked about order 42." {
		t.Errorf("summary = %q", summary)
	}
	if mock.params[0].Model != "test-summary-model" {
		t.Errorf("summary model = %q, want test-summary-model", mock.params[0].Model)
	}
}

func TestDescribeMediaIncludesCaption(t *testing.T) {
	mock := &mockChatService{resp: completionWith("A photo of a broken screen.")}
	client := newTestClient(mock)

	desc, err := client.DescribeMedia(context.Background(), "image", "https://cdn.example/img.jpg", "my phone")
	if err != nil {
		t.Fatalf("describe media: %v", err)
	}
	if desc != "A photo of a broken screen." {
		t.Errorf("description = %q", desc)
	}
	if !strings.Contains(mock.params[0].Messages[0].OfUser.Content.OfString.Value, "my phone") {
		t.Error("caption missing from analysis prompt")
	}
}
