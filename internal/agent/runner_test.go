package agent

import (
	"context"
	"testing"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/lane"
	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shippaths"
	"github.com/shipagent/ship/internal/shipstore"
	"github.com/shipagent/ship/internal/tools"
)

// fakeProvider scripts a sequence of responses, one per Chat call; the
// last response repeats once the script is exhausted.
type fakeProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.responses[i], nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	text, _ := args["text"].(string)
	return tools.NewResult("echo:" + text)
}

func newTestRunner(t *testing.T, provider providers.Provider) (*Runner, *shipstore.Store) {
	t.Helper()
	root := t.TempDir()
	layout := shippaths.NewLayout(root)
	store, err := shipstore.New(layout, "ctx-1", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	registry := tools.NewRegistry()
	registry.Register(echoTool{})

	r := NewRunner(RunnerConfig{
		ContextID:   "ctx-1",
		ProjectRoot: root,
		Store:       store,
		Registry:    registry,
		Provider:    provider,
		Model:       "fake-model",
		History:     config.HistoryConfig{KeepLastMessages: 30, MaxInputTokensApprox: 12000},
	})
	return r, store
}

func TestRunner_SimpleReplyNoTools(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}
	r, store := newTestRunner(t, provider)

	result, err := r.Run(context.Background(), lane.RunRequest{
		ContextID: "ctx-1",
		Query:     "hi",
		Msg:       lane.Message{ContextID: "ctx-1", Text: "hi", Channel: "test"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Output != "hello there" {
		t.Fatalf("unexpected result: %+v", result)
	}
	// The runner returns the assistant turn; the scheduler appends it.
	if err := store.Append(result.AssistantTurn.(shipstore.Turn)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns (user+assistant), got %d", len(turns))
	}
	if turns[0].Role != shipstore.RoleUser || turns[1].Role != shipstore.RoleAssistant {
		t.Fatalf("unexpected turn roles: %v, %v", turns[0].Role, turns[1].Role)
	}
}

func TestRunner_BindsToFirstContextIDAndRejectsMismatch(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.ChatResponse{{Content: "ok"}}}
	r, _ := newTestRunner(t, provider)

	if _, err := r.Run(context.Background(), lane.RunRequest{ContextID: "ctx-1", Query: "hi", Msg: lane.Message{ContextID: "ctx-1"}}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := r.Run(context.Background(), lane.RunRequest{ContextID: "ctx-other", Query: "hi", Msg: lane.Message{ContextID: "ctx-other"}}); err == nil {
		t.Fatal("expected binding mismatch error")
	}
}

func TestRunner_ExecutesToolCallThenReplies(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.ChatResponse{
		{
			Content:      "",
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}},
			},
		},
		{Content: "done", FinishReason: "stop"},
	}}
	r, store := newTestRunner(t, provider)

	result, err := r.Run(context.Background(), lane.RunRequest{
		ContextID: "ctx-1",
		Query:     "say ping",
		Msg:       lane.Message{ContextID: "ctx-1", Text: "say ping"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Output != "done" || result.ToolCalls != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	// The runner returns the assistant turn; the scheduler appends it.
	if err := store.Append(result.AssistantTurn.(shipstore.Turn)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	assistant := turns[len(turns)-1]
	var sawCall, sawResult bool
	for _, p := range assistant.Parts {
		if p.Type == shipstore.PartToolCall && p.ToolName == "echo" {
			sawCall = true
		}
		if p.Type == shipstore.PartToolResult && p.ToolOutput == "echo:ping" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("expected tool_call+tool_result parts in assistant turn, got %+v", assistant.Parts)
	}
}

func TestRunner_ContextOverflowRetriesWithHalvedBudgets(t *testing.T) {
	provider := &fakeProvider{
		responses: []*providers.ChatResponse{nil, nil, {Content: "recovered", FinishReason: "stop"}},
		errs: []error{
			&overflowErr{"maximum context length exceeded"},
			&overflowErr{"maximum context length exceeded"},
			nil,
		},
	}
	r, _ := newTestRunner(t, provider)

	result, err := r.Run(context.Background(), lane.RunRequest{
		ContextID: "ctx-1",
		Query:     "long",
		Msg:       lane.Message{ContextID: "ctx-1", Text: "long"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Output != "recovered" {
		t.Fatalf("expected eventual success after overflow retries, got %+v", result)
	}
}

func TestRunner_NonOverflowErrorReturnsFailureResult(t *testing.T) {
	provider := &fakeProvider{
		responses: []*providers.ChatResponse{nil},
		errs:      []error{&overflowErr{"rate limited"}},
	}
	r, _ := newTestRunner(t, provider)

	result, err := r.Run(context.Background(), lane.RunRequest{
		ContextID: "ctx-1",
		Query:     "hi",
		Msg:       lane.Message{ContextID: "ctx-1", Text: "hi"},
	})
	if err != nil {
		t.Fatalf("Run should not return a Go error for provider failures: %v", err)
	}
	if result.Success {
		t.Fatalf("expected a failure result, got %+v", result)
	}
}

type overflowErr struct{ msg string }

func (e *overflowErr) Error() string { return e.msg }

func TestRunner_UserTurnIdempotence(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.ChatResponse{{Content: "ack"}}}
	r, store := newTestRunner(t, provider)

	req := lane.RunRequest{
		ContextID: "ctx-1",
		Query:     "hello",
		Msg:       lane.Message{ContextID: "ctx-1", Text: "hello", SourceMessageID: "platform-42"},
	}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	userTurns := 0
	for _, turn := range turns {
		if turn.Role == shipstore.RoleUser {
			userTurns++
		}
	}
	if userTurns != 1 {
		t.Fatalf("expected exactly 1 user turn, got %d", userTurns)
	}
}

func TestIsContextOverflowError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Error: maximum context length exceeded", true},
		{"context_length_exceeded", true},
		{"input too long for model", true},
		{"context window full", true},
		{"internal server error", false},
	}
	for _, c := range cases {
		if got := isContextOverflowError(&overflowErr{c.msg}); got != c.want {
			t.Errorf("isContextOverflowError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}
