package contextmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/lane"
	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shellsession"
	"github.com/shipagent/ship/internal/shippaths"
	"github.com/shipagent/ship/internal/shipstore"
	"github.com/shipagent/ship/internal/tools"
)

type fakeProvider struct {
	content string
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: p.content, FinishReason: "stop"}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func newTestManager(t *testing.T) (*Manager, func() []lane.RunResult) {
	t.Helper()
	root := t.TempDir()
	layout := shippaths.NewLayout(root)
	cfg := config.Default()
	registry := tools.NewRegistry()
	shellMgr := shellsession.NewManager()

	var mu sync.Mutex
	var delivered []lane.RunResult
	deliver := func(ctx context.Context, contextID, channel, targetID string, result lane.RunResult) {
		mu.Lock()
		delivered = append(delivered, result)
		mu.Unlock()
	}

	m := New(layout, cfg, &fakeProvider{content: "hello from fake"}, "fake-model", registry, shellMgr, nil, deliver, nil)
	return m, func() []lane.RunResult {
		mu.Lock()
		defer mu.Unlock()
		return append([]lane.RunResult(nil), delivered...)
	}
}

func TestManager_EnqueueAppendsUserTurnAndDelivers(t *testing.T) {
	m, getDelivered := newTestManager(t)

	if err := m.Enqueue(EnqueueRequest{
		ContextID: "acct/thread-1",
		Channel:   "web",
		TargetID:  "thread-1",
		ActorID:   "user-1",
		Text:      "hi there",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m.scheduler.Wait()

	store, err := m.GetStore("acct/thread-1")
	if err != nil {
		t.Fatalf("GetStore: %v", err)
	}
	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected user+assistant turns, got %d: %+v", len(turns), turns)
	}
	if turns[0].Role != shipstore.RoleUser || turns[0].Parts[0].Text != "hi there" {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != shipstore.RoleAssistant {
		t.Fatalf("unexpected assistant turn: %+v", turns[1])
	}

	delivered := getDelivered()
	if len(delivered) != 1 || delivered[0].Output != "hello from fake" {
		t.Fatalf("expected exactly one delivered result, got %+v", delivered)
	}
}

func TestManager_EnqueueIsIdempotentOnSourceMessageID(t *testing.T) {
	m, _ := newTestManager(t)

	req := EnqueueRequest{
		ContextID:       "acct/thread-2",
		Channel:         "web",
		TargetID:        "thread-2",
		Text:            "repeat me",
		SourceMessageID: "platform-msg-1",
	}
	if err := m.Enqueue(req); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	m.scheduler.Wait()

	store, err := m.GetStore("acct/thread-2")
	if err != nil {
		t.Fatalf("GetStore: %v", err)
	}
	turnsAfterFirst, _ := store.LoadAll()
	userCount := countUserTurns(turnsAfterFirst)
	if userCount != 1 {
		t.Fatalf("expected 1 user turn after first enqueue, got %d", userCount)
	}

	req.RequestID = ""
	if err := appendUserTurnIdempotent(store, req, "retry-request-id", req.SourceMessageID); err != nil {
		t.Fatalf("second append: %v", err)
	}
	turnsAfterRetry, _ := store.LoadAll()
	if countUserTurns(turnsAfterRetry) != 1 {
		t.Fatalf("expected append keyed on SourceMessageID to stay idempotent, got %d user turns", countUserTurns(turnsAfterRetry))
	}
}

func countUserTurns(turns []shipstore.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role == shipstore.RoleUser {
			n++
		}
	}
	return n
}

func TestManager_RejectsEmptyContextID(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Enqueue(EnqueueRequest{ContextID: "", Text: "hi"}); err == nil {
		t.Fatal("expected error for empty contextId")
	}
}

func TestManager_ClearRunnerForcesFreshRunnerNextTime(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Enqueue(EnqueueRequest{ContextID: "acct/thread-3", Text: "first"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m.scheduler.Wait()

	m.mu.Lock()
	_, hadRunner := m.runners["acct/thread-3"]
	m.mu.Unlock()
	if !hadRunner {
		t.Fatal("expected a cached runner after first enqueue")
	}

	m.ClearRunner("acct/thread-3")
	m.mu.Lock()
	_, stillHasRunner := m.runners["acct/thread-3"]
	m.mu.Unlock()
	if stillHasRunner {
		t.Fatal("expected ClearRunner to evict the cached runner")
	}

	if err := m.Enqueue(EnqueueRequest{ContextID: "acct/thread-3", Text: "second"}); err != nil {
		t.Fatalf("enqueue after clear: %v", err)
	}
	m.scheduler.Wait()

	store, _ := m.GetStore("acct/thread-3")
	turns, _ := store.LoadAll()
	if countUserTurns(turns) != 2 {
		t.Fatalf("expected 2 user turns total, got %d", countUserTurns(turns))
	}
}

func TestManager_SetDeliverRewiresCallback(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var gotContextID string
	m.SetDeliver(func(ctx context.Context, contextID, channel, targetID string, result lane.RunResult) {
		mu.Lock()
		gotContextID = contextID
		mu.Unlock()
	})

	if err := m.Enqueue(EnqueueRequest{ContextID: "acct/thread-4", Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m.scheduler.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotContextID != "acct/thread-4" {
		t.Fatalf("expected the rewired deliver callback to fire, got contextId=%q", gotContextID)
	}
}

func TestManager_StatsReportsLanes(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Enqueue(EnqueueRequest{ContextID: "acct/thread-5", Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stats := m.Stats()
	if stats.Lanes < 1 {
		t.Fatalf("expected at least 1 lane, got %d", stats.Lanes)
	}
	m.scheduler.Wait()
}

func TestManager_AfterContextUpdatedAsyncDoesNotPanic(t *testing.T) {
	m, _ := newTestManager(t)
	done := make(chan struct{})
	go func() {
		m.AfterContextUpdatedAsync("acct/thread-6")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterContextUpdatedAsync did not return")
	}
}
