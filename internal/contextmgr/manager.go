// Package contextmgr implements the Context Manager: lazy per-context
// Store/Runner singletons wired into the Lane Scheduler via factory
// callbacks, plus the single Enqueue surface a platform adapter calls
// to ingest an inbound message.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/shipagent/ship/internal/agent"
	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/lane"
	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shellsession"
	"github.com/shipagent/ship/internal/shippaths"
	"github.com/shipagent/ship/internal/shipstore"
	"github.com/shipagent/ship/internal/tools"
	"github.com/shipagent/ship/internal/tracing"
)

// EnqueueRequest is what a platform adapter hands the Context Manager
// for one inbound message.
type EnqueueRequest struct {
	ContextID       string
	Channel         string
	TargetID        string
	ActorID         string
	ActorName       string
	Text            string
	SourceMessageID string
	ThreadID        *int64
	RequestID       string
}

// DeliverFunc is invoked once per lane slice after the assistant turn
// has been committed to the store. Panics inside it are swallowed by
// the scheduler.
type DeliverFunc func(ctx context.Context, contextID, channel, targetID string, result lane.RunResult)

// Manager owns the per-context Store/Runner singletons and the shared
// Scheduler, Tool Registry, and Shell Session Manager every Runner is
// built from.
type Manager struct {
	layout   *shippaths.Layout
	cfg      *config.Config
	provider providers.Provider
	model    string

	registry  *tools.Registry
	shellMgr  *shellsession.Manager
	collector *tracing.Collector
	scheduler *lane.Scheduler

	mu      sync.Mutex
	stores  map[string]*shipstore.Store
	runners map[string]*agent.Runner

	deliver DeliverFunc
}

// New builds a Manager. registry must already have every application
// tool (plus the shell triad) registered; the Manager does not own
// tool registration.
func New(layout *shippaths.Layout, cfg *config.Config, provider providers.Provider, model string, registry *tools.Registry, shellMgr *shellsession.Manager, collector *tracing.Collector, deliver DeliverFunc, sendAction lane.SendActionFunc) *Manager {
	m := &Manager{
		layout:   layout,
		cfg:      cfg,
		provider: provider,
		model:    model,
		registry: registry,
		shellMgr: shellMgr,
		collector: collector,
		stores:   make(map[string]*shipstore.Store),
		runners:  make(map[string]*agent.Runner),
		deliver:  deliver,
	}

	snapshot := cfg.Snapshot()
	m.scheduler = lane.New(
		lane.Config{
			MaxConcurrency:              snapshot.Context.ChatQueue.MaxConcurrency,
			EnableCorrectionMerge:       snapshot.Context.ChatQueue.EnableCorrectionMerge,
			CorrectionMaxRounds:         snapshot.Context.ChatQueue.CorrectionMaxRounds,
			CorrectionMaxMergedMessages: snapshot.Context.ChatQueue.CorrectionMaxMergedMessages,
		},
		m.runnerFor,
		m.appenderFor,
		m.deliverAdapter,
		sendAction,
	)
	return m
}

// Enqueue validates contextID, appends the inbound message as a user
// turn (idempotent ingest), and places it on the scheduler's lane.
// Validation, store-resolution and scheduler-enqueue errors propagate
// to the caller; a failed user-turn append is only logged, and
// everything after the enqueue is handled inside the slice.
func (m *Manager) Enqueue(req EnqueueRequest) error {
	normalized, err := shippaths.NormalizeContextID(req.ContextID)
	if err != nil {
		return err
	}
	req.ContextID = normalized

	store, err := m.storeFor(req.ContextID)
	if err != nil {
		return fmt.Errorf("contextmgr: resolve store: %w", err)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("%s-%d", req.ContextID, time.Now().UnixNano())
	}
	stableID := req.SourceMessageID
	if stableID == "" {
		stableID = requestID
	}

	if err := appendUserTurnIdempotent(store, req, requestID, stableID); err != nil {
		slog.Warn("contextmgr: failed to append user turn", "contextId", req.ContextID, "error", err)
	}

	msg := lane.Message{
		ContextID:       req.ContextID,
		Channel:         req.Channel,
		TargetID:        req.TargetID,
		ActorID:         req.ActorID,
		ActorName:       req.ActorName,
		Text:            req.Text,
		SourceMessageID: req.SourceMessageID,
		ThreadID:        req.ThreadID,
		RequestID:       requestID,
	}
	if err := m.scheduler.Enqueue(msg); err != nil {
		return err
	}

	go m.AfterContextUpdatedAsync(req.ContextID)
	return nil
}

func appendUserTurnIdempotent(store *shipstore.Store, req EnqueueRequest, requestID, stableID string) error {
	turns, err := store.LoadAll()
	if err != nil {
		return err
	}
	turnID := fmt.Sprintf("u:%s:%s", req.ContextID, stableID)
	for _, t := range turns {
		if t.ID == turnID {
			return nil
		}
	}
	return store.Append(shipstore.Turn{
		ID:   turnID,
		Role: shipstore.RoleUser,
		Parts: []shipstore.Part{{Type: shipstore.PartText, Text: req.Text}},
		Metadata: shipstore.Metadata{
			Version:         1,
			Timestamp:       time.Now().UnixMilli(),
			ContextID:       req.ContextID,
			Channel:         req.Channel,
			TargetID:        req.TargetID,
			ActorID:         req.ActorID,
			ActorName:       req.ActorName,
			SourceMessageID: req.SourceMessageID,
			ThreadID:        req.ThreadID,
			Source:          shipstore.SourceIngress,
			Kind:            shipstore.KindNormal,
			RequestID:       requestID,
		},
	})
}

// ClearRunner recycles the in-memory Runner for contextID; the
// transcript and meta on disk are untouched, so the next message
// rebuilds a fresh Runner from durable state.
func (m *Manager) ClearRunner(contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, contextID)
}

// GetStore returns (creating if necessary) the Store for contextID.
func (m *Manager) GetStore(contextID string) (*shipstore.Store, error) {
	return m.storeFor(contextID)
}

// SetDeliver wires the delivery callback after construction, so a
// gateway adapter can be built from a reference to the Manager it
// delivers through (New's deliver param can be nil and replaced here).
func (m *Manager) SetDeliver(deliver DeliverFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliver = deliver
}

// Stats reports the scheduler's current load.
func (m *Manager) Stats() lane.Stats {
	return m.scheduler.Stats()
}

// AfterContextUpdatedAsync fires best-effort, non-blocking side-tasks
// after a context's transcript changes (memory extraction,
// summarization). It never blocks the ingest path and swallows panics.
func (m *Manager) AfterContextUpdatedAsync(contextID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("contextmgr: after-context-updated hook panicked, swallowed", "contextId", contextID, "panic", r)
		}
	}()
	// No memory-extraction side-task is wired in this runtime; the hook
	// point exists so one can be added without touching the ingest path.
}

func (m *Manager) storeFor(contextID string) (*shipstore.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeForLocked(contextID)
}

// runnerFor is the lane.RunnerFactory: lazily builds the Runner bound
// to contextID from the shared registry/provider/collector.
func (m *Manager) runnerFor(contextID string) (lane.AgentRunner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runners[contextID]; ok {
		return r, nil
	}

	store, err := m.storeForLocked(contextID)
	if err != nil {
		return nil, err
	}

	snapshot := m.cfg.Snapshot()
	root := m.layout.Root()
	r := agent.NewRunner(agent.RunnerConfig{
		ContextID:      contextID,
		ProjectRoot:    root,
		ProfileDir:     filepath.Join(root, ".ship", "profile"),
		MemoryFilePath: filepath.Join(m.layout.ContextDir(contextID), "memory.md"),
		SkillsDir:      filepath.Join(root, ".ship", "skills"),
		Store:          store,
		Registry:       m.registry,
		Provider:       m.provider,
		Model:          m.model,
		History:        snapshot.Context.History,
		Collector:      m.collector,
	})
	m.runners[contextID] = r
	return r, nil
}

func (m *Manager) storeForLocked(contextID string) (*shipstore.Store, error) {
	if s, ok := m.stores[contextID]; ok {
		return s, nil
	}
	s, err := shipstore.New(m.layout, contextID, &providerSummarizer{provider: m.provider, model: m.model})
	if err != nil {
		return nil, err
	}
	m.stores[contextID] = s
	return s, nil
}

// appenderFor is the lane.AppenderFactory: resolves the Appender that
// commits a slice's assistant turn to the right context's store.
func (m *Manager) appenderFor(contextID string) (lane.Appender, error) {
	store, err := m.storeFor(contextID)
	if err != nil {
		return nil, err
	}
	return &storeAppender{store: store}, nil
}

// storeAppender satisfies lane.Appender by type-asserting the opaque
// RunResult.AssistantTurn back to shipstore.Turn.
type storeAppender struct {
	store *shipstore.Store
}

func (a *storeAppender) AppendResult(result lane.RunResult) error {
	turn, ok := result.AssistantTurn.(shipstore.Turn)
	if !ok {
		return nil
	}
	return a.store.Append(turn)
}

func (m *Manager) deliverAdapter(ctx context.Context, d lane.DeliveryResult) {
	if m.deliver == nil {
		return
	}
	m.deliver(ctx, d.ContextID, d.Channel, d.TargetID, d.Result)
}

// providerSummarizer implements shipstore.Summarizer with a plain
// one-shot chat completion asking for a Markdown summary.
type providerSummarizer struct {
	provider providers.Provider
	model    string
}

func (s *providerSummarizer) Summarize(ctx context.Context, linearized string) (string, error) {
	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model: s.model,
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize the following conversation segment concisely in Markdown, preserving decisions, facts, and open threads a continuation would need."},
			{Role: "user", Content: linearized},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
