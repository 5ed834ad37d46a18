// Package lane implements the fair multi-context scheduler: one FIFO
// lane per contextId, bounded cross-context concurrency, and the
// correction-merge cooperation hook a tool-loop driver can use to fold
// follow-on messages into an in-flight slice.
package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message is one inbound item placed on a context's lane.
type Message struct {
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

// DrainResult is what a drainLaneMerged call returns to the runner:
// how many messages were folded in, and the messages themselves (for
// transcript re-read / request-context refresh).
type DrainResult struct {
	Drained  int
	Messages []Message
}

// StepEvent is a synthetic progress notification a runner may emit
// via onStep: "text" carries assistant-visible text produced during a
// step, "step_finish" marks a tool-loop step boundary.
type StepEvent struct {
	Type string
	Text string
}

// RunRequest is what the scheduler hands to an AgentRunner for one
// time-slice.
type RunRequest struct {
	ContextID        string
	Query            string
	Msg              Message
	DrainLaneMerged  func() (DrainResult, error)
	OnStep           func(StepEvent)
}

// RunResult is what an AgentRunner.Run returns for one slice.
// AssistantTurn is an opaque value (a shipstore.Turn in practice) the
// scheduler appends to the store after the slice completes; it is nil
// when the run produced nothing to persist, as for a failed run.
type RunResult struct {
	Success    bool
	Output     string
	ToolCalls  int
	AssistantTurn interface{}
}

// AgentRunner is the interface the scheduler drives; implemented by
// *agent.Runner in production, by fakes in tests.
type AgentRunner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// DeliveryResult is handed to the optional deliverResult callback
// after the assistant turn has been appended to the store.
type DeliveryResult struct {
	ContextID string
	Channel   string
	TargetID  string
	Result    RunResult
}

// Appender is the store-facing dependency the scheduler needs to
// commit the assistant turn after a slice — satisfied by
// *shipstore.Store via a small adapter so this package has no direct
// dependency on shipstore's Turn type.
type Appender interface {
	AppendResult(result RunResult) error
}

// Config governs the scheduler's concurrency bound and correction
// -merge limits; mirrors config.ChatQueueConfig field-for-field.
type Config struct {
	MaxConcurrency              int
	EnableCorrectionMerge       bool
	CorrectionMaxRounds         int
	CorrectionMaxMergedMessages int
}

func (c Config) clamped() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.MaxConcurrency > 32 {
		c.MaxConcurrency = 32
	}
	if c.CorrectionMaxRounds < 0 {
		c.CorrectionMaxRounds = 0
	}
	if c.CorrectionMaxRounds > 10 {
		c.CorrectionMaxRounds = 10
	}
	if c.CorrectionMaxMergedMessages < 0 {
		c.CorrectionMaxMergedMessages = 0
	}
	if c.CorrectionMaxMergedMessages > 50 {
		c.CorrectionMaxMergedMessages = 50
	}
	return c
}

// lane is the runtime-only per-context queue.
type lane struct {
	contextID string
	channel   string
	queue     []Message
	running   bool
}

// RunnerFactory lazily resolves the AgentRunner bound to a contextId.
type RunnerFactory func(contextID string) (AgentRunner, error)

// AppenderFactory lazily resolves the Appender bound to a contextId.
type AppenderFactory func(contextID string) (Appender, error)

// DeliverFunc is the optional per-slice delivery callback; a thrown
// error must never affect the scheduler.
type DeliverFunc func(ctx context.Context, result DeliveryResult)

// SendActionFunc, when supplied, is invoked roughly every 4s during a
// slice to emit a "typing" indicator.
type SendActionFunc func(contextID, channel, targetID string)

// Scheduler is the fair multi-context scheduler described in spec
// §4.F: a FIFO per contextId, bounded cross-context concurrency, and
// one-message time-slices so no lane can starve another.
type Scheduler struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	runnable    []string
	runnableSet map[string]bool
	runningTotal int

	cfg       Config
	runnerFor RunnerFactory
	appenderFor AppenderFactory
	deliver   DeliverFunc
	sendAction SendActionFunc

	wg sync.WaitGroup
}

// New returns a Scheduler. runnerFor/appenderFor are factory callbacks
// so the scheduler never owns Store/Runner construction itself — that
// stays the Context Manager's job (spec §4.G).
func New(cfg Config, runnerFor RunnerFactory, appenderFor AppenderFactory, deliver DeliverFunc, sendAction SendActionFunc) *Scheduler {
	return &Scheduler{
		lanes:       make(map[string]*lane),
		runnableSet: make(map[string]bool),
		cfg:         cfg.clamped(),
		runnerFor:   runnerFor,
		appenderFor: appenderFor,
		deliver:     deliver,
		sendAction:  sendAction,
	}
}

// Enqueue requires a non-empty contextId, creates the lane on first
// use, pushes msg, marks the lane runnable, and kicks the scheduler.
// Enqueue returns immediately after the append + mark-runnable; the
// slice itself runs asynchronously.
func (s *Scheduler) Enqueue(msg Message) error {
	if msg.ContextID == "" {
		return fmt.Errorf("lane: invalid_context_id: contextId is required")
	}

	s.mu.Lock()
	l, ok := s.lanes[msg.ContextID]
	if !ok {
		l = &lane{contextID: msg.ContextID, channel: msg.Channel}
		s.lanes[msg.ContextID] = l
	}
	l.queue = append(l.queue, msg)
	s.markRunnableLocked(msg.ContextID)
	s.mu.Unlock()

	s.kick()
	return nil
}

func (s *Scheduler) markRunnableLocked(contextID string) {
	if s.runnableSet[contextID] {
		return
	}
	s.runnableSet[contextID] = true
	s.runnable = append(s.runnable, contextID)
}

// kick starts workers for runnable lanes until maxConcurrency is hit.
func (s *Scheduler) kick() {
	for {
		s.mu.Lock()
		if s.runningTotal >= s.cfg.MaxConcurrency {
			s.mu.Unlock()
			return
		}
		contextID, l := s.popNextRunnableLocked()
		if l == nil {
			s.mu.Unlock()
			return
		}
		l.running = true
		s.runningTotal++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runWorker(contextID, l)
	}
}

// popNextRunnableLocked pops the next runnable lane that still has a
// non-empty queue and is not already running. Must be called with
// s.mu held.
func (s *Scheduler) popNextRunnableLocked() (string, *lane) {
	for len(s.runnable) > 0 {
		contextID := s.runnable[0]
		s.runnable = s.runnable[1:]
		delete(s.runnableSet, contextID)

		l, ok := s.lanes[contextID]
		if !ok || l.running || len(l.queue) == 0 {
			continue
		}
		return contextID, l
	}
	return "", nil
}

// runWorker processes exactly one message from l's queue (one
// time-slice), then releases the lane and re-kicks.
func (s *Scheduler) runWorker(contextID string, l *lane) {
	defer s.wg.Done()

	s.mu.Lock()
	if len(l.queue) == 0 {
		l.running = false
		s.runningTotal--
		s.mu.Unlock()
		s.kick()
		return
	}
	msg := l.queue[0]
	l.queue = l.queue[1:]
	s.mu.Unlock()

	s.runSlice(contextID, l, msg)

	s.mu.Lock()
	l.running = false
	s.runningTotal--
	if len(l.queue) > 0 {
		s.markRunnableLocked(contextID)
	}
	s.mu.Unlock()

	s.kick()
}

// runSlice invokes AgentRunner.Run for one head-of-lane message,
// wiring the drainLaneMerged cooperation hook and the optional typing
// heartbeat, then commits the result: append the assistant turn,
// deliver it, swallow any deliver error.
func (s *Scheduler) runSlice(contextID string, l *lane, msg Message) {
	runner, err := s.runnerFor(contextID)
	if err != nil {
		slog.Warn("lane: failed to resolve runner", "contextId", contextID, "error", err)
		return
	}

	ctx := context.Background()

	var stopHeartbeat chan struct{}
	if s.sendAction != nil {
		stopHeartbeat = make(chan struct{})
		go s.heartbeat(contextID, msg.Channel, msg.TargetID, stopHeartbeat)
		defer close(stopHeartbeat)
	}

	result, err := runner.Run(ctx, RunRequest{
		ContextID: contextID,
		Query:     msg.Text,
		Msg:       msg,
		DrainLaneMerged: s.drainLaneMergedFor(l),
	})
	if err != nil {
		slog.Warn("lane: runner returned error", "contextId", contextID, "error", err)
		result = RunResult{Success: false, Output: "Execution failed: " + err.Error()}
	}

	if appender, aerr := s.appenderFor(contextID); aerr == nil {
		if err := appender.AppendResult(result); err != nil {
			slog.Warn("lane: failed to append assistant turn", "contextId", contextID, "error", err)
		}
	} else {
		slog.Warn("lane: failed to resolve appender", "contextId", contextID, "error", aerr)
	}

	if s.deliver != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("lane: deliverResult panicked, swallowed", "contextId", contextID, "panic", r)
				}
			}()
			s.deliver(ctx, DeliveryResult{ContextID: contextID, Channel: msg.Channel, TargetID: msg.TargetID, Result: result})
		}()
	}
}

func (s *Scheduler) heartbeat(contextID, channel, targetID string, stop chan struct{}) {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sendAction(contextID, channel, targetID)
		}
	}
}

// drainLaneMergedFor closes over l and returns the cooperation
// callback a runner invokes at a tool boundary: drain up to
// correctionMaxMergedMessages pending messages from the same lane,
// subject to correctionMaxRounds, folding them into the in-flight
// slice.
func (s *Scheduler) drainLaneMergedFor(l *lane) func() (DrainResult, error) {
	rounds := 0
	return func() (DrainResult, error) {
		if !s.cfg.EnableCorrectionMerge {
			return DrainResult{}, nil
		}
		if rounds >= s.cfg.CorrectionMaxRounds {
			return DrainResult{}, nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if len(l.queue) == 0 {
			return DrainResult{}, nil
		}
		n := len(l.queue)
		if n > s.cfg.CorrectionMaxMergedMessages {
			n = s.cfg.CorrectionMaxMergedMessages
		}
		drained := l.queue[:n]
		l.queue = l.queue[n:]
		rounds++

		out := make([]Message, len(drained))
		copy(out, drained)
		return DrainResult{Drained: len(out), Messages: out}, nil
	}
}

// Stats reports the scheduler's current load, used by the Context
// Manager's Stats() surface.
type Stats struct {
	Lanes          int
	PendingTotal   int
	RunningTotal   int
	PendingByChannel map[string]int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Lanes: len(s.lanes), RunningTotal: s.runningTotal, PendingByChannel: make(map[string]int)}
	for _, l := range s.lanes {
		stats.PendingTotal += len(l.queue)
		stats.PendingByChannel[l.channel] += len(l.queue)
	}
	return stats
}

// Wait blocks until every in-flight slice has returned. Intended for
// tests and graceful shutdown, not part of the steady-state contract.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
