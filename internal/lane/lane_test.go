package lane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRunner records the order and contextId of each slice it
// processes, with a configurable artificial delay so tests can force
// overlap between concurrent lanes.
type fakeRunner struct {
	contextID string
	delay     time.Duration
	onRun     func(req RunRequest)

	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if f.onRun != nil {
		f.onRun(req)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.Query)
	f.mu.Unlock()
	return RunResult{Success: true, Output: "ok:" + req.Query, AssistantTurn: req.Query}, nil
}

type fakeAppender struct {
	appended atomic.Int64
}

func (f *fakeAppender) AppendResult(result RunResult) error {
	f.appended.Add(1)
	return nil
}

func newTestScheduler(cfg Config, runners map[string]*fakeRunner) (*Scheduler, *fakeAppender) {
	appender := &fakeAppender{}
	s := New(cfg, func(contextID string) (AgentRunner, error) {
		r, ok := runners[contextID]
		if !ok {
			return nil, fmt.Errorf("no runner for %s", contextID)
		}
		return r, nil
	}, func(contextID string) (Appender, error) {
		return appender, nil
	}, nil, nil)
	return s, appender
}

// Scenario 1: two messages on the same contextId must run strictly one
// at a time, in FIFO order.
func TestScheduler_SingleContextSerializesInOrder(t *testing.T) {
	runner := &fakeRunner{contextID: "ctx-1", delay: 20 * time.Millisecond}
	s, _ := newTestScheduler(Config{MaxConcurrency: 4}, map[string]*fakeRunner{"ctx-1": runner})

	if err := s.Enqueue(Message{ContextID: "ctx-1", Text: "first"}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := s.Enqueue(Message{ContextID: "ctx-1", Text: "second"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	s.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 2 || runner.calls[0] != "first" || runner.calls[1] != "second" {
		t.Fatalf("expected [first second] in order, got %v", runner.calls)
	}
}

// Scenario 2: two distinct contextIds must be able to make progress
// concurrently, bounded by maxConcurrency.
func TestScheduler_CrossContextRunsInParallel(t *testing.T) {
	var concurrent atomic.Int32
	var maxObserved atomic.Int32
	track := func(req RunRequest) {
		cur := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxObserved.Load()
			if cur <= old || maxObserved.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
	}

	runnerA := &fakeRunner{contextID: "ctx-A", onRun: track}
	runnerB := &fakeRunner{contextID: "ctx-B", onRun: track}
	s, _ := newTestScheduler(Config{MaxConcurrency: 2}, map[string]*fakeRunner{
		"ctx-A": runnerA, "ctx-B": runnerB,
	})

	if err := s.Enqueue(Message{ContextID: "ctx-A", Text: "a"}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if err := s.Enqueue(Message{ContextID: "ctx-B", Text: "b"}); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	s.Wait()

	if maxObserved.Load() < 2 {
		t.Fatalf("expected ctx-A and ctx-B to overlap, max concurrent observed = %d", maxObserved.Load())
	}
}

// Scenario 3: correction merge folds a follow-on message into the
// in-flight slice instead of queuing it behind, when the runner calls
// drainLaneMerged mid-run.
func TestScheduler_CorrectionMergeFoldsFollowOnMessage(t *testing.T) {
	var sawDrain DrainResult
	runner := &fakeRunner{contextID: "ctx-1"}
	runner.onRun = func(req RunRequest) {
		// Give the second Enqueue a moment to land on the lane queue
		// before this in-flight slice asks to drain it.
		time.Sleep(20 * time.Millisecond)
		if req.DrainLaneMerged != nil {
			drained, err := req.DrainLaneMerged()
			if err != nil {
				t.Errorf("drainLaneMerged: %v", err)
			}
			sawDrain = drained
		}
	}

	s, appender := newTestScheduler(Config{
		MaxConcurrency:              4,
		EnableCorrectionMerge:       true,
		CorrectionMaxRounds:         2,
		CorrectionMaxMergedMessages: 5,
	}, map[string]*fakeRunner{"ctx-1": runner})

	if err := s.Enqueue(Message{ContextID: "ctx-1", Text: "first"}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.Enqueue(Message{ContextID: "ctx-1", Text: "correction"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	s.Wait()

	if sawDrain.Drained != 1 || len(sawDrain.Messages) != 1 || sawDrain.Messages[0].Text != "correction" {
		t.Fatalf("expected drain to fold in the correction message, got %+v", sawDrain)
	}

	runner.mu.Lock()
	calls := append([]string(nil), runner.calls...)
	runner.mu.Unlock()
	if len(calls) != 1 || calls[0] != "first" {
		t.Fatalf("expected exactly one slice to run (the correction folded in, not a second slice), got %v", calls)
	}
	if appender.appended.Load() != 1 {
		t.Fatalf("expected exactly one appended result, got %d", appender.appended.Load())
	}
}

func TestScheduler_EnqueueRejectsEmptyContextID(t *testing.T) {
	s, _ := newTestScheduler(Config{MaxConcurrency: 1}, map[string]*fakeRunner{})
	if err := s.Enqueue(Message{ContextID: ""}); err == nil {
		t.Fatal("expected error for empty contextId")
	}
}

func TestScheduler_Stats(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	s, _ := newTestScheduler(Config{MaxConcurrency: 1}, map[string]*fakeRunner{"ctx-1": runner})

	if err := s.Enqueue(Message{ContextID: "ctx-1", Channel: "web", Text: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(Message{ContextID: "ctx-1", Channel: "web", Text: "b"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats := s.Stats()
	if stats.Lanes != 1 {
		t.Errorf("expected 1 lane, got %d", stats.Lanes)
	}
	s.Wait()
}
