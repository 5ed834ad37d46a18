// Package agent implements the tool-using model loop: system-prompt
// composition, compact-before-run, the step-bounded tool-loop driver,
// and the retry policy for provider context-overflow errors. Ported
// from the teacher's internal/agent/loop.go and loop_history.go, with
// chat-platform and media handling dropped and the store/tool-registry
// wiring generalized to this runtime's shipstore/tools packages.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/lane"
	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shipstore"
	"github.com/shipagent/ship/internal/tools"
	"github.com/shipagent/ship/internal/tracing"

	"log/slog"
)

const (
	maxToolLoopSteps   = 30
	maxOverflowRetries = 3
	floorKeepLastMessages     = 6
	floorMaxInputTokensApprox = 2000
)

// contextOverflowMarkers are substrings of a provider error message
// that signal the model rejected the request for being too long.
var contextOverflowMarkers = []string{
	"context_length",
	"too long",
	"maximum context",
	"context window",
}

func isContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RunnerConfig binds a Runner to one contextId's worth of dependencies.
// The Context Manager constructs one of these (and the Runner it
// produces) lazily per context.
type RunnerConfig struct {
	ContextID string
	Channel   string

	ProjectRoot    string
	ProfileDir     string // .ship/profile
	MemoryFilePath string // .ship/context/<ctx>/memory.md, optional
	SkillsDir      string // .ship/skills
	AppSystemTexts []string

	Store     *shipstore.Store
	Registry  *tools.Registry
	Provider  providers.Provider
	Model     string
	History   config.HistoryConfig
	Collector *tracing.Collector
}

// Runner drives one context's tool-using model loop. It implements
// lane.AgentRunner.
type Runner struct {
	cfg       RunnerConfig
	skillGate *tools.SkillGate

	mu    sync.Mutex
	bound bool
}

// NewRunner returns a Runner bound to cfg.ContextID on first Run.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg, skillGate: tools.NewSkillGate()}
}

// Run implements lane.AgentRunner. It enforces the binding rule,
// then drives runOnce with the context-overflow retry policy.
func (r *Runner) Run(ctx context.Context, req lane.RunRequest) (lane.RunResult, error) {
	if err := r.bind(req.ContextID); err != nil {
		return lane.RunResult{}, err
	}

	requestID := req.Msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx = tools.WithToolWorkspace(ctx, r.cfg.ProjectRoot)
	ctx = tools.WithActorID(ctx, req.Msg.ActorID)
	ctx = tools.WithMessageID(ctx, req.Msg.SourceMessageID)
	if req.Msg.ThreadID != nil {
		ctx = tools.WithThreadID(ctx, fmt.Sprintf("%d", *req.Msg.ThreadID))
	}

	var traceID uuid.UUID
	if r.cfg.Collector != nil {
		traceID = r.cfg.Collector.CreateTrace(req.ContextID, "agent_run")
		ctx = tracing.WithTraceID(ctx, traceID)
		ctx = tracing.WithCollector(ctx, r.cfg.Collector)
	}

	result, err := r.runWithRetry(ctx, req, requestID, 0)

	if r.cfg.Collector != nil {
		status := "ok"
		if err != nil || !result.Success {
			status = "error"
		}
		r.cfg.Collector.FinishTrace(traceID, status)
	}
	return result, err
}

func (r *Runner) bind(contextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bound {
		r.cfg.ContextID = contextID
		r.bound = true
		return nil
	}
	if r.cfg.ContextID != contextID {
		return fmt.Errorf("agent: runner bound to contextId %q, got %q", r.cfg.ContextID, contextID)
	}
	return nil
}

// runWithRetry re-enters the whole compact-then-loop sequence with
// halved budgets on a context-overflow provider error, up to
// maxOverflowRetries attempts total.
func (r *Runner) runWithRetry(ctx context.Context, req lane.RunRequest, requestID string, retryAttempt int) (lane.RunResult, error) {
	result, err := r.runOnce(ctx, req, requestID, retryAttempt)
	if err == nil {
		return result, nil
	}
	if isContextOverflowError(err) && retryAttempt+1 < maxOverflowRetries {
		slog.Warn("agent: context overflow, retrying with halved budgets",
			"contextId", req.ContextID, "attempt", retryAttempt+1)
		return r.runWithRetry(ctx, req, requestID, retryAttempt+1)
	}
	slog.Warn("agent: run failed", "contextId", req.ContextID, "error", err)
	return lane.RunResult{Success: false, Output: "Execution failed: " + err.Error()}, nil
}

// runOnce performs the idempotence check, compact-before-run, and the
// tool-loop driver for a single attempt.
func (r *Runner) runOnce(ctx context.Context, req lane.RunRequest, requestID string, retryAttempt int) (lane.RunResult, error) {
	if err := r.ensureUserTurn(req, requestID); err != nil {
		return lane.RunResult{}, fmt.Errorf("agent: append user turn: %w", err)
	}

	meta, err := r.cfg.Store.LoadMeta()
	if err != nil {
		return lane.RunResult{}, fmt.Errorf("agent: load meta: %w", err)
	}
	pinnedSkills := loadPinnedSkills(r.cfg.SkillsDir, meta.PinnedSkillIDs)

	runtime := RuntimeContext{
		ProjectRoot: r.cfg.ProjectRoot,
		ContextID:   req.ContextID,
		RequestID:   requestID,
		Channel:     req.Msg.Channel,
		TargetID:    req.Msg.TargetID,
		ActorID:     req.Msg.ActorID,
		ActorName:   req.Msg.ActorName,
	}

	effectiveToolDefs := r.skillGate.FilterTools(r.cfg.Registry, toSkillGateSkills(pinnedSkills))
	effectiveToolNames := toolDefNames(effectiveToolDefs)

	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		Runtime:        runtime,
		ProfileDir:     r.cfg.ProfileDir,
		MemoryFilePath: r.cfg.MemoryFilePath,
		AppSystemTexts: r.cfg.AppSystemTexts,
		PinnedSkills:   pinnedSkills,
		EffectiveTools: effectiveToolNames,
	})

	keepLastMessages, maxInputTokensApprox := halvedBudgets(r.cfg.History, retryAttempt)
	compactResult, err := r.cfg.Store.CompactIfNeeded(ctx, shipstore.CompactParams{
		KeepLastMessages:     keepLastMessages,
		MaxInputTokensApprox: maxInputTokensApprox,
		ArchiveOnCompact:     r.cfg.History.ArchiveOnCompact,
		SystemPromptChars:    len(systemPrompt),
	})
	if err != nil {
		slog.Warn("agent: compaction failed, continuing uncompacted", "contextId", req.ContextID, "error", err)
	}
	if compactResult.Compacted && len(pinnedSkills) > 0 {
		pinnedSkills = r.dropStaleSkills(ctx, req.ContextID, pinnedSkills, compactResult.SummaryText)
		effectiveToolDefs = r.skillGate.FilterTools(r.cfg.Registry, toSkillGateSkills(pinnedSkills))
		effectiveToolNames = toolDefNames(effectiveToolDefs)
		systemPrompt = BuildSystemPrompt(SystemPromptConfig{
			Runtime:        runtime,
			ProfileDir:     r.cfg.ProfileDir,
			MemoryFilePath: r.cfg.MemoryFilePath,
			AppSystemTexts: r.cfg.AppSystemTexts,
			PinnedSkills:   pinnedSkills,
			EffectiveTools: effectiveToolNames,
		})
	}

	content, parts, toolCalls, err := r.runToolLoop(ctx, req, requestID, systemPrompt, effectiveToolDefs)
	if err != nil {
		return lane.RunResult{}, err
	}

	content = SanitizeAssistantContent(content)
	if IsSilentReply(content) {
		content = ""
	}
	if content != "" {
		parts = append(parts, shipstore.Part{Type: shipstore.PartText, Text: content})
	}

	turn := shipstore.Turn{
		ID:    fmt.Sprintf("a:%s:%s", req.ContextID, requestID),
		Role:  shipstore.RoleAssistant,
		Parts: parts,
		Metadata: shipstore.Metadata{
			Version:   1,
			Timestamp: time.Now().UnixMilli(),
			ContextID: req.ContextID,
			Channel:   req.Msg.Channel,
			TargetID:  req.Msg.TargetID,
			ActorID:   "bot",
			Source:    shipstore.SourceEgress,
			Kind:      shipstore.KindNormal,
			RequestID: requestID,
		},
	}

	return lane.RunResult{
		Success:       true,
		Output:        content,
		ToolCalls:     toolCalls,
		AssistantTurn: turn,
	}, nil
}

// ensureUserTurn implements the user-turn idempotence check: if the
// most recent transcript turn is not already this request's user-turn
// (matched by platform message id or normalized text tail), append one
// with a deterministic id.
func (r *Runner) ensureUserTurn(req lane.RunRequest, requestID string) error {
	turns, err := r.cfg.Store.LoadAll()
	if err != nil {
		return err
	}

	stableID := req.Msg.SourceMessageID
	if stableID == "" {
		stableID = requestID
	}
	turnID := fmt.Sprintf("u:%s:%s", req.ContextID, stableID)

	if len(turns) > 0 {
		last := turns[len(turns)-1]
		if last.Role == shipstore.RoleUser {
			if last.ID == turnID {
				return nil
			}
			if req.Msg.SourceMessageID != "" && last.Metadata.SourceMessageID == req.Msg.SourceMessageID {
				return nil
			}
			if normalizeTail(turnText(last)) == normalizeTail(req.Query) {
				return nil
			}
		}
	}

	turn := shipstore.Turn{
		ID:   turnID,
		Role: shipstore.RoleUser,
		Parts: []shipstore.Part{{Type: shipstore.PartText, Text: req.Query}},
		Metadata: shipstore.Metadata{
			Version:         1,
			Timestamp:       time.Now().UnixMilli(),
			ContextID:       req.ContextID,
			Channel:         req.Msg.Channel,
			TargetID:        req.Msg.TargetID,
			ActorID:         req.Msg.ActorID,
			ActorName:       req.Msg.ActorName,
			SourceMessageID: req.Msg.SourceMessageID,
			ThreadID:        req.Msg.ThreadID,
			Source:          shipstore.SourceIngress,
			Kind:            shipstore.KindNormal,
			RequestID:       requestID,
		},
	}
	return r.cfg.Store.Append(turn)
}

func turnText(t shipstore.Turn) string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Type == shipstore.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func normalizeTail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}

// halvedBudgets computes keepLastMessages/maxInputTokensApprox for
// retryAttempt, halving each per attempt and clamping to the floors.
func halvedBudgets(h config.HistoryConfig, retryAttempt int) (int, int) {
	keep := h.KeepLastMessages
	if keep <= 0 {
		keep = 30
	}
	tokens := h.MaxInputTokensApprox
	if tokens <= 0 {
		tokens = 12000
	}
	for i := 0; i < retryAttempt; i++ {
		keep /= 2
		tokens /= 2
	}
	if keep < floorKeepLastMessages {
		keep = floorKeepLastMessages
	}
	if tokens < floorMaxInputTokensApprox {
		tokens = floorMaxInputTokensApprox
	}
	return keep, tokens
}

func toolDefNames(defs []providers.ToolDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	return names
}

// skillDropResponse is the strict JSON shape the drop-pruning prompt
// asks the model to answer with.
type skillDropResponse struct {
	Drop []string `json:"drop"`
}

// dropStaleSkills asks the model, via a strict JSON-only prompt, which
// pinned skills are no longer relevant to the compacted tail, and
// removes them from both the in-memory list and the durable meta
// record.
func (r *Runner) dropStaleSkills(ctx context.Context, contextID string, pinned []PinnedSkill, tailSummary string) []PinnedSkill {
	if len(pinned) == 0 {
		return pinned
	}

	var b strings.Builder
	b.WriteString("You are pruning stale skills from an agent's active-skill list. ")
	b.WriteString("Given the conversation summary below, reply with ONLY a JSON object ")
	b.WriteString(`of the form {"drop":["skillId", ...]} listing the ids of pinned skills `)
	b.WriteString("that are no longer relevant. Reply with an empty array if all remain relevant.\n\n")
	fmt.Fprintf(&b, "Summary:\n%s\n\nPinned skills:\n", tailSummary)
	for _, s := range pinned {
		fmt.Fprintf(&b, "- %s\n", s.ID)
	}

	resp, err := r.cfg.Provider.Chat(ctx, providers.ChatRequest{
		Model: r.cfg.Model,
		Messages: []providers.Message{
			{Role: "system", Content: "Reply with strict JSON only, no surrounding text."},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		slog.Warn("agent: skill-pruning call failed, keeping all pinned skills", "contextId", contextID, "error", err)
		return pinned
	}

	var parsed skillDropResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &parsed); err != nil || len(parsed.Drop) == 0 {
		return pinned
	}

	drop := make(map[string]bool, len(parsed.Drop))
	for _, id := range parsed.Drop {
		drop[id] = true
	}

	var kept []PinnedSkill
	var keptIDs []string
	for _, s := range pinned {
		if drop[s.ID] {
			continue
		}
		kept = append(kept, s)
		keptIDs = append(keptIDs, s.ID)
	}
	if err := r.cfg.Store.SetPinnedSkillIds(keptIDs); err != nil {
		slog.Warn("agent: failed to persist pruned pinned skills", "contextId", contextID, "error", err)
	}
	return kept
}

// runToolLoop drives the step-bounded tool loop: build messages from
// the transcript plus the in-flight suffix, call the provider, execute
// any tool calls in parallel, and repeat until the model stops
// requesting tools or the step cap is hit.
func (r *Runner) runToolLoop(ctx context.Context, req lane.RunRequest, requestID, systemPrompt string, toolDefs []providers.ToolDefinition) (string, []shipstore.Part, int, error) {
	var agentSpanID uuid.UUID
	if r.cfg.Collector != nil {
		traceID := tracing.TraceIDFromContext(ctx)
		agentSpanID = r.cfg.Collector.StartSpan(ctx, traceID, tracing.ParentSpanIDFromContext(ctx), tracing.SpanAgent, "agent_run", map[string]interface{}{
			"contextId": req.ContextID,
		})
		ctx = tracing.WithParentSpanID(ctx, agentSpanID)
	}
	var runErr error
	defer func() {
		if r.cfg.Collector != nil {
			traceID := tracing.TraceIDFromContext(ctx)
			r.cfg.Collector.FinishSpan(traceID, agentSpanID, runErr)
		}
	}()

	history, err := r.cfg.Store.LoadAll()
	if err != nil {
		runErr = err
		return "", nil, 0, err
	}
	history = repairHistory(history)

	var suffix []providers.Message
	var parts []shipstore.Part
	var finalContent string
	toolCallCount := 0
	loopState := &toolLoopState{}

	for step := 0; step < maxToolLoopSteps; step++ {
		if req.DrainLaneMerged != nil {
			drained, derr := req.DrainLaneMerged()
			if derr == nil && drained.Drained > 0 {
				fresh, lerr := r.cfg.Store.LoadAll()
				if lerr == nil {
					history = repairHistory(fresh)
				}
			}
		}

		messages := make([]providers.Message, 0, len(history)+len(suffix)+1)
		messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
		messages = append(messages, shipstore.ToModelMessages(history)...)
		messages = append(messages, suffix...)

		var llmSpanID uuid.UUID
		if r.cfg.Collector != nil {
			traceID := tracing.TraceIDFromContext(ctx)
			llmSpanID = r.cfg.Collector.StartSpan(ctx, traceID, agentSpanID, tracing.SpanLLMCall, "chat", map[string]interface{}{"step": step})
		}
		resp, err := r.cfg.Provider.Chat(ctx, providers.ChatRequest{
			Model:    r.cfg.Model,
			Messages: messages,
			Tools:    toolDefs,
		})
		if r.cfg.Collector != nil {
			traceID := tracing.TraceIDFromContext(ctx)
			r.cfg.Collector.FinishSpan(traceID, llmSpanID, err)
		}
		if err != nil {
			runErr = err
			return "", parts, toolCallCount, err
		}

		if req.OnStep != nil && resp.Content != "" {
			req.OnStep(lane.StepEvent{Type: "text", Text: resp.Content})
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			if req.OnStep != nil {
				req.OnStep(lane.StepEvent{Type: "step_finish"})
			}
			break
		}

		suffix = append(suffix, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			parts = append(parts, shipstore.Part{Type: shipstore.PartText, Text: resp.Content})
		}

		results := r.executeToolCallsParallel(ctx, req, requestID, resp.ToolCalls, loopState)
		toolCallCount += len(resp.ToolCalls)

		var errSummaries []string
		for _, tc := range resp.ToolCalls {
			res := results[tc.ID]
			argsJSON, _ := json.Marshal(tc.Arguments)
			parts = append(parts, shipstore.Part{
				Type:       shipstore.PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolArgs:   string(argsJSON),
			})
			output := ""
			isError := false
			if res != nil {
				output = res.ForLLM
				isError = res.IsError
			}
			parts = append(parts, shipstore.Part{
				Type:       shipstore.PartToolResult,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolOutput: output,
				IsError:    isError,
			})
			suffix = append(suffix, providers.Message{Role: "tool", Content: output, ToolCallID: tc.ID})

			if isError {
				errSummaries = append(errSummaries, truncate(output, 200))
			}

			level, msg := loopState.detect(tc.Name, loopState.record(tc.Name, tc.Arguments))
			if level == "critical" {
				finalContent = msg
				if req.OnStep != nil {
					req.OnStep(lane.StepEvent{Type: "step_finish"})
				}
				return finalContent, parts, toolCallCount, nil
			}
			if level == "warning" {
				suffix = append(suffix, providers.Message{Role: "user", Content: msg})
			}
		}

		if len(errSummaries) > 0 {
			slog.Debug("agent: tool errors this step", "contextId", req.ContextID, "errors", errSummaries)
		}
		if req.OnStep != nil {
			req.OnStep(lane.StepEvent{Type: "step_finish"})
		}
	}

	return finalContent, parts, toolCallCount, nil
}

// toolCallOutcome pairs an executed tool call's original index with its
// result, so goroutine fan-out can reassemble results in call order
// regardless of completion order.
type toolCallOutcome struct {
	index int
	id    string
	result *tools.Result
}

// executeToolCallsParallel runs every tool call concurrently (a single
// call runs inline, avoiding goroutine overhead for the common case),
// then returns a map from tool-call id to result so the caller can
// reassemble deterministically by the original call order.
func (r *Runner) executeToolCallsParallel(ctx context.Context, req lane.RunRequest, requestID string, calls []providers.ToolCall, loopState *toolLoopState) map[string]*tools.Result {
	out := make(map[string]*tools.Result, len(calls))

	if len(calls) == 1 {
		tc := calls[0]
		out[tc.ID] = r.executeOneTool(ctx, req, requestID, tc)
		return out
	}

	outcomes := make(chan toolCallOutcome, len(calls))
	for i, tc := range calls {
		go func(idx int, call providers.ToolCall) {
			outcomes <- toolCallOutcome{index: idx, id: call.ID, result: r.executeOneTool(ctx, req, requestID, call)}
		}(i, tc)
	}

	collected := make([]toolCallOutcome, 0, len(calls))
	for range calls {
		collected = append(collected, <-outcomes)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	for _, c := range collected {
		out[c.id] = c.result
	}
	return out
}

func (r *Runner) executeOneTool(ctx context.Context, req lane.RunRequest, requestID string, tc providers.ToolCall) *tools.Result {
	var spanID uuid.UUID
	if r.cfg.Collector != nil {
		traceID := tracing.TraceIDFromContext(ctx)
		spanID = r.cfg.Collector.StartSpan(ctx, traceID, tracing.ParentSpanIDFromContext(ctx), tracing.SpanToolCall, tc.Name, map[string]interface{}{
			"toolCallId": tc.ID,
		})
	}
	res := r.cfg.Registry.ExecuteWithContext(ctx, tc.Name, tc.Arguments, req.ContextID, req.Msg.Channel, req.Msg.TargetID, requestID)
	if r.cfg.Collector != nil {
		traceID := tracing.TraceIDFromContext(ctx)
		var err error
		if res != nil && res.IsError {
			err = fmt.Errorf("%s", res.ForLLM)
		}
		r.cfg.Collector.FinishSpan(traceID, spanID, err)
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
