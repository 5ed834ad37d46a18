package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shipagent/ship/internal/shellsession"
)

// ShellToolset wraps a shellsession.Manager as the three tools a run
// always has available regardless of active-skill gating: exec_command,
// write_stdin, close_shell.
type ShellToolset struct {
	mgr     *shellsession.Manager
	paging  shellsession.PagingConfig
}

// NewShellToolset returns the triad backed by mgr, paging its output
// according to cfg.
func NewShellToolset(mgr *shellsession.Manager, cfg shellsession.PagingConfig) *ShellToolset {
	return &ShellToolset{mgr: mgr, paging: cfg}
}

// Tools returns the three Tool implementations in a fixed order.
func (s *ShellToolset) Tools() []Tool {
	return []Tool{
		&execCommandTool{s},
		&writeStdinTool{s},
		&closeShellTool{s},
	}
}

// Names returns the fixed triad's names, for building the
// always-available tool set independent of any skill allowlist.
func Names() []string {
	return []string{"exec_command", "write_stdin", "close_shell"}
}

func requestContextFromCtx(ctx context.Context) shellsession.RequestContext {
	host, port := ServerAddrFromCtx(ctx)
	portStr := ""
	if port != 0 {
		portStr = fmt.Sprintf("%d", port)
	}
	return shellsession.RequestContext{
		ContextID:  ContextIDFromCtx(ctx),
		Channel:    ToolChannelFromCtx(ctx),
		TargetID:   TargetIDFromCtx(ctx),
		ActorID:    ActorIDFromCtx(ctx),
		MessageID:  MessageIDFromCtx(ctx),
		ThreadID:   ThreadIDFromCtx(ctx),
		RequestID:  RequestIDFromCtx(ctx),
		ServerHost: host,
		ServerPort: portStr,
	}
}

func pageToResult(p shellsession.PageResult, err error) *Result {
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, marshalErr := json.Marshal(p)
	if marshalErr != nil {
		return ErrorResult(fmt.Sprintf("failed to encode shell output: %v", marshalErr))
	}
	return SilentResult(string(data))
}

type execCommandTool struct{ s *ShellToolset }

func (t *execCommandTool) Name() string { return "exec_command" }
func (t *execCommandTool) Description() string {
	return "Start a long-lived shell session running the given command"
}
func (t *execCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cmd":              map[string]interface{}{"type": "string", "description": "Command to run"},
			"workdir":          map[string]interface{}{"type": "string", "description": "Working directory, relative to the project root"},
			"shell":            map[string]interface{}{"type": "string", "description": "Shell to use (default sh)"},
			"login":            map[string]interface{}{"type": "boolean", "description": "Run as a login shell (default true)"},
			"yield_time_ms":    map[string]interface{}{"type": "integer", "description": "Milliseconds to wait for output before returning (default 10000)"},
			"max_output_tokens": map[string]interface{}{"type": "integer", "description": "Optional tighter cap on returned output size"},
		},
		"required": []string{"cmd"},
	}
}

func (t *execCommandTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	cmd, _ := args["cmd"].(string)
	if cmd == "" {
		return ErrorResult("cmd is required")
	}
	workdir, _ := args["workdir"].(string)
	shell, _ := args["shell"].(string)
	login := true
	if v, ok := args["login"].(bool); ok {
		login = v
	}
	yieldMs := 10000
	if v, ok := args["yield_time_ms"].(float64); ok {
		yieldMs = int(v)
	}
	maxOutputTok := 0
	if v, ok := args["max_output_tokens"].(float64); ok {
		maxOutputTok = int(v)
	}

	page, err := t.s.mgr.ExecCommand(ctx, shellsession.SpawnParams{
		Command:      cmd,
		Workdir:      workdir,
		Shell:        shell,
		Login:        login,
		YieldTimeMs:  yieldMs,
		MaxOutputTok: maxOutputTok,
	}, requestContextFromCtx(ctx), t.s.paging)
	return pageToResult(page, err)
}

type writeStdinTool struct{ s *ShellToolset }

func (t *writeStdinTool) Name() string { return "write_stdin" }
func (t *writeStdinTool) Description() string {
	return "Send input to an active shell session, or poll it for more output with empty chars"
}
func (t *writeStdinTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"context_id":        map[string]interface{}{"type": "integer", "description": "Session id returned by exec_command"},
			"chars":             map[string]interface{}{"type": "string", "description": "Input to send; empty to just poll for output"},
			"yield_time_ms":     map[string]interface{}{"type": "integer", "description": "Milliseconds to wait for output before returning"},
			"max_output_tokens": map[string]interface{}{"type": "integer", "description": "Optional tighter cap on returned output size"},
		},
		"required": []string{"context_id"},
	}
}

func (t *writeStdinTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sessionID, ok := args["context_id"].(float64)
	if !ok {
		return ErrorResult("context_id is required")
	}
	chars, _ := args["chars"].(string)
	yieldMs := 10000
	if v, ok := args["yield_time_ms"].(float64); ok {
		yieldMs = int(v)
	}
	maxOutputTok := 0
	if v, ok := args["max_output_tokens"].(float64); ok {
		maxOutputTok = int(v)
	}

	page, err := t.s.mgr.WriteStdin(int64(sessionID), chars, yieldMs, maxOutputTok, t.s.paging)
	return pageToResult(page, err)
}

type closeShellTool struct{ s *ShellToolset }

func (t *closeShellTool) Name() string        { return "close_shell" }
func (t *closeShellTool) Description() string { return "Terminate and release a shell session" }
func (t *closeShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"context_id": map[string]interface{}{"type": "integer", "description": "Session id returned by exec_command"},
			"force":      map[string]interface{}{"type": "boolean", "description": "Send SIGKILL instead of SIGTERM"},
		},
		"required": []string{"context_id"},
	}
}

func (t *closeShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sessionID, ok := args["context_id"].(float64)
	if !ok {
		return ErrorResult("context_id is required")
	}
	force, _ := args["force"].(bool)
	if err := t.s.mgr.CloseShell(int64(sessionID), force); err != nil {
		return ErrorResult(err.Error())
	}
	return SilentResult("session closed")
}
