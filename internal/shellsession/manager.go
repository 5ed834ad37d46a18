package shellsession

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// RequestContext carries the fields that get exposed to a spawned
// shell as SMA_CTX_* environment variables, so subprocesses can call
// back into the local server.
type RequestContext struct {
	ContextID string
	Channel   string
	TargetID  string
	ActorID   string
	MessageID string
	ThreadID  string
	RequestID string
	ServerHost string
	ServerPort string
}

func (r RequestContext) envPairs() []string {
	pairs := map[string]string{
		"SMA_CTX_CONTEXT_ID":   r.ContextID,
		"SMA_CTX_CHANNEL":      r.Channel,
		"SMA_CTX_TARGET_ID":    r.TargetID,
		"SMA_CTX_ACTOR_ID":     r.ActorID,
		"SMA_CTX_MESSAGE_ID":   r.MessageID,
		"SMA_CTX_THREAD_ID":    r.ThreadID,
		"SMA_CTX_REQUEST_ID":   r.RequestID,
		"SMA_CTX_SERVER_HOST":  r.ServerHost,
		"SMA_CTX_SERVER_PORT":  r.ServerPort,
	}
	out := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v != "" {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// PagingConfig bounds how much output one response page carries.
type PagingConfig struct {
	MaxOutputChars int
	MaxOutputLines int
}

// PageResult is the output page returned by exec_command/write_stdin.
type PageResult struct {
	ContextID     *int64 `json:"context_id"` // nil signals the session is gone
	Output        string `json:"output"`
	Exited        bool   `json:"exited"`
	ExitCode      int    `json:"exit_code,omitempty"`
	HasMoreOutput bool   `json:"has_more_output,omitempty"`
	DroppedChars  int    `json:"dropped_chars,omitempty"`
	Note          string `json:"note,omitempty"`
}

// deniedCommandErr is returned when a command matches the deny-pattern
// list; it is not a crash, just a refusal.
type deniedCommandErr struct {
	pattern string
}

func (e *deniedCommandErr) Error() string {
	return fmt.Sprintf("command denied by security policy (matched %s)", e.pattern)
}

// errTooManySessions is returned when capacity eviction can't make
// room for a new session.
var errTooManySessions = fmt.Errorf("too_many_sessions")

// Manager owns all active shell sessions for the process. One Manager
// is shared across contexts; sessions are looked up by numeric id.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   atomic.Int64
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[int64]*Session)}
}

// ExecCommand validates and spawns a new session, then runs the yield
// algorithm once before returning its first page of output.
func (m *Manager) ExecCommand(ctx context.Context, p SpawnParams, reqCtx RequestContext, paging PagingConfig) (PageResult, error) {
	if pattern := checkDenyPatterns(p.Command); pattern != "" {
		return PageResult{}, &deniedCommandErr{pattern: pattern}
	}
	if p.Workdir == "" {
		p.Workdir = "."
	}
	absWorkdir, err := filepath.Abs(p.Workdir)
	if err == nil {
		p.Workdir = absWorkdir
	}

	if err := m.makeRoom(); err != nil {
		return PageResult{}, err
	}

	id := m.nextID.Add(1)
	env := append(os.Environ(), reqCtx.envPairs()...)

	sess, err := spawn(id, p, env)
	if err != nil {
		return PageResult{}, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	yieldMs := p.YieldTimeMs
	if yieldMs == 0 {
		yieldMs = 10000
	}
	sess.yield(false, yieldMs)

	return m.page(sess, p.MaxOutputTok, paging), nil
}

// WriteStdin sends input (possibly empty, to poll) to an existing
// session and returns the next page.
func (m *Manager) WriteStdin(sessionID int64, chars string, yieldTimeMs int, maxOutputTok int, paging PagingConfig) (PageResult, error) {
	sess := m.get(sessionID)
	if sess == nil {
		nilID := (*int64)(nil)
		return PageResult{ContextID: nilID, Note: "session not found, already closed"}, nil
	}
	if yieldTimeMs == 0 {
		yieldTimeMs = 10000
	}
	if err := sess.WriteStdin(chars, yieldTimeMs); err != nil {
		return PageResult{}, err
	}
	return m.page(sess, maxOutputTok, paging), nil
}

// CloseShell terminates and removes a session. Closing an unknown id
// is idempotent success.
func (m *Manager) CloseShell(sessionID int64, force bool) error {
	sess := m.get(sessionID)
	if sess == nil {
		return nil
	}
	err := sess.Close(force)
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return err
}

func (m *Manager) get(id int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// page cuts the session's pending buffer by character and line
// budget, leaving the remainder buffered, and auto-finalizes the
// session if it has exited and nothing is left to read.
func (m *Manager) page(sess *Session, maxOutputTok int, cfg PagingConfig) PageResult {
	maxChars := cfg.MaxOutputChars
	if maxChars <= 0 {
		maxChars = 12000
	}
	if maxOutputTok > 0 && maxOutputTok*4 < maxChars {
		maxChars = maxOutputTok * 4
	}
	maxLines := cfg.MaxOutputLines
	if maxLines <= 0 {
		maxLines = 200
	}

	sess.mu.Lock()
	full := sess.pending.String()
	droppedChars := sess.droppedChars
	sess.droppedChars = 0
	exited := sess.exited
	exitCode := sess.exitCode
	sess.mu.Unlock()

	page, remainder, hasMore := cutPage(full, maxChars, maxLines)

	sess.mu.Lock()
	sess.pending.Reset()
	sess.pending.WriteString(remainder)
	sess.mu.Unlock()

	result := PageResult{
		ContextID:     ptr(sess.ID),
		Output:        page,
		Exited:        exited,
		ExitCode:      exitCode,
		HasMoreOutput: hasMore,
		DroppedChars:  droppedChars,
	}
	if hasMore {
		result.Note = "output truncated; call write_stdin with empty chars to fetch the next page"
	}

	if exited && remainder == "" && !hasMore {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		result.ContextID = nil
	}

	return result
}

func ptr(v int64) *int64 { return &v }

// cutPage splits text at the first of maxChars or maxLines, whichever
// comes first.
func cutPage(text string, maxChars, maxLines int) (page, remainder string, hasMore bool) {
	if len(text) > maxChars {
		text, remainder = text[:maxChars], text[maxChars:]
		hasMore = true
	}

	lines := 0
	cut := len(text)
	for i, r := range text {
		if r == '\n' {
			lines++
			if lines >= maxLines {
				cut = i + 1
				break
			}
		}
	}
	if cut < len(text) {
		remainder = text[cut:] + remainder
		text = text[:cut]
		hasMore = true
	}
	return text, remainder, hasMore
}

// makeRoom evicts exited+drained sessions oldest-first until there is
// capacity for one more session; fails if still over after eviction.
func (m *Manager) makeRoom() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) < MaxActiveSessions {
		return nil
	}

	type candidate struct {
		id   int64
		sess *Session
	}
	var drained []candidate
	for id, s := range m.sessions {
		if s.drained() {
			drained = append(drained, candidate{id, s})
		}
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i].id < drained[j].id })

	for _, c := range drained {
		delete(m.sessions, c.id)
		if len(m.sessions) < MaxActiveSessions {
			return nil
		}
	}

	if len(m.sessions) >= MaxActiveSessions {
		return errTooManySessions
	}
	return nil
}
