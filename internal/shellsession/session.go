// Package shellsession implements the long-lived shell tool subsystem:
// exec_command spawns a child shell, write_stdin feeds it input and
// polls for paged output, close_shell releases it. Output is buffered,
// not streamed, so the tool-loop driver can call these synchronously.
package shellsession

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// MaxActiveSessions bounds how many shell sessions may be alive at
	// once, across all contexts.
	MaxActiveSessions = 64

	// MaxPendingChars bounds the unread-output buffer per session.
	// Overflow drops the oldest bytes and increments droppedChars.
	MaxPendingChars = 1_000_000

	minYield     = 50 * time.Millisecond
	maxYield     = 30 * time.Second
	followOnWait = 30 * time.Millisecond
	minPollWait  = 5 * time.Second
)

// Session is a spawned shell child process with buffered output.
type Session struct {
	ID      int64
	Cmd     string
	Workdir string
	Shell   string
	Login   bool

	cmd   *exec.Cmd
	stdin writeCloser

	mu           sync.Mutex
	pending      strings.Builder
	droppedChars int
	exited       bool
	exitCode     int
	exitErr      error
	lastActive   time.Time

	notify chan struct{} // signaled (non-blocking) on new output or exit
}

type writeCloser interface {
	Write([]byte) (int, error)
	Close() error
}

// SpawnParams are the inputs to exec_command.
type SpawnParams struct {
	Command      string
	Workdir      string
	Shell        string // default "sh"
	Login        bool
	YieldTimeMs  int
	MaxOutputTok int
}

func spawn(id int64, p SpawnParams, env []string) (*Session, error) {
	shell := p.Shell
	if shell == "" {
		shell = "sh"
	}
	flag := "-c"
	if p.Login {
		flag = "-lc"
	}

	cmd := exec.Command(shell, flag, p.Command)
	cmd.Dir = p.Workdir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("shellsession: stdin pipe: %w", err)
	}

	s := &Session{
		ID:         id,
		Cmd:        p.Command,
		Workdir:    p.Workdir,
		Shell:      shell,
		Login:      p.Login,
		cmd:        cmd,
		stdin:      stdin,
		lastActive: time.Now(),
		notify:     make(chan struct{}, 1),
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shellsession: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("shellsession: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("shellsession: start: %w", err)
	}

	go s.pump(stdoutPipe, false)
	go s.pump(stderrPipe, true)
	go s.awaitExit()

	return s, nil
}

// pump copies a stdout/stderr pipe into the pending-output buffer,
// stripping control characters (except newline/tab) and normalizing
// CRLF to LF.
func (s *Session) pump(r interface{ Read([]byte) (int, error) }, isStderr bool) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := sanitizeOutput(buf[:n])
			if isStderr {
				s.appendOutput("STDERR: " + chunk)
			} else {
				s.appendOutput(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func sanitizeOutput(b []byte) string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	var out bytes.Buffer
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func (s *Session) appendOutput(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.pending.WriteString(text)
	if s.pending.Len() > MaxPendingChars {
		overflow := s.pending.Len() - MaxPendingChars
		kept := s.pending.String()[overflow:]
		s.pending.Reset()
		s.pending.WriteString(kept)
		s.droppedChars += overflow
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) awaitExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.exited = true
	s.exitErr = err
	if s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	}
	s.mu.Unlock()
	s.signal()
}

// hasPending reports whether the buffer is non-empty.
func (s *Session) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len() > 0
}

// Exited reports whether the child process has exited.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// drained reports whether the session is exited with nothing left to
// read — the condition capacity eviction and auto-finalize look for.
func (s *Session) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited && s.pending.Len() == 0
}

// WriteStdin sends chars to the child's stdin (if non-empty), then
// runs the yield algorithm; Manager.WriteStdin cuts the page of output
// afterwards. A failed write is logged, not returned.
func (s *Session) WriteStdin(chars string, yieldTimeMs int) error {
	if chars != "" {
		if _, err := s.stdin.Write([]byte(chars)); err != nil {
			slog.Warn("shellsession: write_stdin failed", "sessionId", s.ID, "error", err)
		}
	}
	s.yield(chars == "", yieldTimeMs)
	return nil
}

// yield implements the wait-for-output algorithm: clamp the deadline,
// return promptly if output is already pending (after a short
// follow-on wait to reduce fragmentation), otherwise block until a
// waiter fires or the deadline passes. Empty-input polls use a 5s
// floor to avoid busy loops.
func (s *Session) yield(isPoll bool, yieldTimeMs int) {
	deadline := time.Duration(yieldTimeMs) * time.Millisecond
	if deadline < minYield {
		deadline = minYield
	}
	if deadline > maxYield {
		deadline = maxYield
	}
	if isPoll && deadline < minPollWait {
		deadline = minPollWait
	}

	if s.hasPending() {
		select {
		case <-s.notify:
		case <-time.After(followOnWait):
		}
	} else {
		select {
		case <-s.notify:
		case <-time.After(deadline):
		}
	}
}

// Close terminates the child (SIGTERM, or SIGKILL when force) and
// drops the buffer. Safe to call on an already-exited session.
func (s *Session) Close(force bool) error {
	s.mu.Lock()
	exited := s.exited
	s.pending.Reset()
	s.mu.Unlock()

	if exited || s.cmd.Process == nil {
		return nil
	}
	if force {
		return s.cmd.Process.Kill()
	}
	return s.cmd.Process.Signal(terminateSignal)
}
