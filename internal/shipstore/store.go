package shipstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shippaths"
)

// Summarizer produces a Markdown summary of a linearized transcript
// segment. The Agent Runner supplies a provider-backed implementation;
// tests can supply a fake.
type Summarizer interface {
	Summarize(ctx context.Context, linearized string) (string, error)
}

// Store is the context store for a single context: an append-only
// JSONL transcript plus a meta.json control record, guarded by a
// file lock shared with any other process touching the same context.
type Store struct {
	layout    *shippaths.Layout
	contextID string
	summarizer Summarizer

	mu sync.Mutex // serializes in-process callers; the file lock serializes cross-process ones
}

// New returns a Store for contextID rooted at layout. It does not
// touch disk until a method is called.
func New(layout *shippaths.Layout, contextID string, summarizer Summarizer) (*Store, error) {
	normalized, err := shippaths.NormalizeContextID(contextID)
	if err != nil {
		return nil, err
	}
	return &Store{layout: layout, contextID: normalized, summarizer: summarizer}, nil
}

func (s *Store) ensureDir() error {
	return os.MkdirAll(s.layout.MessagesDir(s.contextID), 0o755)
}

func (s *Store) withLock(fn func() error) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	lock := newFileLock(s.layout.LockPath(s.contextID))
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// Append serializes turn as one JSON line and appends it to the
// transcript, holding the context write-lock for the duration.
func (s *Store) Append(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("shipstore: marshal turn: %w", err)
	}
	line = append(line, '\n')

	return s.withLock(func() error {
		f, err := os.OpenFile(s.layout.TranscriptPath(s.contextID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("shipstore: open transcript: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("shipstore: append turn: %w", err)
		}
		return f.Sync()
	})
}

// LoadAll reads the entire transcript. Malformed lines are skipped
// best-effort; a load never fails because of a single bad line.
func (s *Store) LoadAll() ([]Turn, error) {
	return s.loadAllUnlocked()
}

func (s *Store) loadAllUnlocked() ([]Turn, error) {
	f, err := os.Open(s.layout.TranscriptPath(s.contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("shipstore: open transcript: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			continue
		}
		if t.Role != RoleUser && t.Role != RoleAssistant {
			continue
		}
		if t.Parts == nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// LoadRange returns turns[i:j], clamped to the transcript's length.
func (s *Store) LoadRange(i, j int) ([]Turn, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if i < 0 {
		i = 0
	}
	if j > len(all) {
		j = len(all)
	}
	if i >= j {
		return nil, nil
	}
	return all[i:j], nil
}

// LoadMeta reads the context-meta record, returning a fresh v1 record
// with no pinned skills if none exists yet.
func (s *Store) LoadMeta() (ContextMeta, error) {
	data, err := os.ReadFile(s.layout.MetaPath(s.contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return ContextMeta{Version: 1, ContextID: s.contextID, PinnedSkillIDs: []string{}}, nil
		}
		return ContextMeta{}, fmt.Errorf("shipstore: read meta: %w", err)
	}
	var meta ContextMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ContextMeta{}, fmt.Errorf("shipstore: parse meta: %w", err)
	}
	if meta.PinnedSkillIDs == nil {
		meta.PinnedSkillIDs = []string{}
	}
	return meta, nil
}

// UpdateMeta applies mutate to the current meta record under the
// context lock and atomically rewrites meta.json.
func (s *Store) UpdateMeta(mutate func(*ContextMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(func() error {
		meta, err := s.loadMetaUnlocked()
		if err != nil {
			return err
		}
		mutate(&meta)
		return s.writeMetaUnlocked(meta)
	})
}

func (s *Store) loadMetaUnlocked() (ContextMeta, error) {
	data, err := os.ReadFile(s.layout.MetaPath(s.contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return ContextMeta{Version: 1, ContextID: s.contextID, PinnedSkillIDs: []string{}}, nil
		}
		return ContextMeta{}, err
	}
	var meta ContextMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ContextMeta{}, err
	}
	if meta.PinnedSkillIDs == nil {
		meta.PinnedSkillIDs = []string{}
	}
	return meta, nil
}

func (s *Store) writeMetaUnlocked(meta ContextMeta) error {
	meta.Version = 1
	meta.ContextID = s.contextID
	meta.UpdatedAt = nowMillis()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	dir := s.layout.MessagesDir(s.contextID)
	tmp, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.layout.MetaPath(s.contextID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// AddPinnedSkillId adds id to the pinned-skill set if not already
// present.
func (s *Store) AddPinnedSkillId(id string) error {
	return s.UpdateMeta(func(m *ContextMeta) {
		for _, existing := range m.PinnedSkillIDs {
			if existing == id {
				return
			}
		}
		m.PinnedSkillIDs = append(m.PinnedSkillIDs, id)
	})
}

// SetPinnedSkillIds replaces the entire pinned-skill set, used by
// compaction's relevance-pruning step.
func (s *Store) SetPinnedSkillIds(ids []string) error {
	return s.UpdateMeta(func(m *ContextMeta) {
		m.PinnedSkillIDs = append([]string(nil), ids...)
	})
}

// ToModelMessages converts the transcript into provider messages,
// stripping the id field and tolerating a tool_call whose matching
// tool_result never arrived.
func ToModelMessages(turns []Turn) []providers.Message {
	var out []providers.Message
	var pendingCalls []providers.ToolCall

	flushPending := func() {
		if len(pendingCalls) == 0 {
			return
		}
		for _, tc := range pendingCalls {
			out = append(out, providers.Message{
				Role:       "tool",
				Content:    "",
				ToolCallID: tc.ID,
			})
		}
		pendingCalls = nil
	}

	for _, t := range turns {
		var text string
		var toolCalls []providers.ToolCall
		var toolResults []providers.Message

		for _, p := range t.Parts {
			switch p.Type {
			case PartText:
				text += p.Text
			case PartToolCall:
				var args map[string]interface{}
				_ = json.Unmarshal([]byte(p.ToolArgs), &args)
				toolCalls = append(toolCalls, providers.ToolCall{
					ID:        p.ToolCallID,
					Name:      p.ToolName,
					Arguments: args,
				})
			case PartToolResult:
				toolResults = append(toolResults, providers.Message{
					Role:       "tool",
					Content:    p.ToolOutput,
					ToolCallID: p.ToolCallID,
				})
			}
		}

		switch t.Role {
		case RoleUser:
			flushPending()
			out = append(out, providers.Message{Role: "user", Content: text})
		case RoleAssistant:
			msg := providers.Message{Role: "assistant", Content: text, ToolCalls: toolCalls}
			out = append(out, msg)
			if len(toolCalls) > 0 {
				pendingCalls = toolCalls
			}
			for _, tr := range toolResults {
				out = append(out, tr)
				pendingCalls = removeToolCall(pendingCalls, tr.ToolCallID)
			}
		}
	}
	flushPending()
	return out
}

func removeToolCall(calls []providers.ToolCall, id string) []providers.ToolCall {
	out := make([]providers.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
