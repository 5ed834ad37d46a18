package tools

import (
	"context"
	"testing"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool " + f.name }
func (f *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return SilentResult("contextId=" + ContextIDFromCtx(ctx))
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register(&fakeTool{name: "read_file"})
	r.Register(&fakeTool{name: "write_file"})
	r.Register(&fakeTool{name: "exec_command"})
	r.Register(&fakeTool{name: "write_stdin"})
	r.Register(&fakeTool{name: "close_shell"})
	r.Register(&fakeTool{name: "web_search"})
	return r
}

func TestRegistry_ListIsSorted(t *testing.T) {
	r := newTestRegistry()
	names := r.List()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("List() not sorted: %v", names)
		}
	}
}

func TestRegistry_ExecuteWithContext_PropagatesContextID(t *testing.T) {
	r := newTestRegistry()
	result := r.ExecuteWithContext(context.Background(), "read_file", nil, "ctx-A", "chan", "target", "req-1")
	if result.ForLLM != "contextId=ctx-A" {
		t.Errorf("got %q, want contextId=ctx-A", result.ForLLM)
	}
}

func TestRegistry_ExecuteWithContext_UnknownTool(t *testing.T) {
	r := newTestRegistry()
	result := r.ExecuteWithContext(context.Background(), "does_not_exist", nil, "ctx-A", "", "", "")
	if !result.IsError {
		t.Error("expected IsError for unknown tool")
	}
}

func TestSkillGate_NoActiveSkillsAllowsEverything(t *testing.T) {
	r := newTestRegistry()
	gate := NewSkillGate()
	defs := gate.FilterTools(r, nil)
	if len(defs) != len(r.List()) {
		t.Errorf("got %d defs, want %d (no gating)", len(defs), len(r.List()))
	}
}

func TestSkillGate_RestrictsToUnionPlusShellTriad(t *testing.T) {
	r := newTestRegistry()
	gate := NewSkillGate()
	defs := gate.FilterTools(r, []Skill{
		{ID: "web-helper", AllowedTools: []string{"web_search"}},
	})

	names := make(map[string]bool)
	for _, d := range defs {
		names[d.Function.Name] = true
	}
	for _, want := range []string{"web_search", "exec_command", "write_stdin", "close_shell"} {
		if !names[want] {
			t.Errorf("expected %q in filtered tools, got %v", want, names)
		}
	}
	if names["read_file"] {
		t.Error("read_file should have been restricted out")
	}
}

func TestSkillGate_UnrestrictedSkillLiftsRestriction(t *testing.T) {
	r := newTestRegistry()
	gate := NewSkillGate()
	defs := gate.FilterTools(r, []Skill{
		{ID: "web-helper", AllowedTools: []string{"web_search"}},
		{ID: "full-access", AllowedTools: nil},
	})
	if len(defs) != len(r.List()) {
		t.Errorf("got %d defs, want %d (unrestricted skill lifts gating)", len(defs), len(r.List()))
	}
}
