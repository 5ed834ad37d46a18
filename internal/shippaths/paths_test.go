package shippaths

import (
	"strings"
	"testing"
)

func TestNormalizeContextID(t *testing.T) {
	if _, err := NormalizeContextID("   "); err == nil {
		t.Error("expected error for empty contextId")
	}
	got, err := NormalizeContextID("  ctx-A  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ctx-A" {
		t.Errorf("got %q, want ctx-A", got)
	}
}

func TestValidateTaskID(t *testing.T) {
	valid := []string{"a", "task-1", "Task_ABC123"}
	for _, v := range valid {
		if err := ValidateTaskID(v); err != nil {
			t.Errorf("ValidateTaskID(%q) = %v, want nil", v, err)
		}
	}
	invalid := []string{"", "-leading-dash", "has space", strings.Repeat("a", 65)}
	for _, v := range invalid {
		if err := ValidateTaskID(v); err == nil {
			t.Errorf("ValidateTaskID(%q) = nil, want error", v)
		}
	}
}

func TestTaskRunContextID(t *testing.T) {
	got, err := TaskRunContextID("task-1", "20260101T000000Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "task-run:task-1:20260101T000000Z"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLayoutPaths_AreDeterministicAndEncodeContextID(t *testing.T) {
	l := NewLayout("/srv/agent")
	contextID := "agent:telegram:user/42"

	transcript := l.TranscriptPath(contextID)
	if !strings.HasSuffix(transcript, "messages.jsonl") {
		t.Errorf("TranscriptPath = %q, want suffix messages.jsonl", transcript)
	}
	if strings.Contains(transcript, "user/42") {
		t.Errorf("TranscriptPath leaked raw slash from contextId: %q", transcript)
	}

	if l.MetaPath(contextID) == l.LockPath(contextID) {
		t.Error("MetaPath and LockPath must differ")
	}
	if l.ArchivePath(contextID, "arc-1") == l.ArchivePath(contextID, "arc-2") {
		t.Error("ArchivePath must vary with archiveId")
	}
}
