package shipstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shipagent/ship/internal/shippaths"
)

type fakeSummarizer struct {
	text string
	err  error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, linearized string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func newTestStore(t *testing.T, contextID string, summarizer Summarizer) *Store {
	t.Helper()
	layout := shippaths.NewLayout(t.TempDir())
	store, err := New(layout, contextID, summarizer)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func textTurn(id, role, text string) Turn {
	return Turn{
		ID:   id,
		Role: Role(role),
		Parts: []Part{
			{Type: PartText, Text: text},
		},
		Metadata: Metadata{Version: 1, ContextID: "ctx", Source: SourceIngress, Kind: KindNormal},
	}
}

func TestAppendAndLoadAll_RoundTrips(t *testing.T) {
	store := newTestStore(t, "ctx-A", nil)

	if err := store.Append(textTurn("u:1", "user", "hello")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(textTurn("a:1", "assistant", "hi there")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].ID != "u:1" || turns[1].ID != "a:1" {
		t.Errorf("unexpected turn order: %+v", turns)
	}
}

func TestLoadAll_SkipsMalformedLines(t *testing.T) {
	store := newTestStore(t, "ctx-A", nil)
	if err := store.Append(textTurn("u:1", "user", "hello")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	path := store.layout.TranscriptPath(store.contextID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "not json at all")
	fmt.Fprintln(f, `{"role":"system","parts":[]}`) // unrecognized role
	f.Close()

	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1 (malformed lines skipped)", len(turns))
	}
}

func TestMeta_PinnedSkillIds(t *testing.T) {
	store := newTestStore(t, "ctx-A", nil)

	if err := store.AddPinnedSkillId("skill-a"); err != nil {
		t.Fatalf("AddPinnedSkillId() error = %v", err)
	}
	if err := store.AddPinnedSkillId("skill-a"); err != nil { // duplicate, no-op
		t.Fatalf("AddPinnedSkillId() error = %v", err)
	}
	if err := store.AddPinnedSkillId("skill-b"); err != nil {
		t.Fatalf("AddPinnedSkillId() error = %v", err)
	}

	meta, err := store.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta() error = %v", err)
	}
	if len(meta.PinnedSkillIDs) != 2 {
		t.Fatalf("got %v, want 2 pinned skills", meta.PinnedSkillIDs)
	}

	if err := store.SetPinnedSkillIds([]string{"only-one"}); err != nil {
		t.Fatalf("SetPinnedSkillIds() error = %v", err)
	}
	meta, err = store.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta() error = %v", err)
	}
	if len(meta.PinnedSkillIDs) != 1 || meta.PinnedSkillIDs[0] != "only-one" {
		t.Fatalf("got %v, want [only-one]", meta.PinnedSkillIDs)
	}
}

func TestCompactIfNeeded_SmallMessagesSkipsWithNoWrites(t *testing.T) {
	store := newTestStore(t, "ctx-A", &fakeSummarizer{text: "summary"})
	for i := 0; i < 4; i++ {
		store.Append(textTurn(fmt.Sprintf("u:%d", i), "user", "hi"))
	}

	result, err := store.CompactIfNeeded(context.Background(), CompactParams{
		KeepLastMessages:     6,
		MaxInputTokensApprox: 2000,
		ArchiveOnCompact:     true,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded() error = %v", err)
	}
	if result.Reason != ReasonSmallMessages {
		t.Errorf("Reason = %q, want small_messages", result.Reason)
	}
}

func TestCompactIfNeeded_RoundTripsArchiveAndSummary(t *testing.T) {
	store := newTestStore(t, "ctx-A", &fakeSummarizer{text: "the conversation covered X and Y"})

	const total = 50
	for i := 0; i < total; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		text := strings.Repeat("x", 200)
		store.Append(textTurn(fmt.Sprintf("t:%03d", i), role, text))
	}

	result, err := store.CompactIfNeeded(context.Background(), CompactParams{
		KeepLastMessages:     6,
		MaxInputTokensApprox: 2000,
		ArchiveOnCompact:     true,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded() error = %v", err)
	}
	if result.Reason != ReasonCompacted {
		t.Fatalf("Reason = %q, want compacted", result.Reason)
	}
	if result.ArchivedCount != total-6 {
		t.Errorf("ArchivedCount = %d, want %d", result.ArchivedCount, total-6)
	}

	turns, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(turns) != 7 { // 1 summary + 6 kept
		t.Fatalf("got %d turns post-compaction, want 7", len(turns))
	}
	if turns[0].Metadata.Kind != KindSummary {
		t.Errorf("first turn kind = %q, want summary", turns[0].Metadata.Kind)
	}
	if turns[0].Metadata.SourceRange == nil || turns[0].Metadata.SourceRange.Count != total-6 {
		t.Errorf("sourceRange = %+v, want count %d", turns[0].Metadata.SourceRange, total-6)
	}

	archivePath := store.layout.ArchivePath(store.contextID, result.ArchiveID)
	data, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var archived []Turn
	if err := json.Unmarshal(data, &archived); err != nil {
		t.Fatalf("unmarshal archive: %v", err)
	}
	if len(archived) != total-6 {
		t.Fatalf("archived count = %d, want %d", len(archived), total-6)
	}

	// Round-trip: archive concatenated with the post-compaction tail
	// (minus the summary turn) equals the pre-compaction transcript.
	reconstructed := append(archived, turns[1:]...)
	if len(reconstructed) != total {
		t.Fatalf("reconstructed count = %d, want %d", len(reconstructed), total)
	}
	for i, turn := range reconstructed {
		want := fmt.Sprintf("t:%03d", i)
		if turn.ID != want {
			t.Errorf("reconstructed[%d].ID = %q, want %q", i, turn.ID, want)
		}
	}
}

func TestCompactIfNeeded_SummarizerFailureFallsBackToLossyNotice(t *testing.T) {
	store := newTestStore(t, "ctx-A", &fakeSummarizer{err: fmt.Errorf("model unavailable")})
	for i := 0; i < 50; i++ {
		store.Append(textTurn(fmt.Sprintf("t:%03d", i), "user", strings.Repeat("x", 200)))
	}

	result, err := store.CompactIfNeeded(context.Background(), CompactParams{
		KeepLastMessages:     6,
		MaxInputTokensApprox: 2000,
		ArchiveOnCompact:     true,
	})
	if err != nil {
		t.Fatalf("CompactIfNeeded() error = %v", err)
	}
	if result.Reason != ReasonCompacted {
		t.Fatalf("Reason = %q, want compacted", result.Reason)
	}
	if result.SummaryText != lossyTruncationNotice {
		t.Errorf("SummaryText = %q, want lossy notice", result.SummaryText)
	}
}

func TestToModelMessages_ToleratesOrphanedToolCall(t *testing.T) {
	turns := []Turn{
		textTurn("u:1", "user", "run ls"),
		{
			ID:   "a:1",
			Role: RoleAssistant,
			Parts: []Part{
				{Type: PartToolCall, ToolCallID: "call-1", ToolName: "exec_command", ToolArgs: `{"cmd":"ls"}`},
			},
			Metadata: Metadata{Version: 1, ContextID: "ctx", Source: SourceEgress, Kind: KindNormal},
		},
		// no matching tool_result part: the call's result never arrived.
	}

	messages := ToModelMessages(turns)
	if len(messages) == 0 {
		t.Fatal("ToModelMessages returned nothing")
	}
	var sawOrphanToolMsg bool
	for _, m := range messages {
		if m.Role == "tool" && m.ToolCallID == "call-1" {
			sawOrphanToolMsg = true
		}
	}
	if !sawOrphanToolMsg {
		t.Error("expected a synthesized tool message for the orphaned tool_call")
	}
}

func TestLayoutContextDir_UsesConfiguredRoot(t *testing.T) {
	layout := shippaths.NewLayout("/tmp/example-root")
	dir := layout.ContextDir("ctx-A")
	if filepath.Dir(filepath.Dir(filepath.Dir(dir))) != "/tmp/example-root" {
		t.Errorf("ContextDir = %q, want rooted at /tmp/example-root", dir)
	}
}
