// Package shipstore implements the durable, append-only context store:
// one JSONL transcript per context, a meta.json control record, a
// file-based advisory lock, and background compaction that summarizes
// old turns into an archive segment.
package shipstore

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source identifies how a turn entered the transcript.
type Source string

const (
	SourceIngress Source = "ingress"
	SourceEgress  Source = "egress"
	SourceCompact Source = "compact"
)

// Kind distinguishes a normal turn from a synthesized compaction summary.
type Kind string

const (
	KindNormal  Kind = "normal"
	KindSummary Kind = "summary"
)

// PartType identifies the kind of content a Part carries.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one piece of a turn's content. Only the fields relevant to
// its Type are populated.
type Part struct {
	Type       PartType `json:"type"`
	Text       string   `json:"text,omitempty"`
	ToolCallID string   `json:"toolCallId,omitempty"`
	ToolName   string   `json:"toolName,omitempty"`
	ToolArgs   string   `json:"toolArgs,omitempty"` // raw JSON
	ToolOutput string   `json:"toolOutput,omitempty"`
	IsError    bool     `json:"isError,omitempty"`
}

// SourceRange records which turns a summary turn replaced.
type SourceRange struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Count  int    `json:"count"`
}

// Metadata carries everything about a turn beyond its content.
type Metadata struct {
	Version         int          `json:"v"`
	Timestamp       int64        `json:"ts"`
	ContextID       string       `json:"contextId"`
	Channel         string       `json:"channel,omitempty"`
	TargetID        string       `json:"targetId,omitempty"`
	ActorID         string       `json:"actorId,omitempty"`
	ActorName       string       `json:"actorName,omitempty"`
	SourceMessageID string       `json:"messageId,omitempty"`
	ThreadID        *int64       `json:"threadId,omitempty"`
	Source          Source       `json:"source"`
	Kind            Kind         `json:"kind"`
	SourceRange     *SourceRange `json:"sourceRange,omitempty"`
	RequestID       string       `json:"requestId,omitempty"`
}

// Turn is an immutable transcript record. Once appended, a turn is
// never mutated — only a whole-file compaction rewrite can remove it
// (by moving it to an archive).
type Turn struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// ContextMeta is the per-context control record living next to the
// transcript.
type ContextMeta struct {
	Version              int      `json:"v"`
	ContextID            string   `json:"contextId"`
	UpdatedAt            int64    `json:"updatedAt"`
	PinnedSkillIDs       []string `json:"pinnedSkillIds"`
	LastArchiveID        string   `json:"lastArchiveId,omitempty"`
	KeepLastMessages     int      `json:"keepLastMessages,omitempty"`
	MaxInputTokensApprox int      `json:"maxInputTokensApprox,omitempty"`
}

// CompactReason explains why CompactIfNeeded did or didn't rewrite
// the transcript.
type CompactReason string

const (
	ReasonSmallMessages CompactReason = "small_messages"
	ReasonUnderBudget    CompactReason = "under_budget"
	ReasonCompacted      CompactReason = "compacted"
)

// CompactParams are the budget inputs to one CompactIfNeeded call.
// The Agent Runner halves these across context-overflow retries.
type CompactParams struct {
	KeepLastMessages     int
	MaxInputTokensApprox int
	ArchiveOnCompact     bool
	SystemPromptChars    int
}

// CompactResult reports what CompactIfNeeded did.
type CompactResult struct {
	Reason        CompactReason
	Compacted     bool
	ArchiveID     string
	SummaryText   string
	ArchivedCount int
}
