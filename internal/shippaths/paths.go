// Package shippaths computes the deterministic on-disk layout used by
// the context store: every path a context or task-run needs is derived
// from a project root plus a normalized id, never assembled ad hoc at
// call sites.
package shippaths

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Layout resolves all paths for one context rooted at a project
// directory. It holds no state beyond the root and is safe to share.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at root. root is used as-is; callers
// resolve relative/home-dir forms before constructing a Layout.
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the project root this layout was constructed with.
func (l *Layout) Root() string {
	return l.root
}

// NormalizeContextID validates and trims a contextId. An empty
// contextId is always a fail-fast error: every store and scheduler
// entrypoint requires one.
func NormalizeContextID(contextID string) (string, error) {
	trimmed := strings.TrimSpace(contextID)
	if trimmed == "" {
		return "", fmt.Errorf("shippaths: contextId is required")
	}
	return trimmed, nil
}

// ValidateTaskID checks a task-run id against the pattern spec.md
// mandates for the task-run contextId encoding.
func ValidateTaskID(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return fmt.Errorf("shippaths: invalid taskId %q", taskID)
	}
	return nil
}

// TaskRunContextID encodes a task-run contextId as
// "task-run:<taskId>:<timestamp>".
func TaskRunContextID(taskID, timestamp string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	if strings.TrimSpace(timestamp) == "" {
		return "", fmt.Errorf("shippaths: timestamp is required")
	}
	return fmt.Sprintf("task-run:%s:%s", taskID, timestamp), nil
}

// ContextDir returns "<root>/.ship/context/<urlencoded(contextId)>".
func (l *Layout) ContextDir(contextID string) string {
	return filepath.Join(l.root, ".ship", "context", url.PathEscape(contextID))
}

// MessagesDir returns the messages subdirectory for a context.
func (l *Layout) MessagesDir(contextID string) string {
	return filepath.Join(l.ContextDir(contextID), "messages")
}

// TranscriptPath returns the append-only JSONL transcript file.
func (l *Layout) TranscriptPath(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), "messages.jsonl")
}

// MetaPath returns the context-meta control file.
func (l *Layout) MetaPath(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), "meta.json")
}

// LockPath returns the advisory lock file for a context.
func (l *Layout) LockPath(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), ".context.lock")
}

// ArchiveDir returns the directory holding compacted-away segments.
func (l *Layout) ArchiveDir(contextID string) string {
	return filepath.Join(l.MessagesDir(contextID), "archive")
}

// ArchivePath returns the archive file for one archive id.
func (l *Layout) ArchivePath(contextID, archiveID string) string {
	return filepath.Join(l.ArchiveDir(contextID), archiveID+".json")
}

// TaskDir returns "<root>/.ship/task/<taskId>/<timestamp>".
func (l *Layout) TaskDir(taskID, timestamp string) string {
	return filepath.Join(l.root, ".ship", "task", taskID, timestamp)
}

// LogsDir returns the directory used by the tracing collector's
// fallback JSONL sink.
func (l *Layout) LogsDir() string {
	return filepath.Join(l.root, ".ship", "logs")
}
