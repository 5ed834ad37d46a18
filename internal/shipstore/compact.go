package shipstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const linearizeCharBudget = 24_000

// lossyTruncationNotice substitutes for a real summary when the model
// call fails. Never abort compaction entirely because the summarizer
// errored.
const lossyTruncationNotice = "[context summary unavailable: older turns were truncated without a model-generated summary]"

// CompactIfNeeded runs the four-phase compaction pipeline: snapshot,
// decide, summarize, commit. It is invoked explicitly by the Agent
// Runner before a run, never by a timer.
func (s *Store) CompactIfNeeded(ctx context.Context, params CompactParams) (CompactResult, error) {
	// Phase 1: snapshot (short lock held only for the read).
	var snapshot []Turn
	s.mu.Lock()
	err := s.withLock(func() error {
		var loadErr error
		snapshot, loadErr = s.loadAllUnlocked()
		return loadErr
	})
	s.mu.Unlock()
	if err != nil {
		return CompactResult{}, err
	}

	// Phase 2: decide (no lock).
	if len(snapshot) <= params.KeepLastMessages+2 {
		return CompactResult{Reason: ReasonSmallMessages}, nil
	}

	totalChars := params.SystemPromptChars
	for _, t := range snapshot {
		totalChars += turnChars(t)
	}
	estimatedTokens := (totalChars + 2) / 3
	if estimatedTokens <= params.MaxInputTokensApprox {
		return CompactResult{Reason: ReasonUnderBudget}, nil
	}

	splitAt := len(snapshot) - params.KeepLastMessages
	older := snapshot[:splitAt]

	// Phase 3: summarize (no lock, potentially long).
	summaryText := lossyTruncationNotice
	if s.summarizer != nil {
		linearized := linearize(older)
		if text, sumErr := s.summarizer.Summarize(ctx, linearized); sumErr == nil && strings.TrimSpace(text) != "" {
			summaryText = text
		}
	}

	// Phase 4: commit (short lock, re-split against the current
	// transcript which may have grown since the snapshot).
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CompactResult
	err = s.withLock(func() error {
		current, loadErr := s.loadAllUnlocked()
		if loadErr != nil {
			return loadErr
		}
		if len(current) <= params.KeepLastMessages {
			result = CompactResult{Reason: ReasonUnderBudget}
			return nil
		}

		commitSplit := len(current) - params.KeepLastMessages
		olderNow := current[:commitSplit]
		kept := current[commitSplit:]

		archiveID := uuid.NewString()
		if params.ArchiveOnCompact {
			if writeErr := s.writeArchiveUnlocked(archiveID, olderNow); writeErr != nil {
				return writeErr
			}
		}

		summaryTurn := Turn{
			ID:   fmt.Sprintf("summary:%s:%s", s.contextID, archiveID),
			Role: RoleAssistant,
			Parts: []Part{
				{Type: PartText, Text: summaryText},
			},
			Metadata: Metadata{
				Version:   1,
				Timestamp: nowMillis(),
				ContextID: s.contextID,
				Source:    SourceCompact,
				Kind:      KindSummary,
				SourceRange: &SourceRange{
					FromID: olderNow[0].ID,
					ToID:   olderNow[len(olderNow)-1].ID,
					Count:  len(olderNow),
				},
			},
		}

		rewritten := append([]Turn{summaryTurn}, kept...)
		if writeErr := s.writeTranscriptUnlocked(rewritten); writeErr != nil {
			return writeErr
		}

		meta, metaErr := s.loadMetaUnlocked()
		if metaErr != nil {
			return metaErr
		}
		if params.ArchiveOnCompact {
			meta.LastArchiveID = archiveID
		}
		meta.KeepLastMessages = params.KeepLastMessages
		meta.MaxInputTokensApprox = params.MaxInputTokensApprox
		if writeErr := s.writeMetaUnlocked(meta); writeErr != nil {
			return writeErr
		}

		result = CompactResult{
			Reason:        ReasonCompacted,
			Compacted:     true,
			ArchiveID:     archiveID,
			SummaryText:   summaryText,
			ArchivedCount: len(olderNow),
		}
		return nil
	})
	if err != nil {
		return CompactResult{}, err
	}
	return result, nil
}

func turnChars(t Turn) int {
	n := 0
	for _, p := range t.Parts {
		n += len(p.Text) + len(p.ToolArgs) + len(p.ToolOutput)
	}
	return n
}

// linearize renders turns as "role: text" lines, truncated to
// linearizeCharBudget while preserving the tail if the full text is
// longer.
func linearize(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		var text string
		for _, p := range t.Parts {
			if p.Type == PartText {
				text += p.Text
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, text)
	}
	full := b.String()
	if len(full) <= linearizeCharBudget {
		return full
	}
	return full[len(full)-linearizeCharBudget:]
}

func (s *Store) writeArchiveUnlocked(archiveID string, turns []Turn) error {
	dir := s.layout.ArchiveDir(s.contextID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.layout.ArchivePath(s.contextID, archiveID), data, 0o644)
}

// writeTranscriptUnlocked atomically rewrites the whole transcript as
// one JSONL file (write-tmp + move-overwrite).
func (s *Store) writeTranscriptUnlocked(turns []Turn) error {
	dir := s.layout.MessagesDir(s.contextID)
	tmp, err := os.CreateTemp(dir, "messages-*.tmp")
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

	for _, t := range turns {
		line, marshalErr := json.Marshal(t)
		if marshalErr != nil {
			tmp.Close()
			return marshalErr
		}
		line = append(line, '\n')
		if _, writeErr := tmp.Write(line); writeErr != nil {
			tmp.Close()
			return writeErr
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.layout.TranscriptPath(s.contextID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}
