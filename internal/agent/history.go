package agent

import "github.com/shipagent/ship/internal/shipstore"

// repairHistory adapts the teacher's sanitizeHistory (loop_history.go)
// to shipstore.Turn parts: within each assistant turn, drop any
// tool_result part whose tool_call_id has no matching tool_call part in
// the same turn (a dangling result from a hand-edited or partially
// written transcript), and drop any tool_call part that never received
// a matching tool_result (an orphaned call, most often left behind by a
// process that crashed mid-turn). shipstore.ToModelMessages already
// tolerates a tool_call with no result by synthesizing an empty tool
// message; this repair instead removes the orphan at the source so
// later compaction/linearization never has to see it.
func repairHistory(turns []shipstore.Turn) []shipstore.Turn {
	repaired := make([]shipstore.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != shipstore.RoleAssistant {
			repaired = append(repaired, t)
			continue
		}
		repaired = append(repaired, repairTurn(t))
	}
	return repaired
}

func repairTurn(t shipstore.Turn) shipstore.Turn {
	callIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)
	for _, p := range t.Parts {
		switch p.Type {
		case shipstore.PartToolCall:
			callIDs[p.ToolCallID] = true
		case shipstore.PartToolResult:
			resultIDs[p.ToolCallID] = true
		}
	}

	var kept []shipstore.Part
	for _, p := range t.Parts {
		switch p.Type {
		case shipstore.PartToolCall:
			if !resultIDs[p.ToolCallID] {
				continue // orphaned call, never got a result
			}
		case shipstore.PartToolResult:
			if !callIDs[p.ToolCallID] {
				continue // dangling result, no matching call
			}
		}
		kept = append(kept, p)
	}
	t.Parts = kept
	return t
}
