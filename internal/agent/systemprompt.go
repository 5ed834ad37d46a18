package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shipagent/ship/internal/tools"
)

// RuntimeContext is the block every run's system prompt opens with:
// the fields the spec says must be present when available.
type RuntimeContext struct {
	ProjectRoot string
	ContextID   string
	RequestID   string
	Channel     string
	TargetID    string
	ActorID     string
	ActorName   string
}

func (r RuntimeContext) render() string {
	var b strings.Builder
	b.WriteString("# Runtime Context\n")
	fmt.Fprintf(&b, "- project root: %s\n", r.ProjectRoot)
	fmt.Fprintf(&b, "- context id: %s\n", r.ContextID)
	if r.RequestID != "" {
		fmt.Fprintf(&b, "- request id: %s\n", r.RequestID)
	}
	if r.Channel != "" {
		fmt.Fprintf(&b, "- channel: %s\n", r.Channel)
	}
	if r.TargetID != "" {
		fmt.Fprintf(&b, "- target id: %s\n", r.TargetID)
	}
	if r.ActorID != "" {
		fmt.Fprintf(&b, "- actor id: %s\n", r.ActorID)
	}
	if r.ActorName != "" {
		fmt.Fprintf(&b, "- actor name: %s\n", r.ActorName)
	}
	return b.String()
}

// PinnedSkill is the rendering-relevant subset of a loaded skill: its
// id, the instructions injected verbatim into the ACTIVE SKILLS block,
// and its tool allowlist (empty = no restriction).
type PinnedSkill struct {
	ID           string
	Instructions string
	AllowedTools []string
}

// SystemPromptConfig carries every input to BuildSystemPrompt, named
// after the composition order spec.md §4.E mandates.
type SystemPromptConfig struct {
	Runtime        RuntimeContext
	ProfileDir     string // .ship/profile — Primary.md / Other.md, each optional
	MemoryFilePath string // optional per-context long-term memory file
	AppSystemTexts []string
	PinnedSkills   []PinnedSkill
	EffectiveTools []string
}

// BuildSystemPrompt composes the system prompt in the order spec.md
// §4.E specifies. Nothing here is persisted to the transcript — it is
// recomputed on every run.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sections []string

	sections = append(sections, cfg.Runtime.render())

	if profile := readProfileFiles(cfg.ProfileDir); profile != "" {
		sections = append(sections, profile)
	}

	if cfg.MemoryFilePath != "" {
		if data, err := os.ReadFile(cfg.MemoryFilePath); err == nil && len(data) > 0 {
			sections = append(sections, "# Memory\n"+string(data))
		}
	}

	for _, text := range cfg.AppSystemTexts {
		if strings.TrimSpace(text) != "" {
			sections = append(sections, text)
		}
	}

	if len(cfg.PinnedSkills) > 0 {
		sections = append(sections, renderActiveSkills(cfg.PinnedSkills, cfg.EffectiveTools))
	}

	return strings.Join(sections, "\n\n")
}

func readProfileFiles(dir string) string {
	if dir == "" {
		return ""
	}
	var parts []string
	for _, name := range []string{"Primary.md", "Other.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || len(data) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("# %s\n%s", strings.TrimSuffix(name, ".md"), string(data)))
	}
	return strings.Join(parts, "\n\n")
}

func renderActiveSkills(skills []PinnedSkill, effectiveTools []string) string {
	var b strings.Builder
	b.WriteString("# Active Skills\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "## %s\n%s\n", s.ID, s.Instructions)
		if len(s.AllowedTools) > 0 {
			fmt.Fprintf(&b, "Allowed tools: %s\n", strings.Join(s.AllowedTools, ", "))
		} else {
			b.WriteString("Allowed tools: all\n")
		}
	}
	fmt.Fprintf(&b, "\nEffective tools for this run: %s\n", strings.Join(effectiveTools, ", "))
	return b.String()
}

// toSkillGateSkills converts PinnedSkill values into tools.Skill for
// SkillGate.FilterTools.
func toSkillGateSkills(pinned []PinnedSkill) []tools.Skill {
	out := make([]tools.Skill, 0, len(pinned))
	for _, p := range pinned {
		out = append(out, tools.Skill{ID: p.ID, AllowedTools: p.AllowedTools})
	}
	return out
}
