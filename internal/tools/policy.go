package tools

import (
	"github.com/shipagent/ship/internal/providers"
)

// shellTriad is always available to a run regardless of which skills
// are active, so the agent can always manage its shell sessions.
var shellTriad = map[string]bool{
	"exec_command": true,
	"write_stdin":  true,
	"close_shell":  true,
}

// Skill is the subset of a loaded skill's definition the gate needs:
// its allowed-tool list. An empty AllowedTools means "no restriction".
type Skill struct {
	ID           string
	AllowedTools []string
}

// SkillGate computes the effective tool allowlist for a run: when one
// or more skills are active, it is the union of their AllowedTools
// plus the fixed shell triad; a skill with no restriction (empty
// AllowedTools) lifts the restriction entirely.
type SkillGate struct{}

// NewSkillGate returns a gate with no extra state; it is a pure
// function over the active skills and the registry's tool list.
func NewSkillGate() *SkillGate {
	return &SkillGate{}
}

// FilterTools returns the provider tool definitions a run may use
// given its active skills.
func (g *SkillGate) FilterTools(registry *Registry, activeSkills []Skill) []providers.ToolDefinition {
	allowed := g.allowedNames(registry.List(), activeSkills)

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		if tool, ok := registry.Get(name); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}
	return defs
}

// allowedNames applies the union-plus-triad rule. If any active skill
// declares no restriction, every tool remains available.
func (g *SkillGate) allowedNames(allTools []string, activeSkills []Skill) []string {
	if len(activeSkills) == 0 {
		return allTools
	}

	union := make(map[string]bool)
	for _, skill := range activeSkills {
		if len(skill.AllowedTools) == 0 {
			return allTools
		}
		for _, name := range skill.AllowedTools {
			union[name] = true
		}
	}
	for name := range shellTriad {
		union[name] = true
	}

	var result []string
	for _, t := range allTools {
		if union[t] {
			result = append(result, t)
		}
	}
	return result
}
