package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// loadPinnedSkills resolves pinned skill ids against skillsDir. Each
// skill is a single Markdown file <skillsDir>/<id>.md; an optional
// leading HTML comment of the form <!-- allowed-tools: a, b, c -->
// restricts the skill's tool allowlist. A missing skill file is
// skipped rather than treated as an error — meta can reference a
// skill that was since deleted from disk.
func loadPinnedSkills(skillsDir string, ids []string) []PinnedSkill {
	if skillsDir == "" || len(ids) == 0 {
		return nil
	}

	var out []PinnedSkill
	for _, id := range ids {
		data, err := os.ReadFile(filepath.Join(skillsDir, id+".md"))
		if err != nil {
			continue
		}
		instructions, allowed := parseSkillFile(string(data))
		out = append(out, PinnedSkill{ID: id, Instructions: instructions, AllowedTools: allowed})
	}
	return out
}

const allowedToolsDirective = "<!-- allowed-tools:"

func parseSkillFile(content string) (instructions string, allowedTools []string) {
	lines := strings.SplitN(content, "\n", 2)
	if len(lines) == 0 {
		return content, nil
	}
	first := strings.TrimSpace(lines[0])
	if !strings.HasPrefix(first, allowedToolsDirective) {
		return strings.TrimSpace(content), nil
	}
	spec := strings.TrimSuffix(strings.TrimPrefix(first, allowedToolsDirective), "-->")
	spec = strings.TrimSpace(strings.TrimSuffix(spec, "-->"))
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedTools = append(allowedTools, name)
		}
	}
	rest := ""
	if len(lines) > 1 {
		rest = lines[1]
	}
	return strings.TrimSpace(rest), allowedTools
}
