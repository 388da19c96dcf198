// Package agent orchestrates the plan/execute loop: the planner proposes a
// structured plan over registered tools, the runner dispatches each step
// through governance and the sandbox, and the repairer patches failed code
// within the retry budget.
package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultPlannerPrompt = `You are the planning component of a data analytics assistant.
Given the user's request and the known table schemas, propose a plan by
calling propose_plan. Rules:
- Use only the listed step types. Each step names its target tables or
  "table.column" references.
- fetch_schema must precede any step that reads a table not already known.
- generate_query produces code; execute_query runs it and must reference the
  producing step id in its artifacts map under "code".
- validate_result checks a produced frame by step id; add checks like
  "row_count>0" or "no_nulls:region" when the request implies them.
- End with a summarize step when the user expects a narrative answer.
- If the request is ambiguous, do not guess: list questions in
  clarifications_needed and set confidence accordingly.
- Set confidence in [0,1] for how well the plan matches the request.`

const defaultPersonaPrompt = `You are TableTalk, a careful data analyst.
You only state numbers that appear in the provided result rows. You never
invent columns or values. Keep answers short and concrete.`

// PromptManager loads system prompts from an optional directory of .md
// files, falling back to compiled-in defaults. Files named planner.md and
// persona.md override the corresponding prompt.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetPlannerPrompt returns planner.md if present, else the default.
func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	return pm.load("planner.md", defaultPlannerPrompt)
}

// GetPersonaPrompt assembles the analyst persona. When the directory holds
// prompt files, every .md except planner.md joins the persona in a fixed
// order; otherwise the default applies.
func (pm *PromptManager) GetPersonaPrompt() (string, error) {
	if pm.Directory == "" {
		return defaultPersonaPrompt, nil
	}
	files, err := os.ReadDir(pm.Directory)
	if err != nil {
		return defaultPersonaPrompt, nil
	}

	// Preferred order: persona first, then capabilities, then user notes.
	order := map[string]int{
		"persona.md":      1,
		"capabilities.md": 2,
		"user.md":         3,
	}
	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") || f.Name() == "planner.md" {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, string(data))
	}
	if len(contents) == 0 {
		return defaultPersonaPrompt, nil
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

func (pm *PromptManager) load(name, fallback string) (string, error) {
	if pm.Directory == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(filepath.Join(pm.Directory, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fallback, nil
		}
		return "", fmt.Errorf("failed to read prompt %s: %v", name, err)
	}
	return string(data), nil
}
