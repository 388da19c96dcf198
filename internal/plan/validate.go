package plan

import (
	"fmt"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/tools"
)

// Validate checks a parsed plan for execution: every step type must be a
// registered tool, every dependency must reference an earlier step, and
// every target must resolve against the schema cache, an earlier step's
// artifact, or an already-loaded session frame. Plans below the confidence
// threshold or carrying open clarifications are rejected with
// NeedsClarificationError before any semantic checking.
func Validate(p *Plan, reg *tools.Registry, schemas datasource.Schema, knownAliases map[string]bool, confidenceThreshold float64) error {
	if len(p.ClarificationsNeeded) > 0 {
		return &NeedsClarificationError{Questions: p.ClarificationsNeeded, Confidence: p.Confidence}
	}
	if p.Confidence < confidenceThreshold {
		return &NeedsClarificationError{Confidence: p.Confidence}
	}

	seen := make(map[string]bool, len(p.Steps))
	fetched := make(map[string]bool) // tables an earlier fetch_schema step will describe
	for i := range p.Steps {
		step := &p.Steps[i]
		if seen[step.ID] {
			return &MalformedPlanError{StepID: step.ID, Reason: "duplicate step id"}
		}

		if !reg.Has(string(step.Type)) {
			return &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("tool %q not registered", step.Type)}
		}

		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("dependency %q does not precede step", dep)}
			}
		}
		for name, producer := range step.Artifacts {
			if !seen[producer] {
				return &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("artifact %q references unknown step %q", name, producer)}
			}
		}

		for _, target := range step.Targets {
			if err := checkTarget(step, target, schemas, seen, fetched, knownAliases); err != nil {
				return err
			}
		}

		if step.Type == StepFetchSchema {
			for _, target := range step.Targets {
				table, _ := splitTarget(target)
				fetched[table] = true
			}
		}
		seen[step.ID] = true
	}
	return nil
}

func checkTarget(step *Step, target string, schemas datasource.Schema, earlier, fetched, knownAliases map[string]bool) error {
	table, column := splitTarget(target)

	// fetch_schema targets name tables that are about to be described;
	// they cannot be checked against the cache they populate.
	if step.Type == StepFetchSchema {
		if column != "" {
			return &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("fetch_schema target %q must be a table", target)}
		}
		return nil
	}

	if ts, ok := schemas[table]; ok {
		if column != "" && !ts.HasColumn(column) {
			return &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("column %q not in table %q", column, table)}
		}
		return nil
	}
	// Column references on a table only described at runtime can't be
	// verified here; execution will surface the mismatch.
	if fetched[table] || earlier[table] || knownAliases[table] {
		return nil
	}
	return &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("target %q is not a known table, artifact or alias", target)}
}

func splitTarget(target string) (table, column string) {
	for i := 0; i < len(target); i++ {
		if target[i] == '.' {
			return target[:i], target[i+1:]
		}
	}
	return target, ""
}
