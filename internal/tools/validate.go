package tools

import (
	"context"
	"fmt"
)

// ValidateResultTool runs declared checks against a previously produced
// frame artifact.
type ValidateResultTool struct{}

func NewValidateResultTool() *ValidateResultTool { return &ValidateResultTool{} }

func (t *ValidateResultTool) Name() string { return "validate_result" }

func (t *ValidateResultTool) Description() string {
	return "Validate a result frame against declared checks (row counts, nulls, schema)."
}

func (t *ValidateResultTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"checks": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": `Checks such as "row_count>0", "no_nulls:region", "has_columns:region,amount".`,
			},
		},
		"required": []string{"targets", "checks"},
	}
}

func (t *ValidateResultTool) OutputSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Checks passed, with counts.",
	}
}

func (t *ValidateResultTool) CostHint() string { return "local" }

func (t *ValidateResultTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("validate_result: no target artifact")
	}
	if len(inv.Checks) == 0 {
		return nil, fmt.Errorf("validate_result: no checks declared")
	}

	alias, _ := splitTarget(inv.Targets[0])
	lease, err := inv.Frames.Lease(alias)
	if err != nil {
		return nil, fmt.Errorf("validate_result: %w", err)
	}
	defer lease.Release()

	f, err := lease.Frame()
	if err != nil {
		return nil, fmt.Errorf("validate_result: %w", err)
	}
	if err := EvalChecks(inv.Checks, f); err != nil {
		return nil, err
	}

	return &Artifact{Kind: ArtifactScalar, Value: map[string]any{
		"target": alias,
		"passed": true,
		"checks": len(inv.Checks),
	}}, nil
}
