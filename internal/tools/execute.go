package tools

import (
	"context"
	"fmt"

	"github.com/mvaldes-io/tabletalk/internal/frame"
	"github.com/mvaldes-io/tabletalk/internal/sandbox"
)

// ExecuteQueryTool runs generated code in the sandbox against leases on the
// step's target frames. The first target is bound as df_in; every target is
// also bound under its own alias.
type ExecuteQueryTool struct {
	Executor *sandbox.Executor
}

func NewExecuteQueryTool(ex *sandbox.Executor) *ExecuteQueryTool {
	return &ExecuteQueryTool{Executor: ex}
}

func (t *ExecuteQueryTool) Name() string { return "execute_query" }

func (t *ExecuteQueryTool) Description() string {
	return "Execute generated analysis code in the sandbox against loaded tables."
}

func (t *ExecuteQueryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"code": map[string]any{"type": "string"},
		},
		"required": []string{"targets"},
	}
}

func (t *ExecuteQueryTool) OutputSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Result frame or scalar tagged with the step's lineage.",
	}
}

func (t *ExecuteQueryTool) CostHint() string { return "compute" }

func (t *ExecuteQueryTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if inv.Code == "" {
		return nil, fmt.Errorf("execute_query: no code to run")
	}
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("execute_query: no target tables")
	}

	leases := make(map[string]*frame.Lease)
	release := func() {
		for _, l := range leases {
			l.Release()
		}
	}
	defer release()

	for i, target := range inv.Targets {
		table, _ := splitTarget(target)
		if _, ok := leases[table]; ok && i > 0 {
			continue
		}
		lease, err := inv.Frames.Lease(table)
		if err != nil {
			return nil, fmt.Errorf("execute_query: %w", err)
		}
		leases[table] = lease
		if i == 0 {
			dfIn, err := inv.Frames.Lease(table)
			if err != nil {
				return nil, fmt.Errorf("execute_query: %w", err)
			}
			leases["df_in"] = dfIn
		}
	}

	out, err := t.Executor.Run(ctx, inv.StepID, inv.Code, leases)
	if err != nil {
		return nil, err
	}
	if out.IsFrame() {
		return &Artifact{Kind: ArtifactFrame, Frame: out.Frame}, nil
	}
	return &Artifact{Kind: ArtifactScalar, Value: out.Scalar}, nil
}
