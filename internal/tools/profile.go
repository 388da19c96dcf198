package tools

import (
	"context"
	"fmt"

	"github.com/mvaldes-io/tabletalk/internal/frame"
)

const distinctSampleMax = 20

// ProfileColumnsTool inspects loaded frames and reports per-column kind,
// null counts and a sample of distinct values. The distinct samples feed
// the code generator as categorical value hints.
type ProfileColumnsTool struct{}

func NewProfileColumnsTool() *ProfileColumnsTool { return &ProfileColumnsTool{} }

func (t *ProfileColumnsTool) Name() string { return "profile_columns" }

func (t *ProfileColumnsTool) Description() string {
	return "Profile loaded table columns: types, null counts, distinct value samples."
}

func (t *ProfileColumnsTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tables or table.column references to profile.",
			},
		},
		"required": []string{"targets"},
	}
}

func (t *ProfileColumnsTool) OutputSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Per-column profile keyed by table.column.",
	}
}

func (t *ProfileColumnsTool) CostHint() string { return "local" }

func (t *ProfileColumnsTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("profile_columns: no targets")
	}

	profile := make(map[string]any)
	for _, target := range inv.Targets {
		table, column := splitTarget(target)
		lease, err := inv.Frames.Lease(table)
		if err != nil {
			return nil, fmt.Errorf("profile_columns: %w", err)
		}
		f, err := lease.Frame()
		if err != nil {
			lease.Release()
			return nil, fmt.Errorf("profile_columns: %w", err)
		}

		columns := f.Columns()
		if column != "" {
			columns = []string{column}
		}
		for _, col := range columns {
			p, err := profileColumn(f, col)
			if err != nil {
				lease.Release()
				return nil, fmt.Errorf("profile_columns: %s.%s: %w", table, col, err)
			}
			profile[table+"."+col] = p
		}
		lease.Release()
	}

	return &Artifact{Kind: ArtifactScalar, Value: profile}, nil
}

func profileColumn(f *frame.Frame, col string) (map[string]any, error) {
	if !f.HasColumn(col) {
		return nil, fmt.Errorf("column not found")
	}
	nulls, err := f.NullCount(col)
	if err != nil {
		return nil, err
	}
	distinct, err := f.DistinctValues(col, distinctSampleMax)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":     string(f.Schema()[col]),
		"nulls":    nulls,
		"distinct": distinct,
		"rows":     f.NRow(),
	}, nil
}
