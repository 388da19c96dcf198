package tools

import (
	"context"
	"fmt"

	"github.com/mvaldes-io/tabletalk/internal/frame"
)

// SuggestVizTool picks a chart shape for a result frame. Deterministic
// heuristics over the schema; rendering itself is the UI's problem.
type SuggestVizTool struct{}

func NewSuggestVizTool() *SuggestVizTool { return &SuggestVizTool{} }

func (t *SuggestVizTool) Name() string { return "suggest_viz" }

func (t *SuggestVizTool) Description() string {
	return "Suggest a visualization (chart type plus axes) for a result frame."
}

func (t *SuggestVizTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"targets"},
	}
}

func (t *SuggestVizTool) OutputSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Chart suggestion: {chart, x, y}.",
	}
}

func (t *SuggestVizTool) CostHint() string { return "local" }

func (t *SuggestVizTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("suggest_viz: no target artifact")
	}
	alias, _ := splitTarget(inv.Targets[0])
	lease, err := inv.Frames.Lease(alias)
	if err != nil {
		return nil, fmt.Errorf("suggest_viz: %w", err)
	}
	defer lease.Release()

	f, err := lease.Frame()
	if err != nil {
		return nil, fmt.Errorf("suggest_viz: %w", err)
	}

	return &Artifact{Kind: ArtifactScalar, Value: suggest(f)}, nil
}

func suggest(f *frame.Frame) map[string]any {
	var categorical, numeric []string
	for _, col := range f.Columns() {
		switch f.Schema()[col] {
		case frame.KindInt, frame.KindFloat:
			numeric = append(numeric, col)
		default:
			categorical = append(categorical, col)
		}
	}

	switch {
	case f.NRow() == 1 && len(numeric) == 1 && len(categorical) == 0:
		return map[string]any{"chart": "metric", "value": numeric[0]}
	case len(categorical) >= 1 && len(numeric) >= 1:
		return map[string]any{"chart": "bar", "x": categorical[0], "y": numeric[0]}
	case len(numeric) >= 2:
		return map[string]any{"chart": "scatter", "x": numeric[0], "y": numeric[1]}
	default:
		return map[string]any{"chart": "table"}
	}
}
