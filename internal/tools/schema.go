package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
)

// splitTarget splits a "table.column" reference; column is empty for a
// bare table reference.
func splitTarget(target string) (table, column string) {
	if i := strings.IndexByte(target, '.'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

// FetchSchemaTool retrieves column metadata for the target tables from the
// external table store.
type FetchSchemaTool struct {
	Client *datasource.Client
}

func NewFetchSchemaTool(client *datasource.Client) *FetchSchemaTool {
	return &FetchSchemaTool{Client: client}
}

func (t *FetchSchemaTool) Name() string { return "fetch_schema" }

func (t *FetchSchemaTool) Description() string {
	return "Fetch table schemas (column names and types) from the data source."
}

func (t *FetchSchemaTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Table names to describe.",
			},
		},
		"required": []string{"targets"},
	}
}

func (t *FetchSchemaTool) OutputSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Mapping of table name to column metadata.",
	}
}

func (t *FetchSchemaTool) CostHint() string { return "network" }

func (t *FetchSchemaTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("fetch_schema: no target tables")
	}
	seen := make(map[string]bool)
	var tables []string
	for _, target := range inv.Targets {
		table, _ := splitTarget(target)
		if !seen[table] {
			seen[table] = true
			tables = append(tables, table)
		}
	}
	schema, err := t.Client.FetchSchema(ctx, tables)
	if err != nil {
		return nil, err
	}
	return &Artifact{Kind: ArtifactSchema, Schema: schema}, nil
}
