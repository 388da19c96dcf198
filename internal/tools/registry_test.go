package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
	cost string
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) InputSchema() map[string]any  { return map[string]any{"type": "object"} }
func (s *stubTool) OutputSchema() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) CostHint() string             { return s.cost }
func (s *stubTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	return &Artifact{Kind: ArtifactScalar, Value: "ok"}, nil
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "fetch_schema"}))
	require.NoError(t, r.Register(&stubTool{name: "execute_query"}))

	tool, err := r.Resolve("fetch_schema")
	require.NoError(t, err)
	assert.Equal(t, "fetch_schema", tool.Name())
	assert.True(t, r.Has("execute_query"))
	assert.False(t, r.Has("ghost"))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "summarize"}))
	err := r.Register(&stubTool{name: "summarize"})
	var dup *DuplicateToolError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "summarize", dup.Name)
}

func TestRegistryUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("ghost")
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Name)
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "a"}))
	r.Freeze()
	assert.ErrorIs(t, r.Register(&stubTool{name: "b"}), ErrFrozen)
}

func TestRegistryManifestOrderAndRestart(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "a", cost: "local"}))
	require.NoError(t, r.Register(&stubTool{name: "b", cost: "llm"}))
	require.NoError(t, r.Register(&stubTool{name: "c", cost: "network"}))

	var names []string
	for entry := range r.Manifest() {
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	// restartable: a second range yields the full sequence again,
	// and early break is honored.
	names = names[:0]
	for entry := range r.Manifest() {
		names = append(names, entry.Name)
		if entry.Name == "b" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, names)
}
