package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/tools"
)

type noopTool struct{ name string }

func (n *noopTool) Name() string                 { return n.name }
func (n *noopTool) Description() string          { return "noop" }
func (n *noopTool) InputSchema() map[string]any  { return map[string]any{"type": "object"} }
func (n *noopTool) OutputSchema() map[string]any { return map[string]any{"type": "object"} }
func (n *noopTool) CostHint() string             { return "local" }
func (n *noopTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Artifact, error) {
	return &tools.Artifact{Kind: tools.ArtifactScalar, Value: "ok"}, nil
}

func fullRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, st := range StepTypes {
		require.NoError(t, r.Register(&noopTool{name: string(st)}))
	}
	r.Freeze()
	return r
}

func salesSchema(withAmount bool) datasource.Schema {
	cols := []datasource.Column{{Name: "region", DType: "text"}}
	if withAmount {
		cols = append(cols, datasource.Column{Name: "amount", DType: "int8"})
	}
	return datasource.Schema{"sales": {Table: "sales", Columns: cols}}
}

func groupBySumPlan(t *testing.T) *Plan {
	t.Helper()
	p, err := Parse([]byte(wirePlan))
	require.NoError(t, err)
	return p
}

func TestValidateAccepts(t *testing.T) {
	p := groupBySumPlan(t)
	err := Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5)
	assert.NoError(t, err)
}

func TestValidateMissingColumn(t *testing.T) {
	// same plan, but the sales table has no amount column: the step
	// referencing sales.amount is rejected before execution begins.
	p := groupBySumPlan(t)
	err := Validate(p, fullRegistry(t), salesSchema(false), nil, 0.5)
	var mpe *MalformedPlanError
	require.ErrorAs(t, err, &mpe)
	assert.Equal(t, "s2", mpe.StepID)
	assert.Contains(t, mpe.Reason, "amount")
}

func TestValidateUnknownTable(t *testing.T) {
	raw := `{"steps": [{"id": "s1", "type": "summarize", "targets": ["orders"]}], "confidence": 1}`
	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	var mpe *MalformedPlanError
	require.ErrorAs(t, Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5), &mpe)
	assert.Equal(t, "s1", mpe.StepID)
}

func TestValidateKnownAlias(t *testing.T) {
	raw := `{"steps": [{"id": "s1", "type": "summarize", "targets": ["by_region"]}], "confidence": 1}`
	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	err = Validate(p, fullRegistry(t), salesSchema(true), map[string]bool{"by_region": true}, 0.5)
	assert.NoError(t, err)
}

func TestValidateUnregisteredTool(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(&noopTool{name: string(StepFetchSchema)}))
	r.Freeze()

	p := groupBySumPlan(t)
	var mpe *MalformedPlanError
	require.ErrorAs(t, Validate(p, r, salesSchema(true), nil, 0.5), &mpe)
	assert.Equal(t, "s2", mpe.StepID)
	assert.Contains(t, mpe.Reason, "not registered")
}

func TestValidateDependencyOrder(t *testing.T) {
	raw := `{"steps": [
	  {"id": "s1", "type": "execute_query", "targets": ["sales"], "depends_on": ["s2"]},
	  {"id": "s2", "type": "generate_query", "targets": ["sales.region"]}
	], "confidence": 1}`
	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	var mpe *MalformedPlanError
	require.ErrorAs(t, Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5), &mpe)
	assert.Equal(t, "s1", mpe.StepID)
}

func TestValidateDuplicateStepID(t *testing.T) {
	raw := `{"steps": [
	  {"id": "s1", "type": "fetch_schema", "targets": ["sales"]},
	  {"id": "s1", "type": "summarize", "targets": ["sales"]}
	], "confidence": 1}`
	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	var mpe *MalformedPlanError
	require.ErrorAs(t, Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5), &mpe)
	assert.Contains(t, mpe.Reason, "duplicate")
}

func TestValidateClarificationsBlockExecution(t *testing.T) {
	p := groupBySumPlan(t)
	p.ClarificationsNeeded = []string{"which season?"}
	var nce *NeedsClarificationError
	require.ErrorAs(t, Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5), &nce)
	assert.Equal(t, []string{"which season?"}, nce.Questions)
}

func TestValidateLowConfidence(t *testing.T) {
	p := groupBySumPlan(t)
	p.Confidence = 0.2
	var nce *NeedsClarificationError
	require.ErrorAs(t, Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5), &nce)
	assert.Equal(t, 0.2, nce.Confidence)
}

func TestValidateArtifactReference(t *testing.T) {
	raw := `{"steps": [
	  {"id": "s1", "type": "execute_query", "targets": ["sales"], "artifacts": {"code": "s9"}}
	], "confidence": 1}`
	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	var mpe *MalformedPlanError
	require.ErrorAs(t, Validate(p, fullRegistry(t), salesSchema(true), nil, 0.5), &mpe)
	assert.Contains(t, mpe.Reason, "s9")
}
