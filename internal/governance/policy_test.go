package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	res, err := engine.Evaluate(ctx, Request{Tool: "execute_query"})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)

	engine.DenyTool("suggest_viz")
	res, err = engine.Evaluate(ctx, Request{Tool: "suggest_viz"})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Equal(t, "denied-tool", res.Rule)
}

func TestDefaultPolicyEngine_DenyCode(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	require.NoError(t, engine.DenyCode(`(?i)passwd`))
	require.Error(t, engine.DenyCode(`[`))

	res, err := engine.Evaluate(context.Background(), Request{
		Tool: "execute_query",
		Code: `df_out = filter(df_in, "path", "==", "/etc/PASSWD")`,
	})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Equal(t, "denied-code", res.Rule)
	assert.Contains(t, res.Reason, "passwd")
}
