package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/governance"
	"github.com/mvaldes-io/tabletalk/internal/observability"
	"github.com/mvaldes-io/tabletalk/internal/plan"
	"github.com/mvaldes-io/tabletalk/internal/sandbox"
	"github.com/mvaldes-io/tabletalk/internal/session"
	"github.com/mvaldes-io/tabletalk/internal/tools"
)

// fakeModel returns scripted choices in order.
type fakeModel struct {
	choices []*llms.ContentChoice
	calls   int
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.calls >= len(m.choices) {
		return nil, fmt.Errorf("fakeModel: no choice scripted for call %d", m.calls)
	}
	choice := m.choices[m.calls]
	m.calls++
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func textChoice(content string) *llms.ContentChoice {
	return &llms.ContentChoice{Content: content}
}

// withUsage attaches provider token counts to a scripted choice.
func withUsage(c *llms.ContentChoice, prompt, completion int) *llms.ContentChoice {
	c.GenerationInfo = map[string]any{
		"PromptTokens":     prompt,
		"CompletionTokens": completion,
	}
	return c
}

func planChoice(args string) *llms.ContentChoice {
	return &llms.ContentChoice{
		ToolCalls: []llms.ToolCall{{
			ID:           "call-1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "propose_plan", Arguments: args},
		}},
	}
}

const salesPlan = `{
	"steps": [
		{"id": "s1", "type": "fetch_schema", "targets": ["sales"]},
		{"id": "s2", "type": "generate_query", "targets": ["sales.region", "sales.amount"], "depends_on": ["s1"]},
		{"id": "s3", "type": "execute_query", "targets": ["sales"], "depends_on": ["s2"], "artifacts": {"code": "s2"}},
		{"id": "s4", "type": "validate_result", "targets": ["s3"], "depends_on": ["s3"], "checks": ["row_count>0", "has_columns:region,amount"]},
		{"id": "s5", "type": "summarize", "targets": ["s3"], "depends_on": ["s3", "s4"]}
	],
	"confidence": 0.9
}`

func newSalesServer(t *testing.T) *httptest.Server {
	t.Helper()
	rows := []map[string]any{
		{"region": "EU", "amount": 10},
		{"region": "EU", "amount": 5},
		{"region": "US", "amount": 7},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/schema/"):
			json.NewEncoder(w).Encode([]datasource.Column{
				{Name: "region", DType: "text"},
				{Name: "amount", DType: "int8"},
			})
		case strings.HasPrefix(r.URL.Path, "/rest/v1/"):
			var start, end int
			fmt.Sscanf(r.Header.Get("Range"), "%d-%d", &start, &end)
			if start >= len(rows) {
				json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			if end >= len(rows) {
				end = len(rows) - 1
			}
			json.NewEncoder(w).Encode(rows[start : end+1])
		default:
			http.NotFound(w, r)
		}
	}))
}

func buildRegistry(t *testing.T, client *datasource.Client, codegen, summarizer llms.Model) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewFetchSchemaTool(client),
		tools.NewProfileColumnsTool(),
		tools.NewGenerateQueryTool(codegen, 2, time.Second),
		tools.NewExecuteQueryTool(sandbox.NewExecutor(time.Second, 0)),
		tools.NewValidateResultTool(),
		tools.NewSuggestVizTool(),
		tools.NewSummarizeTool(summarizer, 10, time.Second),
	} {
		require.NoError(t, reg.Register(tool))
	}
	reg.Freeze()
	return reg
}

func newTestRunner(t *testing.T, client *datasource.Client, planner, codegen, repairer, summarizer llms.Model) (*Runner, *tools.Registry) {
	t.Helper()
	reg := buildRegistry(t, client, codegen, summarizer)
	r := NewRunner(
		reg,
		governance.NewDefaultPolicyEngine(),
		client,
		NewPlanner(planner, reg, NewPromptManager("")),
		NewRepairer(repairer),
		observability.NewLoggerTo(io.Discard),
	)
	return r, reg
}

func TestProposeAndExecuteGroupBySum(t *testing.T) {
	srv := newSalesServer(t)
	defer srv.Close()
	client := datasource.NewClient(srv.URL, "test-key")

	plannerModel := &fakeModel{choices: []*llms.ContentChoice{planChoice(salesPlan)}}
	codegenModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = group_sum(df_in, \"region\", \"amount\")"),
	}}
	summarizerModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("EU totals 15, US totals 7."),
	}}

	runner, _ := newTestRunner(t, client, plannerModel, codegenModel, &fakeModel{}, summarizerModel)
	st := session.NewState("sess-e2e", nil)

	request := "total sales amount by region"
	p, err := runner.Propose(context.Background(), st, request)
	require.NoError(t, err)
	require.Len(t, p.Steps, 5)

	result, err := runner.Execute(context.Background(), st, p, request)
	require.NoError(t, err)

	for _, step := range p.Steps {
		assert.Equal(t, plan.StatusDone, step.Status, "step %s", step.ID)
	}
	assert.Equal(t, "EU totals 15, US totals 7.", result.Answer)
	assert.Contains(t, result.Preview, "EU")

	// The committed result frame holds the aggregated sums.
	lease, err := st.Lease("s3")
	require.NoError(t, err)
	defer lease.Release()
	f, err := lease.Frame()
	require.NoError(t, err)
	require.Equal(t, 2, f.NRow())

	sums := map[string]float64{}
	for _, row := range f.Maps() {
		region, _ := row["region"].(string)
		switch v := row["amount"].(type) {
		case float64:
			sums[region] = v
		case int:
			sums[region] = float64(v)
		}
	}
	assert.Equal(t, 15.0, sums["EU"])
	assert.Equal(t, 7.0, sums["US"])

	assert.Equal(t, []string{"s2", "s3"}, st.Lineage("s3"))

	// Validation passed and its verdict was committed.
	art, ok := st.Artifact("s4")
	require.True(t, ok)
	verdict := art.Value.(map[string]any)
	assert.Equal(t, true, verdict["passed"])
}

func TestExecutePolicyDenyAbortsDownstream(t *testing.T) {
	srv := newSalesServer(t)
	defer srv.Close()
	client := datasource.NewClient(srv.URL, "test-key")

	plannerModel := &fakeModel{choices: []*llms.ContentChoice{planChoice(salesPlan)}}
	codegenModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = group_sum(df_in, \"region\", \"amount\")"),
	}}

	runner, _ := newTestRunner(t, client, plannerModel, codegenModel, &fakeModel{}, &fakeModel{})
	policy := governance.NewDefaultPolicyEngine()
	policy.DenyTool("execute_query")
	runner.Policy = policy

	st := session.NewState("sess-deny", nil)
	p, err := runner.Propose(context.Background(), st, "total sales amount by region")
	require.NoError(t, err)

	result, err := runner.Execute(context.Background(), st, p, "total sales amount by region")
	require.NoError(t, err)

	assert.Equal(t, plan.StatusDone, p.Step("s1").Status)
	assert.Equal(t, plan.StatusDone, p.Step("s2").Status)
	assert.Equal(t, plan.StatusAborted, p.Step("s3").Status)
	assert.Equal(t, plan.StatusAborted, p.Step("s4").Status)
	assert.Equal(t, plan.StatusAborted, p.Step("s5").Status)

	// A deny never enters the attempt loop, so no repair was tried.
	assert.Equal(t, 0, p.Step("s3").Retries)
	for _, tr := range result.Trace {
		if tr.StepID == "s3" {
			assert.Equal(t, 0, tr.Attempts)
			assert.Contains(t, tr.Err, "restricted")
		}
	}
	assert.Contains(t, result.Answer, "could not complete")
}

func TestExecuteSandboxViolationSkipsRepair(t *testing.T) {
	srv := newSalesServer(t)
	defer srv.Close()
	client := datasource.NewClient(srv.URL, "test-key")

	plannerModel := &fakeModel{choices: []*llms.ContentChoice{planChoice(salesPlan)}}
	// The snippet reaches for the filesystem; the allow-list scan rejects it.
	codegenModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("x = open(\"/etc/passwd\")\ndf_out = df_in"),
	}}
	repairModel := &fakeModel{}

	runner, _ := newTestRunner(t, client, plannerModel, codegenModel, repairModel, &fakeModel{})
	st := session.NewState("sess-violation", nil)

	p, err := runner.Propose(context.Background(), st, "total sales amount by region")
	require.NoError(t, err)
	_, err = runner.Execute(context.Background(), st, p, "total sales amount by region")
	require.NoError(t, err)

	step := p.Step("s3")
	assert.Equal(t, plan.StatusAborted, step.Status)
	assert.Equal(t, 0, step.Retries)
	assert.Equal(t, 0, repairModel.calls)
	assert.Equal(t, plan.StatusAborted, p.Step("s4").Status)
	assert.Equal(t, plan.StatusAborted, p.Step("s5").Status)

	var attempts int
	for _, o := range st.Observations() {
		if o.StepID == "s3" {
			attempts++
			assert.Contains(t, o.Err, "policy")
		}
	}
	assert.Equal(t, 1, attempts)
}

// cancelledTool stands in for a step torn down by session shutdown.
type cancelledTool struct{}

func (cancelledTool) Name() string                { return "fetch_schema" }
func (cancelledTool) Description() string         { return "always cancelled" }
func (cancelledTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (cancelledTool) OutputSchema() map[string]any {
	return map[string]any{"type": "object"}
}
func (cancelledTool) CostHint() string { return "local" }
func (cancelledTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Artifact, error) {
	return nil, context.Canceled
}

func TestExecuteCancellationSkipsRepair(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(cancelledTool{}))
	reg.Freeze()

	repairModel := &fakeModel{}
	runner := NewRunner(
		reg,
		governance.NewDefaultPolicyEngine(),
		nil,
		nil,
		NewRepairer(repairModel),
		observability.NewLoggerTo(io.Discard),
	)
	st := session.NewState("sess-cancel", nil)

	p := &plan.Plan{Confidence: 0.9, Steps: []plan.Step{
		{ID: "s1", Type: plan.StepFetchSchema, Targets: []string{"sales"}, Status: plan.StatusPending},
		{ID: "s2", Type: plan.StepSummarize, Targets: []string{"s1"}, DependsOn: []string{"s1"}, Status: plan.StatusPending},
	}}

	_, err := runner.Execute(context.Background(), st, p, "describe sales")
	require.NoError(t, err)

	step := p.Step("s1")
	assert.Equal(t, plan.StatusAborted, step.Status)
	assert.Equal(t, 0, step.Retries)
	assert.Equal(t, 0, repairModel.calls)
	assert.Equal(t, plan.StatusAborted, p.Step("s2").Status)
}

func TestExecuteRepairLoopRecovers(t *testing.T) {
	srv := newSalesServer(t)
	defer srv.Close()
	client := datasource.NewClient(srv.URL, "test-key")

	plannerModel := &fakeModel{choices: []*llms.ContentChoice{planChoice(salesPlan)}}
	// First snippet names a column that does not exist.
	codegenModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = group_sum(df_in, \"region\", \"amt\")"),
	}}
	repairModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = group_sum(df_in, \"region\", \"amount\")"),
	}}
	summarizerModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("EU totals 15, US totals 7."),
	}}

	runner, _ := newTestRunner(t, client, plannerModel, codegenModel, repairModel, summarizerModel)
	st := session.NewState("sess-repair", nil)

	p, err := runner.Propose(context.Background(), st, "total sales amount by region")
	require.NoError(t, err)
	result, err := runner.Execute(context.Background(), st, p, "total sales amount by region")
	require.NoError(t, err)

	step := p.Step("s3")
	assert.Equal(t, plan.StatusDone, step.Status)
	assert.Equal(t, 1, step.Retries)
	assert.Equal(t, 1, repairModel.calls)

	// The repaired code replaced the original artifact.
	code, ok := st.CodeArtifact("s2")
	require.True(t, ok)
	assert.Contains(t, code, "\"amount\"")

	var attempts []session.Observation
	for _, o := range st.Observations() {
		if o.StepID == "s3" {
			attempts = append(attempts, o)
		}
	}
	require.Len(t, attempts, 2)
	assert.NotEmpty(t, attempts[0].Err)
	assert.Empty(t, attempts[1].Err)

	assert.Equal(t, "EU totals 15, US totals 7.", result.Answer)
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	srv := newSalesServer(t)
	defer srv.Close()
	client := datasource.NewClient(srv.URL, "test-key")

	plannerModel := &fakeModel{choices: []*llms.ContentChoice{planChoice(salesPlan)}}
	codegenModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = group_sum(df_in, \"region\", \"amt\")"),
	}}
	// Repairs keep producing broken code.
	repairModel := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = group_sum(df_in, \"region\", \"amnt\")"),
		textChoice("df_out = group_sum(df_in, \"region\", \"amont\")"),
	}}

	runner, _ := newTestRunner(t, client, plannerModel, codegenModel, repairModel, &fakeModel{})
	runner.MaxRetries = 2
	st := session.NewState("sess-budget", nil)

	p, err := runner.Propose(context.Background(), st, "total sales amount by region")
	require.NoError(t, err)
	result, err := runner.Execute(context.Background(), st, p, "total sales amount by region")
	require.NoError(t, err)

	step := p.Step("s3")
	assert.Equal(t, plan.StatusAborted, step.Status)
	assert.Equal(t, 2, step.Retries)
	assert.Equal(t, plan.StatusAborted, p.Step("s4").Status)
	assert.Equal(t, plan.StatusAborted, p.Step("s5").Status)
	assert.Contains(t, result.Answer, "could not complete")
}

func TestPlannerClarification(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("Which time period should the totals cover?"),
	}}
	reg := buildRegistry(t, datasource.NewClient("http://unused", ""), &fakeModel{}, &fakeModel{})
	planner := NewPlanner(model, reg, NewPromptManager(""))

	_, _, err := planner.Propose(context.Background(), nil, "show totals", datasource.Schema{}, nil)
	var clarify *plan.NeedsClarificationError
	require.ErrorAs(t, err, &clarify)
	assert.Contains(t, clarify.Questions[0], "time period")
}

func TestPlannerRetriesMalformedPlan(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		planChoice(`{"steps": [], "confidence": 0.9}`),
		planChoice(salesPlan),
	}}
	reg := buildRegistry(t, datasource.NewClient("http://unused", ""), &fakeModel{}, &fakeModel{})
	planner := NewPlanner(model, reg, NewPromptManager(""))

	p, _, err := planner.Propose(context.Background(), nil, "total sales amount by region", datasource.Schema{}, nil)
	require.NoError(t, err)
	assert.Len(t, p.Steps, 5)
	assert.Equal(t, 2, model.calls)
}

func TestPlannerExhaustsAttempts(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		planChoice(`not json`),
		planChoice(`not json`),
		planChoice(`not json`),
	}}
	reg := buildRegistry(t, datasource.NewClient("http://unused", ""), &fakeModel{}, &fakeModel{})
	planner := NewPlanner(model, reg, NewPromptManager(""))

	_, _, err := planner.Propose(context.Background(), nil, "totals", datasource.Schema{}, nil)
	var malformed *tools.MalformedLLMOutputError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 3, model.calls)
}

func TestPlannerLowConfidence(t *testing.T) {
	low := strings.Replace(salesPlan, `"confidence": 0.9`, `"confidence": 0.2`, 1)
	model := &fakeModel{choices: []*llms.ContentChoice{planChoice(low)}}
	reg := buildRegistry(t, datasource.NewClient("http://unused", ""), &fakeModel{}, &fakeModel{})
	planner := NewPlanner(model, reg, NewPromptManager(""))

	_, _, err := planner.Propose(context.Background(), nil, "totals", datasource.Schema{}, nil)
	var clarify *plan.NeedsClarificationError
	require.ErrorAs(t, err, &clarify)
}

func TestPlannerAccumulatesUsage(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		withUsage(planChoice(`{"steps": [], "confidence": 0.9}`), 200, 40),
		withUsage(planChoice(salesPlan), 250, 80),
	}}
	reg := buildRegistry(t, datasource.NewClient("http://unused", ""), &fakeModel{}, &fakeModel{})
	planner := NewPlanner(model, reg, NewPromptManager(""))

	p, usage, err := planner.Propose(context.Background(), nil, "total sales amount by region", datasource.Schema{}, nil)
	require.NoError(t, err)
	require.Len(t, p.Steps, 5)

	// The rejected first attempt still cost tokens.
	assert.Equal(t, 450, usage.TokensPrompt)
	assert.Equal(t, 120, usage.TokensCompletion)
	assert.Equal(t, 570, usage.Total())
}

func TestExecuteRecordsTokenUsage(t *testing.T) {
	srv := newSalesServer(t)
	defer srv.Close()
	client := datasource.NewClient(srv.URL, "test-key")

	plannerModel := &fakeModel{choices: []*llms.ContentChoice{
		withUsage(planChoice(salesPlan), 200, 80),
	}}
	codegenModel := &fakeModel{choices: []*llms.ContentChoice{
		withUsage(textChoice("df_out = group_sum(df_in, \"region\", \"amount\")"), 120, 30),
	}}
	summarizerModel := &fakeModel{choices: []*llms.ContentChoice{
		withUsage(textChoice("EU totals 15, US totals 7."), 90, 25),
	}}

	reg := buildRegistry(t, client, codegenModel, summarizerModel)
	var buf bytes.Buffer
	runner := NewRunner(
		reg,
		governance.NewDefaultPolicyEngine(),
		client,
		NewPlanner(plannerModel, reg, NewPromptManager("")),
		NewRepairer(&fakeModel{}),
		observability.NewLoggerTo(&buf),
	)
	runner.ModelName = "gpt-4o-mini"
	st := session.NewState("sess-usage", nil)

	request := "total sales amount by region"
	p, err := runner.Propose(context.Background(), st, request)
	require.NoError(t, err)
	_, err = runner.Execute(context.Background(), st, p, request)
	require.NoError(t, err)

	byStep := make(map[string]session.Observation)
	for _, o := range st.Observations() {
		byStep[o.StepID] = o
	}
	assert.Equal(t, 120, byStep["s2"].TokensPrompt)
	assert.Equal(t, 30, byStep["s2"].TokensCompletion)
	assert.Equal(t, 90, byStep["s5"].TokensPrompt)
	assert.Equal(t, 25, byStep["s5"].TokensCompletion)
	assert.Equal(t, 0, byStep["s3"].TokensPrompt)

	// One cost event for planning, one per model-backed step.
	var costs int
	var total float64
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var evt map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &evt))
		if evt["type"] != "cost" {
			continue
		}
		costs++
		data := evt["data"].(map[string]any)
		total += data["total_tokens"].(float64)
		assert.Equal(t, "gpt-4o-mini", data["model"])
	}
	assert.Equal(t, 3, costs)
	assert.Equal(t, float64(200+80+120+30+90+25), total)
}

func TestRepairerFullReplacement(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("```python\ndf_out = group_sum(df_in, \"region\", \"amount\")\n```"),
	}}
	r := NewRepairer(model)

	fixed, err := r.Repair(context.Background(),
		"df_out = group_sum(df_in, \"region\", \"amt\")",
		"exec: group_sum: column \"amt\" not found", "sales: region(text) amount(int8)")
	require.NoError(t, err)
	assert.Equal(t, "df_out = group_sum(df_in, \"region\", \"amount\")", fixed)
}

func TestRepairerPatchFormat(t *testing.T) {
	original := "df_out = group_sum(df_in, \"region\", \"amt\")"
	corrected := "df_out = group_sum(df_in, \"region\", \"amount\")"

	dmp := diffmatchpatch.New()
	patchText := dmp.PatchToText(dmp.PatchMake(original, corrected))
	require.True(t, strings.HasPrefix(patchText, "@@"))

	model := &fakeModel{choices: []*llms.ContentChoice{textChoice(patchText)}}
	r := NewRepairer(model)

	fixed, err := r.Repair(context.Background(), original, "column not found", "")
	require.NoError(t, err)
	assert.Equal(t, corrected, fixed)
}

func TestRepairerRejectsOversizedReply(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		textChoice(strings.Repeat("x = 1\n", 100)),
	}}
	r := NewRepairer(model)
	r.PatchMaxBytes = 32

	_, err := r.Repair(context.Background(), "df_out = df_in", "boom", "")
	var malformed *tools.MalformedLLMOutputError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "exceeds limit")
}

func TestRepairerRejectsNoChange(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("df_out = df_in"),
	}}
	r := NewRepairer(model)

	_, err := r.Repair(context.Background(), "df_out = df_in", "boom", "")
	var malformed *tools.MalformedLLMOutputError
	require.ErrorAs(t, err, &malformed)
}

func TestRepairerUnparseablePatch(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		textChoice("@@ this is not a patch @@"),
	}}
	r := NewRepairer(model)

	_, err := r.Repair(context.Background(), "df_out = df_in", "boom", "")
	var malformed *tools.MalformedLLMOutputError
	require.ErrorAs(t, err, &malformed)
}

func TestPromptManagerOverride(t *testing.T) {
	pm := NewPromptManager("")
	prompt, err := pm.GetPlannerPrompt()
	require.NoError(t, err)
	assert.Contains(t, prompt, "propose_plan")

	persona, err := pm.GetPersonaPrompt()
	require.NoError(t, err)
	assert.Contains(t, persona, "TableTalk")
}
