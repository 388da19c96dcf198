package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/mvaldes-io/tabletalk/internal/frame"
	"github.com/mvaldes-io/tabletalk/internal/governance"
	"github.com/mvaldes-io/tabletalk/internal/observability"
	"github.com/mvaldes-io/tabletalk/internal/plan"
	"github.com/mvaldes-io/tabletalk/internal/sandbox"
	"github.com/mvaldes-io/tabletalk/internal/session"
	"github.com/mvaldes-io/tabletalk/internal/tools"
)

// TableLoader fetches rows for a base table so the runner can lazily load
// frames the plan targets. *datasource.Client satisfies it.
type TableLoader interface {
	FetchRows(ctx context.Context, table string, filters map[string]string) (*frame.Frame, error)
}

// StepTrace records what happened to one step during Execute.
type StepTrace struct {
	StepID   string
	Type     plan.StepType
	Status   plan.Status
	Attempts int
	Err      string
}

// TurnResult is everything one executed plan hands back to the chat layer.
type TurnResult struct {
	Plan    *plan.Plan
	Trace   []StepTrace
	Answer  string
	Viz     map[string]any
	Preview string
}

// Runner drives a validated plan step by step: governance first, then the
// tool, then artifact commit. Failed steps go through the repair loop
// until the retry budget runs out; policy violations abort immediately and
// take their downstream dependents with them.
type Runner struct {
	Registry    *tools.Registry
	Policy      governance.PolicyEngine
	Loader      TableLoader
	Planner     *Planner
	Repairer    *Repairer
	Log         *observability.Logger
	MaxRetries  int
	StepTimeout time.Duration
	ModelName   string // reported on cost events
}

func NewRunner(reg *tools.Registry, policy governance.PolicyEngine, loader TableLoader,
	planner *Planner, repairer *Repairer, logger *observability.Logger) *Runner {
	return &Runner{
		Registry:    reg,
		Policy:      policy,
		Loader:      loader,
		Planner:     planner,
		Repairer:    repairer,
		Log:         logger,
		MaxRetries:  2,
		StepTimeout: 30 * time.Second,
	}
}

// Propose records the request and asks the planner for a validated plan.
// The plan is installed on the session but nothing runs until Execute;
// that gap is where the caller shows the plan and collects approval.
func (r *Runner) Propose(ctx context.Context, st *session.State, request string) (*plan.Plan, error) {
	history := llmHistory(st.History(10))
	if err := st.AppendMessage("human", request); err != nil {
		return nil, err
	}
	p, usage, err := r.Planner.Propose(ctx, history, request, st.Schemas(), st.KnownAliases())
	if usage.Total() > 0 {
		r.Log.LogCost(st.ID(), "", usage.TokensPrompt, usage.TokensCompletion, r.ModelName)
	}
	if err != nil {
		return nil, err
	}
	if err := st.SetActivePlan(p); err != nil {
		return nil, err
	}
	r.Log.LogPlan(st.ID(), len(p.Steps), p.Confidence, false)
	return p, nil
}

// Execute runs the session's approved plan to completion. Steps run in
// declaration order; a terminally failed step aborts everything that
// depends on it but leaves independent steps running.
func (r *Runner) Execute(ctx context.Context, st *session.State, p *plan.Plan, request string) (*TurnResult, error) {
	if p == nil {
		return nil, errors.New("agent: no plan to execute")
	}
	r.Log.LogPlan(st.ID(), len(p.Steps), p.Confidence, true)

	result := &TurnResult{Plan: p}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Terminal() {
			continue
		}
		if dep := r.blockedOn(p, step); dep != "" {
			step.Status = plan.StatusAborted
			result.Trace = append(result.Trace, StepTrace{
				StepID: step.ID, Type: step.Type, Status: step.Status,
				Err: fmt.Sprintf("dependency %s did not complete", dep),
			})
			continue
		}
		trace := r.runStep(ctx, st, p, step, request)
		result.Trace = append(result.Trace, trace)
	}

	r.collectOutputs(st, p, result)
	if result.Answer == "" {
		result.Answer = renderFallback(result)
	}
	if err := st.AppendMessage("ai", result.Answer); err != nil {
		return nil, err
	}
	return result, nil
}

// blockedOn returns the id of a dependency that cannot satisfy the step,
// or empty when all dependencies are done.
func (r *Runner) blockedOn(p *plan.Plan, step *plan.Step) string {
	for _, dep := range step.DependsOn {
		d := p.Step(dep)
		if d == nil || d.Status != plan.StatusDone {
			return dep
		}
	}
	return ""
}

func (r *Runner) runStep(ctx context.Context, st *session.State, p *plan.Plan, step *plan.Step, request string) StepTrace {
	trace := StepTrace{StepID: step.ID, Type: step.Type}

	if _, err := r.Registry.Resolve(string(step.Type)); err != nil {
		step.Status = plan.StatusAborted
		trace.Status, trace.Err = step.Status, err.Error()
		return trace
	}

	code, codeStepID := r.resolveCode(st, step)

	if err := r.ensureTables(ctx, st, step); err != nil {
		step.Status = plan.StatusAborted
		trace.Status, trace.Err = step.Status, err.Error()
		return trace
	}

	// Governance gate. A deny is terminal: no attempt, no repair.
	verdict, err := r.Policy.Evaluate(ctx, governance.Request{
		SessionID: st.ID(),
		StepID:    step.ID,
		Tool:      string(step.Type),
		Code:      code,
	})
	if err != nil {
		step.Status = plan.StatusAborted
		trace.Status, trace.Err = step.Status, err.Error()
		return trace
	}
	r.Log.LogPolicyCheck(st.ID(), step.ID, string(step.Type), string(verdict.Effect), verdict.Rule)
	if verdict.Effect == governance.EffectDeny {
		pv := &sandbox.PolicyViolationError{Rule: verdict.Rule, Detail: verdict.Reason}
		step.Status = plan.StatusAborted
		_ = st.Observe(session.Observation{StepID: step.ID, Attempt: 0, Started: time.Now(), Err: pv.Error()})
		r.abortDownstream(p, step.ID)
		trace.Status, trace.Err = step.Status, pv.Error()
		return trace
	}

	for {
		trace.Attempts++
		if err := step.Transition(plan.StatusRunning); err != nil {
			step.Status = plan.StatusAborted
			trace.Status, trace.Err = step.Status, err.Error()
			return trace
		}
		r.Log.LogStep(st.ID(), step.ID, string(step.Type), string(step.Status), trace.Attempts)
		r.Log.LogToolCall(st.ID(), step.ID, string(step.Type), strings.Join(step.Targets, " "))

		start := time.Now()
		art, execErr := r.dispatch(ctx, st, step, code, request)
		obs := session.Observation{
			StepID:   step.ID,
			Attempt:  trace.Attempts,
			Started:  start,
			Duration: time.Since(start),
		}
		if execErr != nil {
			obs.Err = execErr.Error()
		}
		if art != nil {
			obs.TokensPrompt = art.TokensPrompt
			obs.TokensCompletion = art.TokensCompletion
		}
		_ = st.Observe(obs)
		r.Log.LogToolResult(st.ID(), step.ID, string(step.Type), execErr)

		if execErr == nil {
			if err := st.CommitArtifact(step.ID, art, lineageFor(step, codeStepID)); err != nil {
				execErr = err
			} else {
				if art.TokensPrompt+art.TokensCompletion > 0 {
					r.Log.LogCost(st.ID(), step.ID, art.TokensPrompt, art.TokensCompletion, r.ModelName)
				}
				if step.Type == plan.StepGenerateQuery {
					if snippet, ok := art.Value.(string); ok {
						r.Log.LogLLM(st.ID(), step.ID, request, snippet, nil)
					}
				}
				_ = step.Transition(plan.StatusDone)
				trace.Status = step.Status
				return trace
			}
		}

		_ = step.Transition(plan.StatusFailed)
		trace.Err = execErr.Error()

		var pv *sandbox.PolicyViolationError
		if errors.As(execErr, &pv) || errors.Is(execErr, context.Canceled) {
			_ = step.Transition(plan.StatusAborted)
			r.abortDownstream(p, step.ID)
			trace.Status = step.Status
			return trace
		}

		if err := step.Repair(r.MaxRetries); err != nil {
			_ = step.Transition(plan.StatusAborted)
			r.abortDownstream(p, step.ID)
			trace.Status = step.Status
			return trace
		}
		r.Log.LogRepair(st.ID(), step.ID, step.Retries, execErr.Error())

		// Only code-bearing failures get a patch; other tools simply retry.
		if step.Type == plan.StepExecuteQuery && r.Repairer != nil && code != "" {
			fixed, rerr := r.Repairer.Repair(ctx, code, execErr.Error(), renderSchemas(st.Schemas()))
			if rerr == nil {
				code = fixed
				if codeStepID != "" {
					_ = st.CommitArtifact(codeStepID, &tools.Artifact{Kind: tools.ArtifactCode, Value: fixed}, nil)
				}
			}
		}
	}
}

// dispatch builds the invocation and runs the tool under the step timeout
// and the session's cancellable step context.
func (r *Runner) dispatch(ctx context.Context, st *session.State, step *plan.Step, code, request string) (*tools.Artifact, error) {
	stepCtx, release := st.BindStepContext(ctx)
	defer release()
	if r.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, r.StepTimeout)
		defer cancel()
	}

	tool, err := r.Registry.Resolve(string(step.Type))
	if err != nil {
		return nil, err
	}
	inv := tools.Invocation{
		SessionID: st.ID(),
		StepID:    step.ID,
		Targets:   step.Targets,
		Checks:    step.Checks,
		Code:      code,
		Request:   request,
		Hints:     r.valueHints(st, step),
		Frames:    st,
		Schemas:   st.Schemas(),
	}
	return tool.Execute(stepCtx, inv)
}

// resolveCode finds the code an execute_query step should run: the code
// artifact its plan references, else inline step code.
func (r *Runner) resolveCode(st *session.State, step *plan.Step) (code, codeStepID string) {
	if step.Type != plan.StepExecuteQuery {
		return step.Code, ""
	}
	if pid, ok := step.Artifacts["code"]; ok {
		if c, found := st.CodeArtifact(pid); found {
			return c, pid
		}
		return "", pid
	}
	return step.Code, ""
}

// ensureTables lazily loads base tables a data-touching step targets.
// Tables already loaded or unknown to the schema cache are left alone.
func (r *Runner) ensureTables(ctx context.Context, st *session.State, step *plan.Step) error {
	switch step.Type {
	case plan.StepProfileColumns, plan.StepExecuteQuery:
	default:
		return nil
	}
	if r.Loader == nil {
		return nil
	}
	schemas := st.Schemas()
	for _, target := range step.Targets {
		table := target
		if i := strings.IndexByte(target, '.'); i >= 0 {
			table = target[:i]
		}
		if st.HasFrame(table) {
			continue
		}
		if _, known := schemas[table]; !known {
			continue
		}
		f, err := r.Loader.FetchRows(ctx, table, nil)
		if err != nil {
			return fmt.Errorf("agent: load table %s: %w", table, err)
		}
		if err := st.CommitFrame(table, f, nil); err != nil {
			return err
		}
	}
	return nil
}

// valueHints feeds categorical samples from committed profile artifacts to
// the code generator so it matches literal values exactly.
func (r *Runner) valueHints(st *session.State, step *plan.Step) map[string][]string {
	if step.Type != plan.StepGenerateQuery {
		return nil
	}
	hints := make(map[string][]string)
	for _, dep := range step.DependsOn {
		art, ok := st.Artifact(dep)
		if !ok || art.Kind != tools.ArtifactScalar {
			continue
		}
		profile, ok := art.Value.(map[string]any)
		if !ok {
			continue
		}
		for key, raw := range profile {
			col, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if col["kind"] != string(frame.KindString) {
				continue
			}
			if distinct, ok := col["distinct"].([]string); ok && len(distinct) > 0 {
				hints[key] = distinct
			}
		}
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

// abortDownstream marks every non-terminal step that transitively depends
// on the failed step as aborted.
func (r *Runner) abortDownstream(p *plan.Plan, failedID string) {
	dead := map[string]bool{failedID: true}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Terminal() || step.ID == failedID {
			continue
		}
		for _, dep := range step.DependsOn {
			if dead[dep] {
				step.Status = plan.StatusAborted
				dead[step.ID] = true
				break
			}
		}
	}
}

// collectOutputs pulls the narrative, viz suggestion and result preview
// out of the committed artifacts.
func (r *Runner) collectOutputs(st *session.State, p *plan.Plan, result *TurnResult) {
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Status != plan.StatusDone {
			continue
		}
		switch step.Type {
		case plan.StepSummarize:
			if art, ok := st.Artifact(step.ID); ok {
				if s, ok := art.Value.(string); ok {
					result.Answer = s
				}
			}
		case plan.StepSuggestViz:
			if art, ok := st.Artifact(step.ID); ok {
				if m, ok := art.Value.(map[string]any); ok {
					result.Viz = m
				}
			}
		case plan.StepExecuteQuery:
			if lease, err := st.Lease(step.ID); err == nil {
				if f, err := lease.Frame(); err == nil {
					result.Preview = previewFrame(f, 5)
				}
				lease.Release()
			} else if art, ok := st.Artifact(step.ID); ok {
				result.Preview = fmt.Sprintf("%v", art.Value)
			}
		}
	}
}

// lineageFor names the producing steps of a committed frame: the code
// step, then the executing step.
func lineageFor(step *plan.Step, codeStepID string) []string {
	if codeStepID != "" {
		return []string{codeStepID, step.ID}
	}
	return []string{step.ID}
}

func previewFrame(f *frame.Frame, maxRows int) string {
	head := f.Head(maxRows)
	var b strings.Builder
	for i, rec := range head.Records() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(rec, " | "))
	}
	return b.String()
}

func renderFallback(result *TurnResult) string {
	var done, aborted int
	var firstErr string
	for _, tr := range result.Trace {
		switch tr.Status {
		case plan.StatusDone:
			done++
		case plan.StatusAborted:
			aborted++
			if firstErr == "" {
				firstErr = tr.Err
			}
		}
	}
	if aborted > 0 {
		return fmt.Sprintf("I could not complete the analysis (%d of %d steps failed): %s",
			aborted, len(result.Trace), firstErr)
	}
	if result.Preview != "" {
		return "Here is the result:\n" + result.Preview
	}
	return fmt.Sprintf("Completed %d steps.", done)
}

func llmHistory(messages []session.Message) []llms.MessageContent {
	var out []llms.MessageContent
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == "ai" {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}
	return out
}
