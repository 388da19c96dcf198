package governance

import (
	"context"
	"fmt"
	"regexp"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a step about to execute: the tool being
// dispatched and, for query steps, the generated code.
type Request struct {
	SessionID string
	StepID    string
	Tool      string
	Code      string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Rule   string
	Reason string
}

// PolicyEngine evaluates step dispatches against a set of rules. A Deny is
// terminal for the step; the repair loop never retries it.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies named tools and code matching restricted
// patterns, and allows everything else.
type DefaultPolicyEngine struct {
	deniedTools map[string]bool
	deniedCode  []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		deniedTools: make(map[string]bool),
	}
}

// DenyTool blocks a tool from being dispatched at all.
func (e *DefaultPolicyEngine) DenyTool(name string) {
	e.deniedTools[name] = true
}

// DenyCode blocks generated code matching the pattern. The sandbox's
// allow-list is the hard boundary; these rules let operators reject
// suspicious code before it consumes an execution slot.
func (e *DefaultPolicyEngine) DenyCode(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.deniedCode = append(e.deniedCode, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.deniedTools[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Rule:   "denied-tool",
			Reason: fmt.Sprintf("tool %q is restricted by session policy", req.Tool),
		}, nil
	}

	for _, re := range e.deniedCode {
		if re.MatchString(req.Code) {
			return Result{
				Effect: EffectDeny,
				Rule:   "denied-code",
				Reason: fmt.Sprintf("generated code matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "approved by default policy",
	}, nil
}
