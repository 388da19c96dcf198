// Package plan defines the structured representation of a proposed tool-call
// sequence and its validation against the registry and schema cache.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StepType is the closed set of plannable operations. Unknown types are
// rejected at parse time, not deep in execution.
type StepType string

const (
	StepFetchSchema    StepType = "fetch_schema"
	StepProfileColumns StepType = "profile_columns"
	StepGenerateQuery  StepType = "generate_query"
	StepExecuteQuery   StepType = "execute_query"
	StepValidateResult StepType = "validate_result"
	StepSuggestViz     StepType = "suggest_viz"
	StepSummarize      StepType = "summarize"
)

// StepTypes lists every valid step type, in pipeline order.
var StepTypes = []StepType{
	StepFetchSchema, StepProfileColumns, StepGenerateQuery,
	StepExecuteQuery, StepValidateResult, StepSuggestViz, StepSummarize,
}

func (t StepType) Valid() bool {
	for _, s := range StepTypes {
		if t == s {
			return true
		}
	}
	return false
}

// Status is a step's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
	StatusAborted Status = "aborted"
)

// transitions lists the legal status edges. failed->pending is reserved
// for the repair loop and additionally gated on the retry budget.
// pending->aborted covers downstream steps cancelled before they ran.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusAborted},
	StatusRunning: {StatusFailed, StatusDone},
	StatusFailed:  {StatusPending, StatusAborted},
}

// Step is one unit of planned work.
type Step struct {
	ID        string            `json:"id" validate:"required"`
	Type      StepType          `json:"type" validate:"required"`
	Targets   []string          `json:"targets" validate:"required,min=1,dive,required"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Checks    []string          `json:"checks,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"` // artifact name -> producing step id
	Status    Status            `json:"status,omitempty"`
	Retries   int               `json:"retries,omitempty"`
	Code      string            `json:"code,omitempty"`
}

// Transition moves the step to a new status, enforcing the legal edges.
func (s *Step) Transition(to Status) error {
	for _, allowed := range transitions[s.Status] {
		if to == allowed {
			s.Status = to
			return nil
		}
	}
	return fmt.Errorf("plan: step %s: illegal transition %s -> %s", s.ID, s.Status, to)
}

// Repair moves a failed step back to pending, consuming one retry.
// Fails once the budget is exhausted; the caller then aborts the step.
func (s *Step) Repair(maxRetries int) error {
	if s.Status != StatusFailed {
		return fmt.Errorf("plan: step %s: repair from %s", s.ID, s.Status)
	}
	if s.Retries >= maxRetries {
		return fmt.Errorf("plan: step %s: retry budget exhausted (%d)", s.ID, maxRetries)
	}
	s.Retries++
	s.Status = StatusPending
	return nil
}

// Terminal reports whether the step can no longer run.
func (s *Step) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusAborted
}

// Plan is an ordered sequence of steps. Execution order is declaration
// order; there is no implicit parallelism.
type Plan struct {
	Steps                []Step   `json:"steps" validate:"required,min=1,dive"`
	Confidence           float64  `json:"confidence" validate:"gte=0,lte=1"`
	ClarificationsNeeded []string `json:"clarifications_needed,omitempty"`
	Risks                []string `json:"risks,omitempty"`
	PolicyFlags          []string `json:"policy_flags,omitempty"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Marshal renders the plan's wire form.
func (p *Plan) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

var structValidator = validator.New()

// Parse defensively decodes a plan from model output. Unknown fields,
// unknown step types and structural defects all fail with
// MalformedPlanError; the raw text is never executed.
func Parse(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, &MalformedPlanError{Reason: "decode: " + err.Error()}
	}
	if err := structValidator.Struct(&p); err != nil {
		return nil, &MalformedPlanError{Reason: "structure: " + compactValidatorErr(err)}
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if !step.Type.Valid() {
			return nil, &MalformedPlanError{StepID: step.ID, Reason: fmt.Sprintf("unknown step type %q", step.Type)}
		}
		if step.Status == "" {
			step.Status = StatusPending
		}
	}
	return &p, nil
}

func compactValidatorErr(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s violates %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// MalformedPlanError reports a plan that failed parsing or validation,
// naming the offending step when known.
type MalformedPlanError struct {
	StepID string
	Reason string
}

func (e *MalformedPlanError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("plan: step %s: %s", e.StepID, e.Reason)
	}
	return "plan: " + e.Reason
}

// NeedsClarificationError is a control signal, not a fault: the plan must
// not execute until the collaborator resolves the questions with the user.
type NeedsClarificationError struct {
	Questions  []string
	Confidence float64
}

func (e *NeedsClarificationError) Error() string {
	if len(e.Questions) > 0 {
		return fmt.Sprintf("plan needs clarification: %s", strings.Join(e.Questions, "; "))
	}
	return fmt.Sprintf("plan confidence %.2f below threshold", e.Confidence)
}
