package sandbox

import (
	"fmt"
	"time"
)

// PolicyViolationError marks generated code that touched something outside
// the allow-list. Fatal per step: the repair loop must not retry it.
type PolicyViolationError struct {
	Rule   string
	Detail string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("sandbox: policy violation (%s): %s", e.Rule, e.Detail)
}

// ExecutionTimeoutError marks a run that exceeded its wall-clock deadline
// or its interpreter step budget. Retryable.
type ExecutionTimeoutError struct {
	Limit time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("sandbox: execution exceeded %s", e.Limit)
}

// ExecError is a plain runtime or contract failure in generated code.
// Retryable through the repair loop.
type ExecError struct {
	Msg string
}

func (e *ExecError) Error() string {
	return "sandbox: " + e.Msg
}
