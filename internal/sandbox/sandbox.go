// Package sandbox runs LLM-generated analysis code against leased frames
// under an allow-list policy. The interpreter is Starlark: no filesystem,
// no network, no imports, no ambient authority. The only capabilities a
// snippet has are the frame builtins injected per invocation.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/mvaldes-io/tabletalk/internal/frame"
)

const (
	// outVar must be assigned by every snippet that produces a frame.
	outVar = "df_out"
	// resultVar may be assigned instead for scalar answers.
	resultVar = "result"

	defaultTimeout  = 5 * time.Second
	defaultMaxSteps = 500_000
)

// Artifact is the sole output channel of a run. Nothing a snippet does is
// visible to the session until the caller commits this value.
type Artifact struct {
	Frame  *frame.Frame
	Scalar any
}

// IsFrame reports whether the artifact carries a table.
func (a *Artifact) IsFrame() bool { return a.Frame != nil }

// Executor runs one snippet at a time under a wall-clock deadline and an
// interpreter step budget. Safe for concurrent use; each run gets its own
// thread.
type Executor struct {
	Timeout  time.Duration
	MaxSteps uint64
}

func NewExecutor(timeout time.Duration, maxSteps uint64) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	return &Executor{Timeout: timeout, MaxSteps: maxSteps}
}

// Run executes code with the given leased inputs predeclared under their
// alias names. It returns the snippet's artifact, or one of
// PolicyViolationError (fatal), ExecutionTimeoutError (retryable) or
// ExecError (retryable).
func (e *Executor) Run(ctx context.Context, stepID, code string, inputs map[string]*frame.Lease) (*Artifact, error) {
	predeclared := builtins()
	allowed := make(map[string]bool, len(predeclared)+len(inputs))
	for name := range predeclared {
		allowed[name] = true
	}
	for alias, lease := range inputs {
		f, err := lease.Frame()
		if err != nil {
			return nil, &ExecError{Msg: "input " + alias + ": " + err.Error()}
		}
		predeclared[alias] = &frameValue{f: f}
		allowed[alias] = true
	}

	filename := stepID + ".star"
	if err := checkPolicy(filename, code, allowed); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	thread := &starlark.Thread{Name: stepID}
	thread.SetMaxExecutionSteps(e.MaxSteps)

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel("deadline exceeded")
		case <-watchdogDone:
		}
	}()

	globals, err := starlark.ExecFile(thread, filename, code, predeclared)
	if err != nil {
		// A cancelled caller context is not a timeout: the session is
		// tearing the step down, so surface the cancellation as-is.
		if errors.Is(runCtx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &ExecutionTimeoutError{Limit: e.Timeout}
		}
		if strings.Contains(err.Error(), "too many steps") {
			return nil, &ExecutionTimeoutError{Limit: e.Timeout}
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, &ExecError{Msg: evalErr.Backtrace()}
		}
		return nil, &ExecError{Msg: err.Error()}
	}

	return extractArtifact(globals)
}

func extractArtifact(globals starlark.StringDict) (*Artifact, error) {
	if v, ok := globals[outVar]; ok {
		fv, isFrame := v.(*frameValue)
		if !isFrame {
			return nil, &ExecError{Msg: outVar + " must be a dataframe, got " + v.Type()}
		}
		return &Artifact{Frame: fv.f}, nil
	}
	if v, ok := globals[resultVar]; ok {
		if fv, isFrame := v.(*frameValue); isFrame {
			return &Artifact{Frame: fv.f}, nil
		}
		scalar, err := toScalar(v)
		if err != nil {
			return nil, err
		}
		return &Artifact{Scalar: scalar}, nil
	}
	return nil, &ExecError{Msg: "code must assign " + outVar + " or " + resultVar}
}

func toScalar(v starlark.Value) (any, error) {
	switch t := v.(type) {
	case starlark.String:
		return string(t), nil
	case starlark.Int:
		if n, ok := t.Int64(); ok {
			return n, nil
		}
		return t.String(), nil
	case starlark.Float:
		return float64(t), nil
	case starlark.Bool:
		return bool(t), nil
	case *starlark.List:
		out := make([]any, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			s, err := toScalar(t.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &ExecError{Msg: "unsupported result type " + v.Type()}
	}
}
