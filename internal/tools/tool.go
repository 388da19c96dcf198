// Package tools defines the agent's capability surface: the Tool interface,
// the immutable Registry the planner is validated against, and the built-in
// analytics tools (one per plan step type).
package tools

import (
	"context"
	"fmt"
	"iter"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/frame"
)

// FrameSource hands out scoped leases on session-owned frames. Implemented
// by the session; tools never see the handles themselves.
type FrameSource interface {
	Lease(alias string) (*frame.Lease, error)
}

// Invocation carries one step's inputs into a tool.
type Invocation struct {
	SessionID string
	StepID    string
	Targets   []string
	Checks    []string
	Code      string
	Request   string // the user's natural-language ask, for LLM-backed tools
	Hints     map[string][]string
	Frames    FrameSource
	Schemas   datasource.Schema
}

// ArtifactKind tags what a tool produced.
type ArtifactKind string

const (
	ArtifactFrame  ArtifactKind = "frame"
	ArtifactScalar ArtifactKind = "scalar"
	ArtifactSchema ArtifactKind = "schema"
	ArtifactCode   ArtifactKind = "code"
)

// Artifact is a tool's sole output. The caller commits it to the session;
// tools themselves mutate nothing.
type Artifact struct {
	Kind   ArtifactKind
	Frame  *frame.Frame
	Value  any
	Schema datasource.Schema

	// Token counts of the model call that produced this artifact.
	// Zero for local tools.
	TokensPrompt     int
	TokensCompletion int
}

// Tool defines one agent capability.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	CostHint() string
	Execute(ctx context.Context, inv Invocation) (*Artifact, error)
}

// MalformedLLMOutputError marks model output that failed defensive parsing.
// Retryable with a fresh prompt, bounded by the caller.
type MalformedLLMOutputError struct {
	Reason string
}

func (e *MalformedLLMOutputError) Error() string {
	return "malformed model output: " + e.Reason
}

// ManifestEntry is the immutable registration record for one tool.
type ManifestEntry struct {
	Name         string
	InputSchema  map[string]any
	OutputSchema map[string]any
	CostHint     string
}

// DuplicateToolError reports a second registration under the same name.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tools: %q already registered", e.Name)
}

// UnknownToolError reports a lookup for an unregistered tool.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.Name)
}

// ErrFrozen is returned by Register once the registry is frozen.
var ErrFrozen = fmt.Errorf("tools: registry is frozen")

// Registry is an explicitly constructed tool set, passed by reference to
// the planner and runner. Freeze it after process-wide setup; from then on
// it is immutable and safe for concurrent reads.
type Registry struct {
	order  []Tool
	byName map[string]Tool
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool. Fails with DuplicateToolError on a repeated name
// and ErrFrozen after Freeze.
func (r *Registry) Register(t Tool) error {
	if r.frozen {
		return ErrFrozen
	}
	name := t.Name()
	if _, ok := r.byName[name]; ok {
		return &DuplicateToolError{Name: name}
	}
	r.byName[name] = t
	r.order = append(r.order, t)
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() { r.frozen = true }

// Resolve looks a tool up by name.
func (r *Registry) Resolve(name string) (Tool, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Manifest yields registration records lazily, in insertion order. The
// sequence is restartable: each range starts over.
func (r *Registry) Manifest() iter.Seq[ManifestEntry] {
	return func(yield func(ManifestEntry) bool) {
		for _, t := range r.order {
			entry := ManifestEntry{
				Name:         t.Name(),
				InputSchema:  t.InputSchema(),
				OutputSchema: t.OutputSchema(),
				CostHint:     t.CostHint(),
			}
			if !yield(entry) {
				return
			}
		}
	}
}
