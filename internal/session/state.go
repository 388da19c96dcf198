// Package session owns per-conversation state: messages, named frames, the
// active plan, the observation log and their sqlite persistence. One State
// per conversation; sessions never share anything.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/frame"
	"github.com/mvaldes-io/tabletalk/internal/plan"
	"github.com/mvaldes-io/tabletalk/internal/tools"
)

// Message is one chat exchange entry.
type Message struct {
	Role    string
	Content string
	At      time.Time
}

// Observation is one step attempt's accounting record. Append-only.
type Observation struct {
	StepID           string
	Attempt          int
	Started          time.Time
	Duration         time.Duration
	TokensPrompt     int
	TokensCompletion int
	Err              string
}

// State holds everything one conversation owns. All methods are safe for
// concurrent use; distinct sessions share nothing.
type State struct {
	id    string
	store *Store // optional persistence; nil disables it

	mu         sync.Mutex
	lastActive time.Time
	messages   []Message
	activePlan *plan.Plan
	frames     map[string]*frame.Handle
	artifacts  map[string]*tools.Artifact
	schemas    datasource.Schema
	log        []Observation
	leases     []*frame.Lease
	cancelStep context.CancelFunc
}

func NewState(id string, store *Store) *State {
	return &State{
		id:         id,
		store:      store,
		lastActive: time.Now(),
		frames:     make(map[string]*frame.Handle),
		artifacts:  make(map[string]*tools.Artifact),
		schemas:    datasource.Schema{},
	}
}

func (s *State) ID() string { return s.id }

func (s *State) touchLocked() { s.lastActive = time.Now() }

// IdleSince reports the last activity time, for TTL cleanup.
func (s *State) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Lease issues a scoped, revocable snapshot of a named frame. Implements
// tools.FrameSource. Every outstanding lease is revoked on Clear.
func (s *State) Lease(alias string) (*frame.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.frames[alias]
	if !ok {
		return nil, fmt.Errorf("session %s: no frame %q", s.id, alias)
	}
	// Sweep leases already revoked so long sessions don't accumulate them.
	live := s.leases[:0]
	for _, l := range s.leases {
		if !l.Released() {
			live = append(live, l)
		}
	}
	s.leases = live

	lease := frame.NewLease(h)
	s.leases = append(s.leases, lease)
	return lease, nil
}

// HasFrame reports whether alias names a loaded frame.
func (s *State) HasFrame(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.frames[alias]
	return ok
}

// CommitFrame installs a frame under alias with the given lineage. This is
// the only way executor output becomes visible; nothing is partial.
func (s *State) CommitFrame(alias string, f *frame.Frame, lineage []string) error {
	if f == nil {
		return fmt.Errorf("session %s: nil frame for %q", s.id, alias)
	}
	s.mu.Lock()
	s.frames[alias] = &frame.Handle{Alias: alias, Frame: f, Lineage: append([]string(nil), lineage...)}
	s.touchLocked()
	s.mu.Unlock()
	if s.store != nil {
		return s.store.SaveLineage(s.id, alias, lineage)
	}
	return nil
}

// CommitArtifact records a step's committed output: schemas merge into the
// schema cache, frames become named handles, everything else is stored
// under the step id.
func (s *State) CommitArtifact(stepID string, art *tools.Artifact, lineage []string) error {
	switch art.Kind {
	case tools.ArtifactSchema:
		s.mu.Lock()
		for table, ts := range art.Schema {
			s.schemas[table] = ts
		}
		s.touchLocked()
		s.mu.Unlock()
		return nil
	case tools.ArtifactFrame:
		return s.CommitFrame(stepID, art.Frame, lineage)
	default:
		s.mu.Lock()
		s.artifacts[stepID] = art
		s.touchLocked()
		s.mu.Unlock()
		return nil
	}
}

// Artifact returns a committed non-frame artifact by producing step id.
func (s *State) Artifact(stepID string) (*tools.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.artifacts[stepID]
	return art, ok
}

// CodeArtifact returns the code a generate_query step produced.
func (s *State) CodeArtifact(stepID string) (string, bool) {
	art, ok := s.Artifact(stepID)
	if !ok || art.Kind != tools.ArtifactCode {
		return "", false
	}
	code, ok := art.Value.(string)
	return code, ok
}

// Schemas returns a copy of the schema cache.
func (s *State) Schemas() datasource.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := datasource.Schema{}
	for t, ts := range s.schemas {
		out[t] = ts
	}
	return out
}

// KnownAliases names every loaded frame, for plan validation.
func (s *State) KnownAliases() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.frames))
	for alias := range s.frames {
		out[alias] = true
	}
	return out
}

// Lineage returns the producing step ids of a loaded frame.
func (s *State) Lineage(alias string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.frames[alias]; ok {
		return append([]string(nil), h.Lineage...)
	}
	return nil
}

// SetActivePlan installs the plan for this turn. At most one is active.
func (s *State) SetActivePlan(p *plan.Plan) error {
	s.mu.Lock()
	s.activePlan = p
	s.touchLocked()
	s.mu.Unlock()
	if s.store != nil && p != nil {
		return s.store.SavePlan(s.id, p)
	}
	return nil
}

func (s *State) ActivePlan() *plan.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePlan
}

// AppendMessage records one chat message.
func (s *State) AppendMessage(role, content string) error {
	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: role, Content: content, At: time.Now()})
	s.touchLocked()
	s.mu.Unlock()
	if s.store != nil {
		return s.store.AddMessage(s.id, role, content)
	}
	return nil
}

// History returns the most recent messages in chronological order.
func (s *State) History(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.messages) {
		return append([]Message(nil), s.messages...)
	}
	return append([]Message(nil), s.messages[len(s.messages)-limit:]...)
}

// Observe appends one step-attempt record to the observation log.
func (s *State) Observe(o Observation) error {
	s.mu.Lock()
	s.log = append(s.log, o)
	s.touchLocked()
	s.mu.Unlock()
	if s.store != nil {
		return s.store.AddObservation(s.id, o)
	}
	return nil
}

// Observations returns a copy of the observation log.
func (s *State) Observations() []Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observation(nil), s.log...)
}

// BindStepContext derives the context for an in-flight step and registers
// its cancel so Clear can abort the step immediately.
func (s *State) BindStepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	stepCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelStep = cancel
	s.mu.Unlock()
	release := func() {
		cancel()
		s.mu.Lock()
		if s.cancelStep != nil {
			s.cancelStep = nil
		}
		s.mu.Unlock()
	}
	return stepCtx, release
}

// Clear wipes the session: it aborts any in-flight step, revokes every
// outstanding lease so partial artifacts can never surface, and drops
// messages, frames, artifacts, plan and log atomically.
func (s *State) Clear() error {
	s.mu.Lock()
	if s.cancelStep != nil {
		s.cancelStep()
		s.cancelStep = nil
	}
	for _, l := range s.leases {
		l.Release()
	}
	s.leases = nil
	s.messages = nil
	s.activePlan = nil
	s.frames = make(map[string]*frame.Handle)
	s.artifacts = make(map[string]*tools.Artifact)
	s.schemas = datasource.Schema{}
	s.log = nil
	s.touchLocked()
	s.mu.Unlock()
	if s.store != nil {
		return s.store.ClearSession(s.id)
	}
	return nil
}
