package frame

import (
	"errors"
	"sync"
)

// ErrLeaseReleased is returned when generated code (or a buggy caller)
// touches a lease after the owning session released it.
var ErrLeaseReleased = errors.New("frame: lease released")

// Handle is a named, session-owned reference to a Frame plus the step
// lineage that produced it.
type Handle struct {
	Alias   string
	Frame   *Frame
	Lineage []string
}

// WithLineage returns a new handle whose lineage is extended by stepID.
func (h *Handle) WithLineage(alias, stepID string, f *Frame) *Handle {
	lineage := make([]string, 0, len(h.Lineage)+1)
	lineage = append(lineage, h.Lineage...)
	lineage = append(lineage, stepID)
	return &Handle{Alias: alias, Frame: f, Lineage: lineage}
}

// Lease is a scoped, revocable view of a handle's frame. The executor
// receives a lease instead of the handle itself; the session revokes it
// when the step commits or the session is cleared, so generated code can
// never observe data past the invocation it was issued for.
type Lease struct {
	mu      sync.Mutex
	alias   string
	frame   *Frame
	lineage []string
}

// NewLease snapshots the handle. The snapshot is a deep copy, keeping the
// session's frame out of reach of the sandbox.
func NewLease(h *Handle) *Lease {
	return &Lease{
		alias:   h.Alias,
		frame:   h.Frame.Copy(),
		lineage: append([]string(nil), h.Lineage...),
	}
}

// Frame returns the leased snapshot, or ErrLeaseReleased once revoked.
func (l *Lease) Frame() (*Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frame == nil {
		return nil, ErrLeaseReleased
	}
	return l.frame, nil
}

// Alias names the handle this lease was issued for.
func (l *Lease) Alias() string { return l.alias }

// Lineage returns the producing step ids at lease time.
func (l *Lease) Lineage() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lineage...)
}

// Release revokes the lease. Idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frame = nil
}

// Released reports whether the lease has been revoked.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame == nil
}
