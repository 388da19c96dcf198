package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvaldes-io/tabletalk/internal/observability"
)

// Manager hands out sessions by id and reaps idle ones on a ticker.
type Manager struct {
	store   *Store // shared; may be nil
	idleTTL time.Duration

	// Log, when set, gets a heartbeat event on every janitor tick.
	Log *observability.Logger

	mu       sync.Mutex
	sessions map[string]*State
}

func NewManager(store *Store, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Manager{
		store:    store,
		idleTTL:  idleTTL,
		sessions: make(map[string]*State),
	}
}

// Get returns the session for id, creating it on first use. An empty id
// gets a fresh uuid.
func (m *Manager) Get(id string) *State {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := NewState(id, m.store)
	m.sessions[id] = s
	return s
}

// Drop clears a session and forgets it.
func (m *Manager) Drop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Clear()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start runs the idle janitor until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.Println("Session janitor started...")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Session janitor stopped.")
			return
		case <-ticker.C:
			if m.Log != nil {
				m.Log.LogHeartbeat()
			}
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.idleTTL)
	m.mu.Lock()
	var expired []*State
	for id, s := range m.sessions {
		if s.IdleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := s.Clear(); err != nil {
			log.Printf("Error clearing idle session %s: %v", s.ID(), err)
		}
	}
}
