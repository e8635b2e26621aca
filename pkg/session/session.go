package session

import (
	"context"
	"sync"
	"time"
)

// Session is one conversation: its turn log, derived side-state, phase and
// the operator credential. All accessors are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	store      Store
	state      SideState
	phase      Phase
	credential string
	lastActive time.Time
}

// New creates a session backed by store. A nil store gets a MemoryStore.
func New(id string, store Store) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	now := time.Now()
	sess := &Session{
		ID:         id,
		CreatedAt:  now,
		store:      store,
		phase:      PhaseCreatingCharacter,
		lastActive: now,
	}
	if snapshots, ok := store.(Snapshotter); ok {
		if snap, ok := snapshots.LastSnapshot(); ok {
			sess.state = snap.State
			if snap.Phase != "" {
				sess.phase = snap.Phase
			}
		}
	}
	return sess
}

// Append adds a turn to the session log.
func (s *Session) Append(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Append(ctx, turn); err != nil {
		return err
	}
	s.lastActive = time.Now()
	return nil
}

// Turns returns a snapshot of the log in order.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.All()
}

// Count returns the number of turns in the log.
func (s *Session) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Count()
}

// State returns a copy of the side-state.
func (s *Session) State() SideState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// SetState replaces the side-state wholesale.
func (s *Session) SetState(state SideState) {
	s.mu.Lock()
	s.state = state.Clone()
	s.mu.Unlock()
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Commit replaces the side-state and phase together. When the store keeps
// snapshots the new state is persisted; the in-memory state is updated even
// if that fails.
func (s *Session) Commit(ctx context.Context, state SideState, phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	s.phase = phase
	if snapshots, ok := s.store.(Snapshotter); ok {
		return snapshots.SaveSnapshot(ctx, Snapshot{State: s.state, Phase: phase})
	}
	return nil
}

// Credential returns the per-session API key override, if any.
func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Session) SetCredential(key string) {
	s.mu.Lock()
	s.credential = key
	s.mu.Unlock()
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}
