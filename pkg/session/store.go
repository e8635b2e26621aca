package session

import (
	"context"
	"sync"
)

// Store is an append-only, ordered log of turns.
type Store interface {
	// Append adds turn to the end of the log.
	Append(ctx context.Context, turn Turn) error
	// All returns every turn in insertion order.
	All() []Turn
	// Count returns the number of stored turns.
	Count() int
}

// Snapshot is the state derived from a session's payloads at one point of
// its log.
type Snapshot struct {
	State SideState `json:"state"`
	Phase Phase     `json:"phase"`
}

// Snapshotter is implemented by stores that persist derived state next to
// the turns, so a reopened session resumes its phase and side-state.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LastSnapshot returns the newest saved snapshot, if any.
	LastSnapshot() (Snapshot, bool)
}

// MemoryStore keeps turns in process memory for the lifetime of a session.
type MemoryStore struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, turn Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	turn = turn.normalize().clone()

	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) All() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.clone()
	}
	return out
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
