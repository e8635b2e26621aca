package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/harun/tavern/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound is returned by Get for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// JournalDir enables JSONL persistence when non-empty.
	JournalDir string
	Logger     zerolog.Logger
}

// Registry owns the set of live sessions.
type Registry struct {
	journalDir string
	logger     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	cron *cron.Cron
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		journalDir: cfg.JournalDir,
		logger:     cfg.Logger.With().Str("component", "session_registry").Logger(),
		sessions:   make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it on first use. With a
// journal directory configured, a new session replays its journal.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		return sess, nil
	}

	var store Store
	if r.journalDir != "" {
		js, err := OpenJournal(r.journalDir, id)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal for %s: %w", id, err)
		}
		store = js
	}

	sess := New(id, store)
	r.sessions[id] = sess
	observability.SetActiveSessions(len(r.sessions))
	r.logger.Debug().Str("session_id", id).Int("replayed_turns", sess.Count()).Msg("Session created")
	return sess, nil
}

// Get returns an existing session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Teardown drops the session from the registry. The journal file, if any,
// is left in place. It reports whether a session was removed.
func (r *Registry) Teardown(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	observability.SetActiveSessions(len(r.sessions))
	r.logger.Info().Str("session_id", id).Msg("Session torn down")
	return true
}

// Reset forgets a session entirely: it is dropped from the registry and its
// journal, if any, is deleted so the next GetOrCreate starts empty. It
// reports whether there was anything to forget. Keys that fail
// ValidateKey can name no session and report false.
func (r *Registry) Reset(id string) (bool, error) {
	if ValidateKey(id) != nil {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, live := r.sessions[id]
	if live {
		delete(r.sessions, id)
		observability.SetActiveSessions(len(r.sessions))
	}

	journaled := false
	if r.journalDir != "" {
		err := os.Remove(journalPath(r.journalDir, id))
		switch {
		case err == nil:
			journaled = true
		case !os.IsNotExist(err):
			return live, fmt.Errorf("failed to remove journal for %s: %w", id, err)
		}
	}

	if live || journaled {
		r.logger.Info().Str("session_id", id).Bool("journal_removed", journaled).Msg("Session reset")
	}
	return live || journaled, nil
}

// List returns the IDs of live sessions, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reap tears down every session idle for longer than ttl and returns how
// many were removed. A non-positive ttl disables reaping.
func (r *Registry) Reap(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	removed := 0
	for id, sess := range r.sessions {
		if sess.LastActive().Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if removed > 0 {
		observability.SetActiveSessions(remaining)
		observability.RecordSessionsReaped(removed)
		r.logger.Info().Int("reaped", removed).Int("remaining", remaining).Msg("Idle sessions reaped")
	}
	return removed
}

// StartReaper runs Reap(ttl) on the given cron schedule until Stop.
func (r *Registry) StartReaper(schedule string, ttl time.Duration) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Reap(ttl) }); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	r.mu.Lock()
	if r.cron != nil {
		r.mu.Unlock()
		return errors.New("reaper already running")
	}
	r.cron = c
	r.mu.Unlock()

	c.Start()
	r.logger.Info().Str("schedule", schedule).Dur("ttl", ttl).Msg("Session reaper started")
	return nil
}

// Stop halts the reaper, if running, and waits for an in-flight reap.
func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
