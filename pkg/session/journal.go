package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harun/tavern/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// journalEntry is one JSONL line in a session journal. Exactly one of Turn
// and Snapshot is set.
type journalEntry struct {
	SessionKey string    `json:"session_key"`
	Turn       *Turn     `json:"turn,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}

// JournalStore is a Store mirrored to a JSONL file, one turn or state
// snapshot per line. Reopening the same key replays the file, skipping
// corrupt lines.
type JournalStore struct {
	key  string
	path string
	mem  *MemoryStore
	mu   sync.Mutex

	snapshot *Snapshot
}

// ValidateKey rejects keys that are empty or could escape the journal directory.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// OpenJournal opens (or creates) the journal for key under dir.
func OpenJournal(dir, key string) (*JournalStore, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	js := &JournalStore{
		key:  key,
		path: journalPath(dir, key),
		mem:  NewMemoryStore(),
	}
	if err := js.replay(); err != nil {
		return nil, err
	}
	return js, nil
}

func journalPath(dir, key string) string {
	return filepath.Join(dir, key+".jsonl")
}

// Path returns the journal file path.
func (js *JournalStore) Path() string {
	return js.path
}

func (js *JournalStore) replay() error {
	file, err := os.Open(js.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	logger := log.With().Str("session_key", js.key).Logger()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse journal line, skipping")
			continue
		}
		switch {
		case entry.Snapshot != nil:
			snap := *entry.Snapshot
			js.snapshot = &snap
		case entry.Turn != nil:
			if err := js.mem.Append(context.Background(), *entry.Turn); err != nil {
				logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid journal entry, skipping")
			}
		default:
			logger.Warn().Int("line", lineNum).Msg("Empty journal entry, skipping")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	return nil
}

func (js *JournalStore) Append(ctx context.Context, turn Turn) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"tavern.session",
		"session.journal_append",
		attribute.String("session_key", js.key),
		attribute.String("role", string(turn.Role)),
	)
	defer span.End()

	if err := turn.Validate(); err != nil {
		return tracing.Fail(span, err)
	}
	turn = turn.normalize()

	js.mu.Lock()
	defer js.mu.Unlock()

	if err := js.write(journalEntry{SessionKey: js.key, Turn: &turn}); err != nil {
		return tracing.Fail(span, err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("role", string(turn.Role)).
		Msg("Turn journaled")

	return js.mem.Append(ctx, turn)
}

// SaveSnapshot journals the derived state. Replay restores the last one.
func (js *JournalStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, span := tracing.StartSpan(ctx, "tavern.session", "session.journal_snapshot",
		attribute.String("session_key", js.key),
		attribute.String("phase", string(snap.Phase)),
	)
	defer span.End()

	snap.State = snap.State.Clone()

	js.mu.Lock()
	defer js.mu.Unlock()

	if err := js.write(journalEntry{SessionKey: js.key, Snapshot: &snap}); err != nil {
		return tracing.Fail(span, err)
	}
	js.snapshot = &snap
	return nil
}

func (js *JournalStore) LastSnapshot() (Snapshot, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.snapshot == nil {
		return Snapshot{}, false
	}
	snap := *js.snapshot
	snap.State = snap.State.Clone()
	return snap, true
}

// write appends one entry and syncs. Callers hold js.mu.
func (js *JournalStore) write(entry journalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	file, err := os.OpenFile(js.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (js *JournalStore) All() []Turn {
	return js.mem.All()
}

func (js *JournalStore) Count() int {
	return js.mem.Count()
}
