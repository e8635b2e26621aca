package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Backend is a session-keyed similarity store.
type Backend interface {
	// Store records text under sessionKey.
	Store(ctx context.Context, sessionKey, text string) error
	// Retrieve returns up to limit entries for sessionKey, most relevant first.
	Retrieve(ctx context.Context, sessionKey, query string, limit int) ([]string, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// DatabaseURL selects the postgres backend when set.
	DatabaseURL string
	// DBPath is the sqlite database file.
	DBPath string
	// EmbeddingProvider is optional.
	EmbeddingProvider EmbeddingProvider
	Logger            zerolog.Logger
}

// NewStore creates a postgres-backed store when a database URL is
// configured, otherwise a sqlite store.
func NewStore(ctx context.Context, cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.EmbeddingProvider, cfg.Logger)
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	return NewSQLiteStore(SQLiteConfig{
		DBPath:            cfg.DBPath,
		EmbeddingProvider: cfg.EmbeddingProvider,
		Logger:            cfg.Logger,
	})
}

// Scope binds a backend to one session.
type Scope struct {
	backend Backend
	key     string
	limit   int
}

// NewScope returns the memory view of one session. A non-positive limit
// defaults to 3.
func NewScope(backend Backend, sessionKey string, limit int) *Scope {
	if limit <= 0 {
		limit = 3
	}
	return &Scope{backend: backend, key: sessionKey, limit: limit}
}

// Store records text for the session. Blank text is ignored.
func (s *Scope) Store(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.backend.Store(ctx, s.key, text)
}

// Retrieve returns the entries most relevant to query.
func (s *Scope) Retrieve(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return []string{}, nil
	}
	return s.backend.Retrieve(ctx, s.key, query, s.limit)
}

// keywords splits text into lowercase alphanumeric terms.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
