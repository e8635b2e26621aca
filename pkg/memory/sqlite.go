package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
	candidatePool = 50
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	DBPath            string
	EmbeddingProvider EmbeddingProvider // Optional, if nil only keyword search runs
	Logger            zerolog.Logger
}

// SQLiteStore ranks entries by a weighted mix of vec0 cosine similarity and
// FTS5 BM25 relevance.
type SQLiteStore struct {
	db       *sql.DB
	embedder EmbeddingProvider
	logger   zerolog.Logger
	// hasFTS is false when the sqlite build lacks FTS5; keyword search then
	// falls back to LIKE matching.
	hasFTS bool

	mu    sync.Mutex
	stats struct {
		cacheHits   int
		cacheMisses int
	}
}

// NewSQLiteStore opens (or creates) the database at cfg.DBPath.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps sqlite free of SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		embedder: cfg.EmbeddingProvider,
		logger:   cfg.Logger.With().Str("component", "memory_sqlite").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().
		Bool("vector", s.embedder != nil).
		Bool("fts5", s.hasFTS).
		Msg("Memory store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_key, created_at);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			entry_id UNINDEXED,
			session_key UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`)
	if err != nil {
		s.logger.Warn().Err(err).Msg("FTS5 unavailable, keyword search uses LIKE")
	} else {
		s.hasFTS = true
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				entry_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// Store inserts text for sessionKey along with its embedding.
func (s *SQLiteStore) Store(ctx context.Context, sessionKey, text string) error {
	ctx, span := tracing.StartSpan(ctx, "tavern.memory", "memory.store",
		attribute.String("session_key", sessionKey))
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordMemoryStore(time.Since(start)) }()

	// Embed before opening the transaction; the single connection must not
	// sit idle in a transaction during a network call.
	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedding(ctx, text)
		if err != nil {
			return tracing.Fail(span, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tracing.Fail(span, err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entries (id, session_key, content, created_at) VALUES (?, ?, ?, ?)",
		id, sessionKey, text, time.Now().UnixNano(),
	); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to insert entry: %w", err))
	}

	if s.hasFTS {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entries_fts (entry_id, session_key, content) VALUES (?, ?, ?)",
			id, sessionKey, text,
		); err != nil {
			return tracing.Fail(span, fmt.Errorf("failed to index entry: %w", err))
		}
	}

	if embedding != nil {
		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return tracing.Fail(span, fmt.Errorf("failed to marshal embedding: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO embeddings (entry_id, embedding) VALUES (?, ?)",
			id, string(embeddingJSON),
		); err != nil {
			return tracing.Fail(span, fmt.Errorf("failed to store embedding: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return tracing.Fail(span, err)
	}
	return nil
}

// embedding returns the cached embedding for text or generates and caches it.
func (s *SQLiteStore) embedding(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(sum[:])

	var cached []byte
	err := s.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)
	if err == nil {
		var embedding []float32
		if err := json.Unmarshal(cached, &embedding); err == nil {
			s.mu.Lock()
			s.stats.cacheHits++
			s.mu.Unlock()
			return embedding, nil
		}
	}

	s.mu.Lock()
	s.stats.cacheMisses++
	s.mu.Unlock()

	embedding, err := s.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}

	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
		contentHash, data, len(embedding), time.Now().Unix(),
	); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache embedding")
	}
	return embedding, nil
}

// CacheHitRate reports the embedding cache hit ratio, or -1 before any lookup.
func (s *SQLiteStore) CacheHitRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.stats.cacheHits + s.stats.cacheMisses
	if total == 0 {
		return -1
	}
	return float64(s.stats.cacheHits) / float64(total)
}

type scored struct {
	id    string
	score float64
}

// Retrieve runs vector and keyword search and merges them with 0.7/0.3 weights.
func (s *SQLiteStore) Retrieve(ctx context.Context, sessionKey, query string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "tavern.memory", "memory.retrieve",
		attribute.String("session_key", sessionKey))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	defer func() { observability.RecordMemoryRetrieve(time.Since(start)) }()

	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []string{}, nil
	}

	var vectorResults, keywordResults []scored
	var vectorErr, keywordErr error

	if s.embedder != nil {
		vectorResults, vectorErr = s.vectorSearch(ctx, sessionKey, query)
		if vectorErr != nil {
			logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
		}
	}
	keywordResults, keywordErr = s.keywordSearch(ctx, sessionKey, query)
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed")
	}

	if keywordErr != nil && (s.embedder == nil || vectorErr != nil) {
		return nil, tracing.Fail(span, fmt.Errorf("memory search failed: %w", keywordErr))
	}

	ranked := merge(vectorResults, keywordResults)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		var content string
		if err := s.db.QueryRowContext(ctx, "SELECT content FROM entries WHERE id = ?", r.id).Scan(&content); err != nil {
			logger.Warn().Err(err).Str("entry_id", r.id).Msg("Failed to fetch entry")
			continue
		}
		out = append(out, content)
	}

	logger.Debug().Int("results", len(out)).Msg("Memory retrieved")
	return out, nil
}

func (s *SQLiteStore) vectorSearch(ctx context.Context, sessionKey, query string) ([]scored, error) {
	embedding, err := s.embedding(ctx, query)
	if err != nil {
		return nil, err
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.entry_id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM embeddings v
		JOIN entries e ON e.id = v.entry_id
		WHERE e.session_key = ?
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), sessionKey, candidatePool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []scored
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// cosine distance is in [0, 2]; map to similarity in [0, 1]
		results = append(results, scored{id: id, score: 1 - distance/2})
	}
	return results, rows.Err()
}

func (s *SQLiteStore) keywordSearch(ctx context.Context, sessionKey, query string) ([]scored, error) {
	terms := keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if !s.hasFTS {
		return s.likeSearch(ctx, sessionKey, terms)
	}

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, bm25(entries_fts) AS score
		FROM entries_fts
		WHERE entries_fts MATCH ? AND session_key = ?
		ORDER BY score
		LIMIT ?
	`, strings.Join(quoted, " OR "), sessionKey, candidatePool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []scored
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, convert to positive
		results = append(results, scored{id: id, score: -score})
	}
	return results, rows.Err()
}

// likeSearch scores entries by how many query terms they contain.
func (s *SQLiteStore) likeSearch(ctx context.Context, sessionKey string, terms []string) ([]scored, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content FROM entries WHERE session_key = ? ORDER BY created_at DESC LIMIT 500",
		sessionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []scored
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		lower := strings.ToLower(content)
		hits := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				hits++
			}
		}
		if hits > 0 {
			results = append(results, scored{id: id, score: float64(hits)})
		}
	}
	return results, rows.Err()
}

// merge normalizes keyword scores to [0, 1] and combines both lists.
func merge(vectorResults, keywordResults []scored) []scored {
	var maxKeyword float64
	for _, r := range keywordResults {
		if r.score > maxKeyword {
			maxKeyword = r.score
		}
	}

	combined := make(map[string]float64)
	for _, r := range vectorResults {
		combined[r.id] += r.score * vectorWeight
	}
	for _, r := range keywordResults {
		if maxKeyword > 0 {
			combined[r.id] += (r.score / maxKeyword) * keywordWeight
		}
	}

	out := make([]scored, 0, len(combined))
	for id, score := range combined {
		out = append(out, scored{id: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].id < out[j].id
		}
		return out[i].score > out[j].score
	})
	return out
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info().Msg("Closing memory store")
	return s.db.Close()
}
