package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/internal/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// PostgresStore persists memory entries in PostgreSQL with pgvector.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder EmbeddingProvider
	logger   zerolog.Logger
}

// NewPostgresStore connects and creates the schema. The vector column takes
// the embedder's dimension (1536 without one).
func NewPostgresStore(ctx context.Context, databaseURL string, embedder EmbeddingProvider, logger zerolog.Logger) (*PostgresStore, error) {
	observability.EnsureRegistered()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	dimension := 1536
	if embedder != nil {
		dimension = embedder.Dimension()
	}
	if err := initPostgresSchema(ctx, pool, dimension); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:     pool,
		embedder: embedder,
		logger:   logger.With().Str("component", "memory_postgres").Logger(),
	}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tavern_memory (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dimension),
		`CREATE INDEX IF NOT EXISTS idx_tavern_memory_session ON tavern_memory (session_key, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Store(ctx context.Context, sessionKey, text string) error {
	ctx, span := tracing.StartSpan(ctx, "tavern.memory", "memory.store",
		attribute.String("session_key", sessionKey), attribute.String("backend", "postgres"))
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordMemoryStore(time.Since(start)) }()

	var vec *string
	if s.embedder != nil {
		embedding, err := s.embedder.GenerateEmbedding(ctx, text)
		if err != nil {
			return tracing.Fail(span, fmt.Errorf("generate embedding: %w", err))
		}
		lit := vectorLiteral(embedding)
		vec = &lit
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tavern_memory (id, session_key, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4::vector, $5)`,
		uuid.NewString(),
		sessionKey,
		text,
		vec,
		time.Now().UTC(),
	)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("save memory: %w", err))
	}
	return nil
}

func (s *PostgresStore) Retrieve(ctx context.Context, sessionKey, query string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "tavern.memory", "memory.retrieve",
		attribute.String("session_key", sessionKey), attribute.String("backend", "postgres"))
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordMemoryRetrieve(time.Since(start)) }()

	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []string{}, nil
	}

	var (
		sql  string
		args []interface{}
	)
	if s.embedder != nil {
		embedding, err := s.embedder.GenerateEmbedding(ctx, query)
		if err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("generate embedding: %w", err))
		}
		sql = `SELECT content FROM tavern_memory
		       WHERE session_key = $1 AND embedding IS NOT NULL
		       ORDER BY embedding <=> $2::vector
		       LIMIT $3`
		args = []interface{}{sessionKey, vectorLiteral(embedding), limit}
	} else {
		terms := keywords(query)
		if len(terms) == 0 {
			return []string{}, nil
		}
		patterns := make([]string, len(terms))
		for i, t := range terms {
			patterns[i] = "%" + t + "%"
		}
		sql = `SELECT content FROM tavern_memory
		       WHERE session_key = $1 AND content ILIKE ANY($2)
		       ORDER BY created_at DESC
		       LIMIT $3`
		args = []interface{}{sessionKey, patterns, limit}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("query memory: %w", err))
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("scan memory row: %w", err))
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("iterate memory rows: %w", err))
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral formats an embedding in pgvector's text form: [1,2,3].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
