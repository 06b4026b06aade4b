// Package pgvector implements vectorindex.Index on Postgres with the pgvector extension.
package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/chunker"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/vectorindex"
)

// rowNamespace seeds the deterministic row ids.
var rowNamespace = uuid.MustParse("6f1c2a52-3f0e-4d47-9a63-0f1c3b1f4b55")

type Store struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *log.Logger
}

func NewStore(ctx context.Context, connStr string, dimension int, logger *log.Logger) (*Store, error) {
	if dimension <= 0 {
		return nil, errors.New("pgvector: invalid dimension")
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, dimension: dimension, logger: logging.OrDiscard(logger)}, nil
}

// Init creates the extension, table and indexes if missing.
func (s *Store) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS rag_chunks (
		id UUID PRIMARY KEY,
		namespace TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		document_id TEXT NOT NULL,
		chunk_index INT NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		start_offset INT NOT NULL,
		end_offset INT NOT NULL,
		content TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_scope ON rag_chunks(namespace, owner_id, document_id);
	`, s.dimension)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info().Msg("pgvector pool closed")
	}
	return nil
}

// rowID is stable per (namespace, owner, document, index) so upserts replace in place.
func rowID(namespace, ownerID, documentID string, index int) uuid.UUID {
	return uuid.NewSHA1(rowNamespace, []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", namespace, ownerID, documentID, index)))
}

func (s *Store) Upsert(ctx context.Context, rec vectorindex.Record) error {
	if len(rec.Embedding) != s.dimension {
		return fmt.Errorf("pgvector: embedding has %d dimensions, want %d", len(rec.Embedding), s.dimension)
	}
	c := rec.Chunk
	query := `
	INSERT INTO rag_chunks (id, namespace, owner_id, document_id, chunk_index, source_name, start_offset, end_offset, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		source_name = EXCLUDED.source_name,
		start_offset = EXCLUDED.start_offset,
		end_offset = EXCLUDED.end_offset,
		content = EXCLUDED.content,
		embedding = EXCLUDED.embedding
	`
	_, err := s.pool.Exec(ctx, query,
		rowID(rec.Namespace, rec.OwnerID, c.SourceDocumentID, c.Index),
		rec.Namespace, rec.OwnerID, c.SourceDocumentID, c.Index, c.SourceName,
		c.StartOffset, c.EndOffset, c.Text, pgvector.NewVector(rec.Embedding),
	)
	if err != nil {
		return fmt.Errorf("pgvector upsert: %w: %w", vectorindex.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q vectorindex.Query) ([]vectorindex.Match, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	query := `
	SELECT document_id, chunk_index, source_name, start_offset, end_offset, content,
	       1 - (embedding <=> $1) AS similarity
	FROM rag_chunks
	WHERE namespace = $2 AND owner_id = $3
	ORDER BY embedding <=> $1
	LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(q.Embedding), q.Namespace, q.OwnerID, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w: %w", vectorindex.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []vectorindex.Match
	for rows.Next() {
		var c chunker.Chunk
		var sim float64
		if err := rows.Scan(&c.SourceDocumentID, &c.Index, &c.SourceName, &c.StartOffset, &c.EndOffset, &c.Text, &sim); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w: %w", vectorindex.ErrUnavailable, err)
		}
		out = append(out, vectorindex.Match{Namespace: q.Namespace, Chunk: c, Score: vectorindex.ClampScore(sim)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector rows: %w: %w", vectorindex.ErrUnavailable, err)
	}

	s.logger.Debug().Str("namespace", q.Namespace).Int("matches", len(out)).Msg("pgvector query")
	return out, nil
}

func (s *Store) DeleteDocument(ctx context.Context, namespace, ownerID, documentID string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM rag_chunks WHERE namespace = $1 AND owner_id = $2 AND document_id = $3",
		namespace, ownerID, documentID)
	if err != nil {
		return fmt.Errorf("pgvector delete: %w: %w", vectorindex.ErrUnavailable, err)
	}
	return nil
}
