package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PG is the PostgreSQL-backed chunk store. Vectors are stored in a
// pgvector column next to the chunk text, so the embedding index can be
// rebuilt from a single table scan.
//
// PG is safe for concurrent use; pgxpool handles connection sharing.
type PG struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPG creates a Postgres-backed store over an existing pool.
// The pool's lifecycle is managed by the caller.
func NewPG(pool *pgxpool.Pool, logger *slog.Logger) *PG {
	if logger == nil {
		logger = slog.Default()
	}
	return &PG{pool: pool, logger: logger}
}

// ReplaceDocument supersedes all chunks of a document in one transaction.
func (s *PG) ReplaceDocument(ctx context.Context, documentID string, records []Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete superseded chunks for %q: %w", documentID, err)
	}

	for _, rec := range records {
		metadataJSON, err := json.Marshal(rec.Chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %q: %w", rec.Chunk.ID, err)
		}

		embedding := pgvector.NewVector(rec.Embedding)
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, ordinal, content, scopes, metadata, embedding, model_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				document_id   = EXCLUDED.document_id,
				ordinal       = EXCLUDED.ordinal,
				content       = EXCLUDED.content,
				scopes        = EXCLUDED.scopes,
				metadata      = EXCLUDED.metadata,
				embedding     = EXCLUDED.embedding,
				model_version = EXCLUDED.model_version`,
			rec.Chunk.ID, rec.Chunk.DocumentID, rec.Chunk.Ordinal, rec.Chunk.Text,
			rec.Chunk.Scopes, metadataJSON, embedding, rec.ModelVersion, rec.Chunk.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %q: %w", rec.Chunk.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace transaction: %w", err)
	}

	s.logger.Debug("replaced document chunks",
		"document_id", documentID, "chunks", len(records))
	return nil
}

// Get returns a single chunk by ID.
func (s *PG) Get(ctx context.Context, id string) (Chunk, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, document_id, ordinal, content, scopes, metadata, created_at
		FROM chunks WHERE id = $1`, id)

	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Chunk{}, fmt.Errorf("chunk %q: %w", id, ErrNotFound)
		}
		return Chunk{}, fmt.Errorf("get chunk %q: %w", id, err)
	}
	return c, nil
}

// ListByDocument returns a document's chunks ordered by ordinal.
func (s *PG) ListByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, ordinal, content, scopes, metadata, created_at
		FROM chunks WHERE document_id = $1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for %q: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return chunks, nil
}

// DeleteByDocument removes all chunks of a document. Idempotent.
func (s *PG) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks for %q: %w", documentID, err)
	}
	return nil
}

// All returns every stored record in insertion order, for index warm start.
func (s *PG) All(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, ordinal, content, scopes, metadata, embedding, model_version, created_at
		FROM chunks ORDER BY created_at, document_id, ordinal`)
	if err != nil {
		return nil, fmt.Errorf("scan all chunks: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			c            Chunk
			metadataJSON []byte
			embedding    pgvector.Vector
			modelVersion string
			createdAt    time.Time
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text,
			&c.Scopes, &metadataJSON, &embedding, &modelVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		c.CreatedAt = createdAt
		c.Metadata = parseMetadata(metadataJSON, c.ID, s.logger)

		records = append(records, Record{
			Chunk:        c,
			Embedding:    embedding.Slice(),
			ModelVersion: modelVersion,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

// Count returns the number of stored chunks.
func (s *PG) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return int(count), nil
}

// scanChunk scans the non-embedding chunk columns from a row.
func scanChunk(row pgx.Row) (Chunk, error) {
	var (
		c            Chunk
		metadataJSON []byte
		createdAt    time.Time
	)
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text,
		&c.Scopes, &metadataJSON, &createdAt); err != nil {
		return Chunk{}, err
	}
	c.CreatedAt = createdAt
	c.Metadata = parseMetadata(metadataJSON, c.ID, nil)
	return c, nil
}

// parseMetadata unmarshals the jsonb metadata column, tolerating malformed
// rows: a chunk with bad metadata is still retrievable.
func parseMetadata(data []byte, chunkID string, logger *slog.Logger) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(data, &metadata); err != nil {
		if logger != nil {
			logger.Warn("failed to parse chunk metadata", "chunk_id", chunkID, "error", err)
		}
		return nil
	}
	return metadata
}
