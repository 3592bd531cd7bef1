package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink persists audit records to the append-only audit_records table.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a Postgres sink over an existing pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Insert appends one record. The table has no update path; records are
// write-once by construction.
func (s *PGSink) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (query_id, principal_id, recorded_at, retrieved_chunk_ids, answer, failure_reason, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.QueryID, rec.PrincipalID, rec.Timestamp, rec.RetrievedChunkIDs,
		rec.Answer, rec.FailureReason, rec.Latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert audit record %q: %w", rec.QueryID, err)
	}
	return nil
}

// Memory is an in-memory Sink for tests and single-process use.
type Memory struct {
	mu      sync.Mutex
	records []Record
	err     error // injected failure, tests only
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Insert appends one record.
func (s *Memory) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of all appended records.
func (s *Memory) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// FailWith makes subsequent inserts return err. Tests only.
func (s *Memory) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
