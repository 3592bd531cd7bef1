package chunk

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store implementation. It backs unit tests and
// single-process deployments that do not need durability.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record // chunk ID -> record
	order   map[string]int    // chunk ID -> insertion sequence
	seq     int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		order:   make(map[string]int),
	}
}

// ReplaceDocument supersedes all chunks of a document.
func (s *Memory) ReplaceDocument(_ context.Context, documentID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.Chunk.DocumentID == documentID {
			delete(s.records, id)
			delete(s.order, id)
		}
	}
	for _, rec := range records {
		if rec.Chunk.DocumentID != documentID {
			return fmt.Errorf("record %q belongs to document %q, not %q",
				rec.Chunk.ID, rec.Chunk.DocumentID, documentID)
		}
		if _, exists := s.records[rec.Chunk.ID]; !exists {
			s.order[rec.Chunk.ID] = s.seq
			s.seq++
		}
		s.records[rec.Chunk.ID] = rec
	}
	return nil
}

// Get returns a single chunk by ID.
func (s *Memory) Get(_ context.Context, id string) (Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Chunk{}, fmt.Errorf("chunk %q: %w", id, ErrNotFound)
	}
	return rec.Chunk, nil
}

// ListByDocument returns a document's chunks ordered by ordinal.
func (s *Memory) ListByDocument(_ context.Context, documentID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunks []Chunk
	for _, rec := range s.records {
		if rec.Chunk.DocumentID == documentID {
			chunks = append(chunks, rec.Chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	return chunks, nil
}

// DeleteByDocument removes all chunks of a document. Idempotent.
func (s *Memory) DeleteByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.Chunk.DocumentID == documentID {
			delete(s.records, id)
			delete(s.order, id)
		}
	}
	return nil
}

// All returns every stored record in insertion order.
func (s *Memory) All(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return s.order[records[i].Chunk.ID] < s.order[records[j].Chunk.ID]
	})
	return records, nil
}

// Count returns the number of stored chunks.
func (s *Memory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
