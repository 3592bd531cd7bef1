package chunk

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested chunk does not exist in the store.
// Check with errors.Is.
var ErrNotFound = errors.New("chunk not found")

// Store defines the persistence operations the rest of the system needs
// from the chunk store. Postgres (PG) is the production implementation;
// Memory backs tests and toolchain-free environments.
type Store interface {
	// ReplaceDocument atomically supersedes all chunks of a document with
	// the given records. Prior chunks of the document are gone once the
	// call returns; partial replacement never becomes visible.
	ReplaceDocument(ctx context.Context, documentID string, records []Record) error

	// Get returns a single chunk by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (Chunk, error)

	// ListByDocument returns a document's chunks ordered by ordinal.
	ListByDocument(ctx context.Context, documentID string) ([]Chunk, error)

	// DeleteByDocument removes all chunks of a document. Removing an
	// unknown document is not an error.
	DeleteByDocument(ctx context.Context, documentID string) error

	// All streams every stored record, used by the embedding index for
	// warm start and rebuild.
	All(ctx context.Context) ([]Record, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)
}
