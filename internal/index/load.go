package index

import (
	"context"
	"fmt"

	"github.com/mnemos/mnemos/internal/chunk"
)

// Source provides the records to rebuild the index from. The Postgres
// chunk store is the production implementation.
type Source interface {
	All(ctx context.Context) ([]chunk.Record, error)
}

// Load rebuilds the index from a source and atomically swaps the result
// in. Queries running during the rebuild keep serving from the old
// segment; they observe the new contents on their next call.
//
// Records with a mismatched dimension or model version abort the load:
// a durable store holding mixed-version vectors needs a migration, and
// silently skipping rows would hide it.
func (x *Index) Load(ctx context.Context, src Source) error {
	records, err := src.All(ctx)
	if err != nil {
		return fmt.Errorf("load index source: %w", err)
	}

	next := newSegment(len(records))
	for i, rec := range records {
		if len(rec.Embedding) != x.dim {
			return fmt.Errorf("%w: chunk %q has %d, index is %d",
				ErrDimensionMismatch, rec.Chunk.ID, len(rec.Embedding), x.dim)
		}
		if rec.ModelVersion != x.modelVersion && !x.allowMigration {
			return fmt.Errorf("%w: chunk %q has %q, index is %q",
				ErrVersionConflict, rec.Chunk.ID, rec.ModelVersion, x.modelVersion)
		}

		owned := make([]float32, len(rec.Embedding))
		copy(owned, rec.Embedding)
		next.byID[rec.Chunk.ID] = len(next.entries)
		next.entries = append(next.entries, entry{
			id:   rec.Chunk.ID,
			vec:  owned,
			norm: l2norm(owned),
			seq:  i,
		})
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq = len(next.entries)
	x.current.Store(next)

	x.logger.Debug("index loaded", "vectors", len(next.entries))
	return nil
}
