// Package retrieve produces ranked, access-filtered candidate chunks for
// a query.
//
// Scope filtering is a hard guarantee: a chunk whose required scopes are
// not all held by the principal never appears in results, and never
// influences ranking of visible chunks.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"

	"github.com/mnemos/mnemos/internal/chunk"
	"github.com/mnemos/mnemos/internal/index"
)

var (
	// ErrEmbedderVersion indicates the configured embedder model version
	// differs from the index's. Fatal configuration error, surfaced at
	// construction, never per query.
	ErrEmbedderVersion = errors.New("embedder model version differs from index")

	// ErrEmptyQuery indicates the query text is empty.
	ErrEmptyQuery = errors.New("empty query text")
)

// Searcher is the slice of the embedding index the retriever needs.
type Searcher interface {
	Query(vec []float32, k int, filter func(chunkID string) bool) ([]index.Hit, error)
	Dimension() int
	ModelVersion() string
}

// ChunkGetter resolves chunk IDs to stored chunks.
type ChunkGetter interface {
	Get(ctx context.Context, id string) (chunk.Chunk, error)
}

// Scored is a retrieved chunk with its similarity score.
type Scored struct {
	Chunk chunk.Chunk
	Score float32
}

// Retriever embeds query text, searches the index, and post-filters by
// access scope. If filtering leaves fewer than k results, one re-query
// with an expanded candidate pool is attempted; never an unbounded loop.
type Retriever struct {
	searcher  Searcher
	chunks    ChunkGetter
	embedder  ai.Embedder
	overfetch int
	logger    *slog.Logger
}

// New creates a Retriever. embedderVersion must match the index's model
// version; a mismatch is a startup error.
func New(searcher Searcher, chunks ChunkGetter, embedder ai.Embedder, embedderVersion string, overfetch int, logger *slog.Logger) (*Retriever, error) {
	if embedderVersion != searcher.ModelVersion() {
		return nil, fmt.Errorf("%w: embedder %q, index %q",
			ErrEmbedderVersion, embedderVersion, searcher.ModelVersion())
	}
	if overfetch < 2 {
		overfetch = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		searcher:  searcher,
		chunks:    chunks,
		embedder:  embedder,
		overfetch: overfetch,
		logger:    logger,
	}, nil
}

// Retrieve returns up to k chunks visible to the principal, ranked by
// descending similarity to the query text.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, principal Principal, k int) ([]Scored, error) {
	if queryText == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}

	vec, err := r.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	results, err := r.searchFiltered(ctx, vec, principal, k)
	if err != nil {
		return nil, err
	}
	if len(results) >= k {
		return results[:k], nil
	}

	// Scope filtering thinned the candidate pool below k. One expanded
	// re-query; a short result after that is final.
	expanded, err := r.searchFiltered(ctx, vec, principal, k*r.overfetch)
	if err != nil {
		return nil, err
	}
	if len(expanded) > k {
		expanded = expanded[:k]
	}
	if len(expanded) < k {
		r.logger.Debug("retrieval short of k after expanded re-query",
			"principal", principal.ID, "want", k, "got", len(expanded))
	}
	return expanded, nil
}

// searchFiltered runs one index query and keeps only chunks visible to
// the principal.
func (r *Retriever) searchFiltered(ctx context.Context, vec []float32, principal Principal, k int) ([]Scored, error) {
	hits, err := r.searcher.Query(vec, k, nil)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	held := newScopeSet(principal.Scopes)
	results := make([]Scored, 0, len(hits))
	for _, hit := range hits {
		c, err := r.chunks.Get(ctx, hit.ChunkID)
		if err != nil {
			if errors.Is(err, chunk.ErrNotFound) {
				// Index ahead of the store inside the eventual consistency
				// window; skip rather than fail the query.
				r.logger.Debug("indexed chunk missing from store", "chunk_id", hit.ChunkID)
				continue
			}
			return nil, fmt.Errorf("resolve chunk %q: %w", hit.ChunkID, err)
		}
		if !held.covers(c.Scopes) {
			continue
		}
		results = append(results, Scored{Chunk: c, Score: hit.Score})
	}
	return results, nil
}

// embedQuery embeds the query text with the same model version the index
// was built with.
func (r *Retriever) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	resp, err := r.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			ai.DocumentFromText(queryText, nil),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned for query")
	}

	vec := resp.Embeddings[0].Embedding
	if len(vec) != r.searcher.Dimension() {
		// The embedder and index disagree on dimensionality. This cannot
		// be fixed by retrying the query.
		return nil, fmt.Errorf("%w: embedder returned %d dimensions, index is %d",
			index.ErrDimensionMismatch, len(vec), r.searcher.Dimension())
	}
	return vec, nil
}
