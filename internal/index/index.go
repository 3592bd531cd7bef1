// Package index implements the in-memory embedding index: chunk ID to
// dense vector, with nearest-neighbor lookup.
//
// The index is read-mostly. Readers load the current segment through an
// atomic pointer and never take a lock; writers clone the segment, apply
// the mutation, and swap the pointer. Ingestion therefore never blocks
// concurrent queries, and a full rebuild (Load) swaps in atomically.
//
// Search is exact, so the effective recall is 1.0; the recall_floor
// configuration tunable documents the contract an approximate backend
// would have to honor (>= 95% of exact top-k by default).
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDimensionMismatch indicates a vector's length differs from the
	// index dimensionality. This is a configuration fault, not a per-query
	// condition.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrVersionConflict indicates a vector was produced by a different
	// embedder model version than the index is configured for. Mixed
	// versions require an explicit migration, never in-place mixing.
	ErrVersionConflict = errors.New("embedder model version conflict")
)

// Metric is the similarity metric. Fixed at construction, never per-query.
type Metric string

const (
	// MetricCosine ranks by cosine similarity.
	MetricCosine Metric = "cosine"

	// MetricDot ranks by inner product.
	MetricDot Metric = "dot"
)

// Hit is a single search result.
type Hit struct {
	ChunkID string
	Score   float32
}

// entry is one indexed vector. norm caches the vector's L2 norm for
// cosine scoring. seq is the insertion sequence used for deterministic
// tie-breaking.
type entry struct {
	id   string
	vec  []float32
	norm float32
	seq  int
}

// segment is an immutable snapshot of the index contents. Readers hold a
// segment for the duration of one query; old segments are garbage
// collected once no reader references them.
type segment struct {
	entries []entry        // insertion order
	byID    map[string]int // chunk ID -> position in entries
}

func newSegment(capacity int) *segment {
	return &segment{
		entries: make([]entry, 0, capacity),
		byID:    make(map[string]int, capacity),
	}
}

// clone copies a segment for copy-on-write mutation.
func (s *segment) clone(extra int) *segment {
	next := &segment{
		entries: make([]entry, len(s.entries), len(s.entries)+extra),
		byID:    make(map[string]int, len(s.byID)+extra),
	}
	copy(next.entries, s.entries)
	for id, i := range s.byID {
		next.byID[id] = i
	}
	return next
}

// Config configures an Index.
type Config struct {
	// Dimension is the fixed vector dimensionality. Required.
	Dimension int

	// ModelVersion is the embedder model version all vectors must share.
	// Required.
	ModelVersion string

	// Metric selects the similarity metric. Default: MetricCosine.
	Metric Metric

	// AllowMigration permits Upsert calls carrying a different model
	// version during an explicit index migration. Leave false in normal
	// operation.
	AllowMigration bool
}

// Index maps chunk IDs to embedding vectors and answers nearest-neighbor
// queries. Safe for unlimited concurrent readers; writers are serialized
// internally.
type Index struct {
	dim            int
	modelVersion   string
	metric         Metric
	allowMigration bool
	logger         *slog.Logger

	mu      sync.Mutex // serializes writers; readers never take it
	current atomic.Pointer[segment]
	seq     int // next insertion sequence, guarded by mu
}

// New creates an empty index.
func New(cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, cfg.Dimension)
	}
	if cfg.ModelVersion == "" {
		return nil, fmt.Errorf("%w: empty model version", ErrVersionConflict)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.Metric != MetricCosine && cfg.Metric != MetricDot {
		return nil, fmt.Errorf("unsupported metric %q", cfg.Metric)
	}
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		dim:            cfg.Dimension,
		modelVersion:   cfg.ModelVersion,
		metric:         cfg.Metric,
		allowMigration: cfg.AllowMigration,
		logger:         logger,
	}
	idx.current.Store(newSegment(0))
	return idx, nil
}

// Dimension returns the fixed vector dimensionality.
func (x *Index) Dimension() int { return x.dim }

// ModelVersion returns the embedder model version the index is bound to.
func (x *Index) ModelVersion() string { return x.modelVersion }

// Size returns the number of indexed vectors.
func (x *Index) Size() int {
	return len(x.current.Load().entries)
}

// Upsert inserts or replaces the vector for a chunk. Replacing keeps the
// chunk's original insertion position, so tie-breaking stays stable across
// updates.
func (x *Index) Upsert(chunkID string, vec []float32, modelVersion string) error {
	if len(vec) != x.dim {
		return fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	if modelVersion != x.modelVersion && !x.allowMigration {
		return fmt.Errorf("%w: vector %q, index %q", ErrVersionConflict, modelVersion, x.modelVersion)
	}

	owned := make([]float32, len(vec))
	copy(owned, vec)

	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.current.Load()
	next := cur.clone(1)

	e := entry{id: chunkID, vec: owned, norm: l2norm(owned)}
	if i, exists := next.byID[chunkID]; exists {
		e.seq = next.entries[i].seq
		next.entries[i] = e
	} else {
		e.seq = x.seq
		x.seq++
		next.byID[chunkID] = len(next.entries)
		next.entries = append(next.entries, e)
	}

	x.current.Store(next)
	return nil
}

// Remove deletes a chunk's vector. Removing an absent ID is not an error.
func (x *Index) Remove(chunkID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.current.Load()
	i, exists := cur.byID[chunkID]
	if !exists {
		return
	}

	next := newSegment(len(cur.entries) - 1)
	for j, e := range cur.entries {
		if j == i {
			continue
		}
		next.byID[e.id] = len(next.entries)
		next.entries = append(next.entries, e)
	}
	x.current.Store(next)
}

// Query returns up to k hits sorted by descending similarity, ties broken
// by chunk insertion order. filter, when non-nil, excludes entries before
// ranking so out-of-scope chunks can never displace visible ones.
func (x *Index) Query(vec []float32, k int, filter func(chunkID string) bool) ([]Hit, error) {
	if len(vec) != x.dim {
		return nil, fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	seg := x.current.Load()
	queryNorm := l2norm(vec)

	type scored struct {
		score float32
		seq   int
		id    string
	}
	candidates := make([]scored, 0, len(seg.entries))
	for _, e := range seg.entries {
		if filter != nil && !filter(e.id) {
			continue
		}
		candidates = append(candidates, scored{
			score: x.score(vec, queryNorm, e),
			seq:   e.seq,
			id:    e.id,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].seq < candidates[j].seq
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	hits := make([]Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = Hit{ChunkID: c.id, Score: c.score}
	}
	return hits, nil
}

// score computes similarity between the query vector and an entry.
func (x *Index) score(query []float32, queryNorm float32, e entry) float32 {
	d := dot(query, e.vec)
	if x.metric == MetricDot {
		return d
	}
	denom := queryNorm * e.norm
	if denom == 0 {
		return 0
	}
	return d / denom
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

func l2norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}
