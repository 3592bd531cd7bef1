// Package kb wires the knowledge base core together and exposes the
// surface the routing layer consumes: ingest, submit, await, cancel.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"

	"github.com/mnemos/mnemos/internal/answer"
	"github.com/mnemos/mnemos/internal/audit"
	"github.com/mnemos/mnemos/internal/chunk"
	"github.com/mnemos/mnemos/internal/config"
	"github.com/mnemos/mnemos/internal/generate"
	"github.com/mnemos/mnemos/internal/index"
	"github.com/mnemos/mnemos/internal/quota"
	"github.com/mnemos/mnemos/internal/retrieve"
)

var (
	// ErrEmptyDocument indicates an ingest call with no chunks.
	ErrEmptyDocument = errors.New("document has no chunks")

	// ErrScopesMismatch indicates scopes were provided for a different
	// number of chunks than texts.
	ErrScopesMismatch = errors.New("scopes length differs from chunk count")
)

// Options carries the pluggable collaborators for a System.
type Options struct {
	Chunks    chunk.Store        // required
	AuditSink audit.Sink         // required
	Embedder  ai.Embedder        // required
	Generator generate.Generator // required
	Logger    *slog.Logger       // nil = slog.Default()
}

// System is the assembled knowledge base core. Safe for concurrent use.
type System struct {
	cfg       *config.Config
	chunks    chunk.Store
	index     *index.Index
	retriever *retrieve.Retriever
	gate      *quota.Gate
	auditLog  *audit.Log
	orch      *answer.Orchestrator
	embedder  ai.Embedder
	logger    *slog.Logger
}

// New validates the configuration, builds every component, and warm-starts
// the embedding index from the chunk store. Configuration faults surface
// here, before any query is accepted.
func New(ctx context.Context, cfg *config.Config, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx, err := index.New(index.Config{
		Dimension:    cfg.VectorDimension,
		ModelVersion: cfg.EmbedderModel,
		Metric:       index.Metric(cfg.Metric),
	}, logger.With("component", "index"))
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}
	if err := idx.Load(ctx, opts.Chunks); err != nil {
		return nil, fmt.Errorf("warm-starting index: %w", err)
	}

	retriever, err := retrieve.New(idx, opts.Chunks, opts.Embedder, cfg.EmbedderModel,
		cfg.OverfetchFactor, logger.With("component", "retriever"))
	if err != nil {
		return nil, fmt.Errorf("building retriever: %w", err)
	}

	gate := quota.New(quota.Config{
		LimitTokens:   cfg.QuotaLimitTokens,
		LimitRequests: cfg.QuotaLimitRequests,
		Period:        cfg.QuotaPeriod,
		RatePerSecond: cfg.QuotaRatePerSecond,
		Burst:         cfg.QuotaBurst,
	}, logger.With("component", "quota"))

	auditLog := audit.New(opts.AuditSink, cfg.AuditBufferCapacity, logger.With("component", "audit"))

	orch := answer.New(answer.Config{
		DefaultTopK:          cfg.DefaultTopK,
		DefaultContextBudget: cfg.ContextBudget,
		QueryTimeout:         cfg.QueryTimeout,
		AttemptTimeout:       cfg.AttemptTimeout,
		MaxRetries:           cfg.MaxRetries,
		RetryInitialBackoff:  cfg.RetryInitialBackoff,
		RetryMaxBackoff:      cfg.RetryMaxBackoff,
	}, retriever, gate, opts.Generator, auditLog, logger.With("component", "orchestrator"))

	return &System{
		cfg:       cfg,
		chunks:    opts.Chunks,
		index:     idx,
		retriever: retriever,
		gate:      gate,
		auditLog:  auditLog,
		orch:      orch,
		embedder:  opts.Embedder,
		logger:    logger,
	}, nil
}

// Ingest replaces a document's chunks with the given texts. scopesPerChunk
// may be nil (all chunks public) or must match texts in length. Chunks are
// embedded, persisted, and then published to the index; the window between
// store commit and index swap is the documented eventual-consistency
// window.
func (s *System) Ingest(ctx context.Context, documentID string, texts []string, scopesPerChunk [][]string) error {
	if documentID == "" {
		return errors.New("empty document ID")
	}
	if len(texts) == 0 {
		return ErrEmptyDocument
	}
	if scopesPerChunk != nil && len(scopesPerChunk) != len(texts) {
		return fmt.Errorf("%w: %d scopes for %d chunks", ErrScopesMismatch, len(scopesPerChunk), len(texts))
	}

	vectors, err := s.embedAll(ctx, texts)
	if err != nil {
		return err
	}

	records := make([]chunk.Record, len(texts))
	for i, text := range texts {
		var scopes []string
		if scopesPerChunk != nil {
			scopes = scopesPerChunk[i]
		}
		records[i] = chunk.Record{
			Chunk:        chunk.New(documentID, i, text, scopes, nil),
			Embedding:    vectors[i],
			ModelVersion: s.cfg.EmbedderModel,
		}
	}

	// Note the superseded chunk IDs before the store replace so the index
	// can drop them.
	prior, err := s.chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("listing prior chunks: %w", err)
	}

	if err := s.chunks.ReplaceDocument(ctx, documentID, records); err != nil {
		return fmt.Errorf("persisting chunks: %w", err)
	}

	current := make(map[string]struct{}, len(records))
	for _, rec := range records {
		current[rec.Chunk.ID] = struct{}{}
	}
	for _, c := range prior {
		if _, kept := current[c.ID]; !kept {
			s.index.Remove(c.ID)
		}
	}
	for _, rec := range records {
		if err := s.index.Upsert(rec.Chunk.ID, rec.Embedding, rec.ModelVersion); err != nil {
			return fmt.Errorf("indexing chunk %q: %w", rec.Chunk.ID, err)
		}
	}

	s.logger.Info("document ingested",
		"document_id", documentID, "chunks", len(records), "index_size", s.index.Size())
	return nil
}

// DeleteDocument removes a document's chunks from store and index.
func (s *System) DeleteDocument(ctx context.Context, documentID string) error {
	prior, err := s.chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	if err := s.chunks.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	for _, c := range prior {
		s.index.Remove(c.ID)
	}
	return nil
}

// SubmitQuery admits and starts a query. See answer.Orchestrator.Submit.
func (s *System) SubmitQuery(ctx context.Context, req answer.Request) (*answer.Query, error) {
	return s.orch.Submit(ctx, req)
}

// Usage returns the principal's quota snapshot.
func (s *System) Usage(principalID string) quota.Usage {
	return s.gate.Usage(principalID)
}

// AuditDropped exposes the count of audit records lost to backpressure.
func (s *System) AuditDropped() int64 {
	return s.auditLog.Dropped()
}

// IndexSize returns the number of indexed vectors.
func (s *System) IndexSize() int {
	return s.index.Size()
}

// ReloadIndex rebuilds the index from the chunk store and swaps it in
// without blocking concurrent queries.
func (s *System) ReloadIndex(ctx context.Context) error {
	return s.index.Load(ctx, s.chunks)
}

// Close drains in-flight queries and the audit buffer.
func (s *System) Close(ctx context.Context) error {
	if err := s.orch.Close(ctx); err != nil {
		return err
	}
	return s.auditLog.Close(ctx)
}

// embedAll embeds all texts in one request, preserving order.
func (s *System) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	req := &ai.EmbedRequest{}
	for _, text := range texts {
		req.Input = append(req.Input, ai.DocumentFromText(text, nil))
	}

	resp, err := s.embedder.Embed(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks",
			len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != s.cfg.VectorDimension {
			return nil, fmt.Errorf("%w: embedder returned %d dimensions, index is %d",
				index.ErrDimensionMismatch, len(emb.Embedding), s.cfg.VectorDimension)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}
