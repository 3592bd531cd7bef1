// Package answer implements the query state machine: admission, retrieval,
// context assembly, generation, and audit, with per-query concurrency,
// cancellation, and timeout policy.
//
// Each submitted query runs in its own goroutine and resolves to exactly
// one terminal state. Stage order within a query is strict; across queries
// there is no ordering guarantee.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos/mnemos/internal/audit"
	"github.com/mnemos/mnemos/internal/generate"
	"github.com/mnemos/mnemos/internal/quota"
	"github.com/mnemos/mnemos/internal/retrieve"
)

// InsufficientInformationAnswer is returned when retrieval produced no
// visible context. An empty result is a Completed query, not a failure.
const InsufficientInformationAnswer = "The knowledge base has insufficient information to answer this question."

// Retriever produces ranked, access-filtered chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, principal retrieve.Principal, k int) ([]retrieve.Scored, error)
}

// Gate is the quota admission surface the orchestrator needs.
type Gate interface {
	Admit(principalID string, estimatedTokens int64) (*quota.Reservation, error)
	Commit(res *quota.Reservation, actualTokens int64)
	Release(res *quota.Reservation)
}

// Auditor records query outcomes.
type Auditor interface {
	Append(rec audit.Record)
}

// Config bounds per-query resources.
type Config struct {
	DefaultTopK          int
	DefaultContextBudget int           // characters
	QueryTimeout         time.Duration // wall-clock budget for retrieval + generation
	AttemptTimeout       time.Duration // per generation attempt
	MaxRetries           int           // generation retries beyond the first attempt
	RetryInitialBackoff  time.Duration
	RetryMaxBackoff      time.Duration
	ReservedOutputTokens int64 // admission headroom for the generated answer
}

// normalize fills zero fields with defaults.
func (c Config) normalize() Config {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.DefaultContextBudget <= 0 {
		c.DefaultContextBudget = 8000
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.QueryTimeout {
		c.AttemptTimeout = c.QueryTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = 500 * time.Millisecond
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		c.RetryMaxBackoff = 10 * time.Second
	}
	if c.ReservedOutputTokens <= 0 {
		c.ReservedOutputTokens = 512
	}
	return c
}

// Request is one query submission.
type Request struct {
	Principal     retrieve.Principal
	Query         string
	TopK          int // 0 = configured default
	ContextBudget int // characters, 0 = configured default
}

// Orchestrator coordinates the query pipeline. Safe for concurrent use;
// any number of queries may be in flight.
type Orchestrator struct {
	cfg       Config
	retriever Retriever
	gate      Gate
	generator generate.Generator
	auditor   Auditor
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, retriever Retriever, gate Gate, generator generate.Generator, auditor Auditor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg.normalize(),
		retriever: retriever,
		gate:      gate,
		generator: generator,
		auditor:   auditor,
		logger:    logger,
	}
}

// Submit admits a query and starts its pipeline. The admission decision is
// made synchronously: a denial returns an error wrapping ErrDenied and no
// retrieval or generation work happens. On success the returned Query
// runs independently of ctx; use Query.Cancel for caller-initiated
// cancellation.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Query, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.TopK <= 0 {
		req.TopK = o.cfg.DefaultTopK
	}
	if req.ContextBudget <= 0 {
		req.ContextBudget = o.cfg.DefaultContextBudget
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}

	// Admission estimate: query tokens + context headroom + output headroom.
	estimated := estimateTokens(req.Query) +
		int64(req.ContextBudget/2) +
		o.cfg.ReservedOutputTokens

	res, err := o.gate.Admit(req.Principal.ID, estimated)
	if err != nil {
		o.mu.Unlock()
		denied := fmt.Errorf("%w: %w", ErrDenied, err)
		o.auditor.Append(audit.Record{
			QueryID:       uuid.NewString(),
			PrincipalID:   req.Principal.ID,
			Timestamp:     time.Now().UTC(),
			FailureReason: denied.Error(),
		})
		return nil, denied
	}

	runCtx, cancelCause := context.WithCancelCause(context.Background())
	runCtx, cancelTimeout := context.WithTimeout(runCtx, o.cfg.QueryTimeout)

	q := &Query{
		id:          uuid.New(),
		principal:   req.Principal,
		text:        req.Query,
		topK:        req.TopK,
		budget:      req.ContextBudget,
		reservation: res,
		cancel:      cancelCause,
		stream:      make(chan string, streamBuffer),
		done:        make(chan struct{}),
	}
	q.setState(StateAdmitted)

	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancelTimeout()
		defer cancelCause(nil)
		o.run(runCtx, q)
	}()

	return q, nil
}

// run drives one query through its stages to a terminal state.
func (o *Orchestrator) run(ctx context.Context, q *Query) {
	start := time.Now()

	q.setState(StateRetrieving)
	results, err := o.retriever.Retrieve(ctx, q.text, q.principal, q.topK)
	if err != nil {
		// Retrieval faults are data or configuration errors; retrying the
		// same query cannot fix them.
		o.fail(ctx, q, start, nil, err, ErrRetrieval)
		return
	}

	chunkIDs := make([]string, len(results))
	for i, r := range results {
		chunkIDs[i] = r.Chunk.ID
	}

	q.setState(StateAssembling)
	contextText, truncated := assemble(results, q.budget)

	q.setState(StateGenerating)
	var (
		text         string
		actualTokens int64
	)
	if contextText == "" {
		// Nothing visible to ground an answer on. Resolve locally instead
		// of spending generation budget.
		text = InsufficientInformationAnswer
	} else {
		result, err := o.generateWithRetry(ctx, q, generate.Request{
			Query:   q.text,
			Context: contextText,
		})
		if err != nil {
			o.fail(ctx, q, start, chunkIDs, err, ErrGenerationFailed)
			return
		}
		text = result.Text
		actualTokens = result.InputTokens + result.OutputTokens
	}

	o.gate.Commit(q.reservation, actualTokens)
	o.auditor.Append(audit.Record{
		QueryID:           q.id.String(),
		PrincipalID:       q.principal.ID,
		Timestamp:         start.UTC(),
		RetrievedChunkIDs: chunkIDs,
		Answer:            text,
		Latency:           time.Since(start),
	})
	q.finish(&Answer{Text: text, RetrievedChunkIDs: chunkIDs, Truncated: truncated}, nil)

	o.logger.Debug("query completed",
		"query_id", q.id,
		"principal", q.principal.ID,
		"chunks", len(chunkIDs),
		"truncated", truncated,
		"actual_tokens", actualTokens,
		"latency", time.Since(start),
	)
}

// fail resolves a query to Failed: the reservation is released, the
// attempt is audited with its failure reason, and the error is classified
// into the taxonomy.
func (o *Orchestrator) fail(ctx context.Context, q *Query, start time.Time, chunkIDs []string, cause error, stage error) {
	failure := o.classify(ctx, q, cause, stage)

	o.gate.Release(q.reservation)
	o.auditor.Append(audit.Record{
		QueryID:           q.id.String(),
		PrincipalID:       q.principal.ID,
		Timestamp:         start.UTC(),
		RetrievedChunkIDs: chunkIDs,
		FailureReason:     failure.Error(),
		Latency:           time.Since(start),
	})
	q.finish(nil, failure)

	o.logger.Debug("query failed",
		"query_id", q.id,
		"principal", q.principal.ID,
		"reason", failure,
		"latency", time.Since(start),
	)
}

// classify maps a stage error onto the failure taxonomy. Caller-initiated
// cancellation and wall-clock timeout take precedence over the stage
// sentinel so they are never conflated with backend failures.
func (o *Orchestrator) classify(ctx context.Context, q *Query, err error, stage error) error {
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, ErrCancelled) {
			return fmt.Errorf("%w during %s", ErrCancelled, q.State())
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, o.cfg.QueryTimeout)
		}
	}
	return fmt.Errorf("%w: %w", stage, err)
}

// generateWithRetry invokes the generation backend with exponential
// backoff. Only transient errors are retried, and only up to MaxRetries;
// each attempt gets its own timeout.
func (o *Orchestrator) generateWithRetry(ctx context.Context, q *Query, req generate.Request) (*generate.Result, error) {
	var stream func(ctx context.Context, c generate.Chunk) error
	if o.generator.SupportsStreaming() {
		stream = func(_ context.Context, c generate.Chunk) error {
			q.emit(c.Text)
			return nil
		}
	}

	var lastErr error
	delay := o.cfg.RetryInitialBackoff

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		result, err := o.generator.Generate(attemptCtx, req, stream)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		// Query-level cancellation or timeout: stop immediately, the
		// classifier attributes it.
		if ctx.Err() != nil {
			return nil, err
		}

		// A per-attempt deadline with the query budget still open is a
		// transient condition.
		transient := generate.Retryable(err) || errors.Is(err, context.DeadlineExceeded)
		if !transient {
			return nil, err
		}
		if attempt == o.cfg.MaxRetries {
			break
		}

		o.logger.Debug("retrying generation",
			"query_id", q.id, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context done during retry backoff: %w", lastErr)
		case <-time.After(delay):
			delay = min(delay*2, o.cfg.RetryMaxBackoff)
		}
	}

	return nil, fmt.Errorf("after %d retries: %w", o.cfg.MaxRetries, lastErr)
}

// Close stops accepting new queries and waits for in-flight queries to
// reach a terminal state or ctx to expire. In-flight queries are not
// cancelled; cancel them individually if a hard stop is needed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown interrupted: %w", ctx.Err())
	}
}
