package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mnemos/mnemos/internal/audit"
	"github.com/mnemos/mnemos/internal/chunk"
	"github.com/mnemos/mnemos/internal/log"
	"github.com/mnemos/mnemos/internal/quota"
	"github.com/mnemos/mnemos/internal/retrieve"
	"github.com/mnemos/mnemos/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubRetriever returns scripted results and counts invocations.
type stubRetriever struct {
	mu      sync.Mutex
	results []retrieve.Scored
	err     error
	calls   int
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _ retrieve.Principal, k int) ([]retrieve.Scored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) > k {
		return s.results[:k], nil
	}
	return s.results, nil
}

func (s *stubRetriever) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingAuditor captures records synchronously so tests can assert on
// them without draining a buffer.
type recordingAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *recordingAuditor) Append(rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *recordingAuditor) all() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Record, len(a.records))
	copy(out, a.records)
	return out
}

func testOrchConfig() Config {
	return Config{
		DefaultTopK:          5,
		DefaultContextBudget: 1000,
		QueryTimeout:         5 * time.Second,
		AttemptTimeout:       2 * time.Second,
		MaxRetries:           2,
		RetryInitialBackoff:  time.Millisecond,
		RetryMaxBackoff:      5 * time.Millisecond,
		ReservedOutputTokens: 100,
	}
}

func testGate() *quota.Gate {
	return quota.New(quota.Config{
		LimitTokens:   1_000_000,
		LimitRequests: 1000,
		Period:        time.Hour,
	}, log.NewNop())
}

type fixture struct {
	retriever *stubRetriever
	gate      *quota.Gate
	generator *testutil.Generator
	auditor   *recordingAuditor
	orch      *Orchestrator
}

func newFixture(t *testing.T, cfg Config, retriever *stubRetriever, gate *quota.Gate, gen *testutil.Generator) *fixture {
	t.Helper()
	if retriever == nil {
		retriever = &stubRetriever{results: scoredChunks("relevant context")}
	}
	if gate == nil {
		gate = testGate()
	}
	if gen == nil {
		gen = &testutil.Generator{Text: "the answer", InputTokens: 40, OutputTokens: 10}
	}
	auditor := &recordingAuditor{}
	orch := New(cfg, retriever, gate, gen, auditor, testutil.Logger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orch.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return &fixture{retriever: retriever, gate: gate, generator: gen, auditor: auditor, orch: orch}
}

func scoredChunks(texts ...string) []retrieve.Scored {
	out := make([]retrieve.Scored, len(texts))
	for i, text := range texts {
		out[i] = retrieve.Scored{
			Chunk: chunk.Chunk{ID: chunk.NewID("doc", i, text), Text: text},
			Score: 1 - float32(i)/10,
		}
	}
	return out
}

func submit(t *testing.T, f *fixture, req Request) *Query {
	t.Helper()
	q, err := f.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return q
}

func wait(t *testing.T, q *Query) (*Answer, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ans, err := q.Wait(ctx)
	if ans == nil && err == nil {
		t.Fatal("Wait() returned neither answer nor error")
	}
	return ans, err
}

func TestQueryCompletes(t *testing.T) {
	f := newFixture(t, testOrchConfig(), &stubRetriever{
		results: scoredChunks("postgres tuning", "index maintenance"),
	}, nil, nil)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "how do I tune postgres?"})
	ans, err := wait(t, q)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if q.State() != StateCompleted {
		t.Errorf("State() = %v, want %v", q.State(), StateCompleted)
	}
	if ans.Text != "the answer" {
		t.Errorf("Text = %q, want %q", ans.Text, "the answer")
	}
	if len(ans.RetrievedChunkIDs) != 2 {
		t.Errorf("RetrievedChunkIDs = %v, want 2 IDs", ans.RetrievedChunkIDs)
	}

	// Actual cost replaced the estimate.
	u := f.gate.Usage("alice")
	if u.ConsumedTokens != 50 || u.ReservedTokens != 0 {
		t.Errorf("Usage() = %+v, want consumed=50 reserved=0", u)
	}

	recs := f.auditor.all()
	if len(recs) != 1 {
		t.Fatalf("audited %d records, want 1", len(recs))
	}
	if recs[0].Answer != "the answer" || recs[0].FailureReason != "" {
		t.Errorf("audit record = %+v, want a success record", recs[0])
	}
	if len(recs[0].RetrievedChunkIDs) != 2 {
		t.Errorf("audit RetrievedChunkIDs = %v, want 2 IDs", recs[0].RetrievedChunkIDs)
	}
}

func TestSubmitEmptyQuery(t *testing.T) {
	f := newFixture(t, testOrchConfig(), nil, nil, nil)
	_, err := f.orch.Submit(context.Background(), Request{Principal: retrieve.Principal{ID: "alice"}})
	if !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Submit() error = %v, want ErrEmptyQuery", err)
	}
}

func TestEmptyRetrievalCompletesWithoutGeneration(t *testing.T) {
	f := newFixture(t, testOrchConfig(), &stubRetriever{}, nil, nil)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "anything"})
	ans, err := wait(t, q)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if q.State() != StateCompleted {
		t.Errorf("State() = %v, want %v (empty context is not a failure)", q.State(), StateCompleted)
	}
	if ans.Text != InsufficientInformationAnswer {
		t.Errorf("Text = %q, want the insufficient-information answer", ans.Text)
	}
	if f.generator.CallCount() != 0 {
		t.Errorf("generator called %d times, want 0", f.generator.CallCount())
	}

	// Commit at zero actual cost: the reservation is returned in full.
	u := f.gate.Usage("alice")
	if u.ConsumedTokens != 0 || u.ReservedTokens != 0 {
		t.Errorf("Usage() = %+v, want zeros", u)
	}
}

func TestDeniedQueryDoesNoWork(t *testing.T) {
	gate := quota.New(quota.Config{
		LimitTokens:   1, // nothing fits
		LimitRequests: 1000,
		Period:        time.Hour,
	}, log.NewNop())
	f := newFixture(t, testOrchConfig(), &stubRetriever{results: scoredChunks("context")}, gate, nil)

	_, err := f.orch.Submit(context.Background(), Request{
		Principal: retrieve.Principal{ID: "alice"},
		Query:     "a question",
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Submit() error = %v, want ErrDenied", err)
	}
	if !errors.Is(err, quota.ErrDenied) {
		t.Errorf("Submit() error = %v, want the gate's reason preserved", err)
	}

	if f.retriever.callCount() != 0 {
		t.Errorf("retriever called %d times on denial, want 0", f.retriever.callCount())
	}
	if f.generator.CallCount() != 0 {
		t.Errorf("generator called %d times on denial, want 0", f.generator.CallCount())
	}

	recs := f.auditor.all()
	if len(recs) != 1 || recs[0].FailureReason == "" {
		t.Errorf("denial not audited: %+v", recs)
	}
}

func TestRetrievalErrorNotRetried(t *testing.T) {
	retrErr := errors.New("index unavailable")
	f := newFixture(t, testOrchConfig(), &stubRetriever{err: retrErr}, nil, nil)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	_, err := wait(t, q)
	if !errors.Is(err, ErrRetrieval) {
		t.Fatalf("Wait() error = %v, want ErrRetrieval", err)
	}
	if !errors.Is(err, retrErr) {
		t.Errorf("Wait() error = %v, want the cause preserved", err)
	}

	if f.retriever.callCount() != 1 {
		t.Errorf("retriever called %d times, want exactly 1 (no retry)", f.retriever.callCount())
	}
	if q.State() != StateFailed {
		t.Errorf("State() = %v, want %v", q.State(), StateFailed)
	}

	// Failure releases the reservation.
	u := f.gate.Usage("alice")
	if u.ReservedTokens != 0 || u.ConsumedTokens != 0 {
		t.Errorf("Usage() = %+v after failure, want zero tokens", u)
	}
}

func TestTransientGenerationErrorRetried(t *testing.T) {
	gen := &testutil.Generator{
		Text: "recovered answer",
		Errs: []error{errors.New("503 service unavailable")},
	}
	f := newFixture(t, testOrchConfig(), nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	ans, err := wait(t, q)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ans.Text != "recovered answer" {
		t.Errorf("Text = %q, want %q", ans.Text, "recovered answer")
	}
	if gen.CallCount() != 2 {
		t.Errorf("generator called %d times, want 2 (one retry)", gen.CallCount())
	}
}

func TestPermanentGenerationErrorNotRetried(t *testing.T) {
	genErr := errors.New("invalid request payload")
	gen := &testutil.Generator{Errs: []error{genErr}}
	f := newFixture(t, testOrchConfig(), nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	_, err := wait(t, q)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Wait() error = %v, want ErrGenerationFailed", err)
	}
	if gen.CallCount() != 1 {
		t.Errorf("generator called %d times, want 1 (permanent errors are not retried)", gen.CallCount())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	cfg := testOrchConfig()
	cfg.MaxRetries = 2
	gen := &testutil.Generator{
		Errs: []error{
			errors.New("429 rate limit"),
			errors.New("502 bad gateway"),
			errors.New("connection reset by peer"),
		},
	}
	f := newFixture(t, cfg, nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	_, err := wait(t, q)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Wait() error = %v, want ErrGenerationFailed", err)
	}
	if gen.CallCount() != 3 {
		t.Errorf("generator called %d times, want 3 (initial + 2 retries)", gen.CallCount())
	}

	u := f.gate.Usage("alice")
	if u.ReservedTokens != 0 {
		t.Errorf("ReservedTokens = %d after exhausted retries, want 0", u.ReservedTokens)
	}
}

func TestCancelDuringGenerationReleasesReservation(t *testing.T) {
	gen := &testutil.Generator{Delay: 10 * time.Second}
	f := newFixture(t, testOrchConfig(), nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})

	// Let the pipeline reach the generator before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for q.State() != StateGenerating {
		if time.Now().After(deadline) {
			t.Fatalf("query never reached generating state, stuck at %v", q.State())
		}
		time.Sleep(time.Millisecond)
	}
	q.Cancel()

	_, err := wait(t, q)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() error = %v, want ErrCancelled", err)
	}
	if errors.Is(err, ErrGenerationFailed) {
		t.Error("cancellation misclassified as a generation failure")
	}
	if q.State() != StateFailed {
		t.Errorf("State() = %v, want %v", q.State(), StateFailed)
	}

	u := f.gate.Usage("alice")
	if u.ReservedTokens != 0 {
		t.Errorf("ReservedTokens = %d after cancel, want 0", u.ReservedTokens)
	}
}

func TestCancelIdempotent(t *testing.T) {
	gen := &testutil.Generator{Delay: 10 * time.Second}
	f := newFixture(t, testOrchConfig(), nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	q.Cancel()
	q.Cancel()

	if _, err := wait(t, q); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", err)
	}
}

func TestQueryTimeout(t *testing.T) {
	cfg := testOrchConfig()
	cfg.QueryTimeout = 50 * time.Millisecond
	cfg.AttemptTimeout = 50 * time.Millisecond
	gen := &testutil.Generator{Delay: 10 * time.Second}
	f := newFixture(t, cfg, nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	_, err := wait(t, q)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}

	u := f.gate.Usage("alice")
	if u.ReservedTokens != 0 {
		t.Errorf("ReservedTokens = %d after timeout, want 0", u.ReservedTokens)
	}
}

func TestStreamingDeliversPartials(t *testing.T) {
	gen := &testutil.Generator{Text: "streamed answer text", Streaming: true}
	f := newFixture(t, testOrchConfig(), nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})

	var b strings.Builder
	for token := range q.Stream() {
		b.WriteString(token)
	}

	ans, err := wait(t, q)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if b.String() != ans.Text {
		t.Errorf("streamed %q, final answer %q", b.String(), ans.Text)
	}
}

func TestStreamClosedOnFailure(t *testing.T) {
	f := newFixture(t, testOrchConfig(), &stubRetriever{err: errors.New("boom")}, nil, nil)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	// Range terminates because the stream closes at the terminal state.
	for range q.Stream() {
	}
	if _, err := wait(t, q); err == nil {
		t.Error("Wait() error = nil, want failure")
	}
}

func TestFailureAudited(t *testing.T) {
	f := newFixture(t, testOrchConfig(), &stubRetriever{err: errors.New("index corrupt")}, nil, nil)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})
	if _, err := wait(t, q); err == nil {
		t.Fatal("Wait() error = nil, want failure")
	}

	recs := f.auditor.all()
	if len(recs) != 1 {
		t.Fatalf("audited %d records, want 1", len(recs))
	}
	if recs[0].FailureReason == "" || recs[0].Answer != "" {
		t.Errorf("audit record = %+v, want a failure record", recs[0])
	}
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t, testOrchConfig(), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := f.orch.Submit(context.Background(), Request{
		Principal: retrieve.Principal{ID: "alice"},
		Query:     "late question",
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after close error = %v, want ErrClosed", err)
	}
}

func TestCloseWaitsForInFlight(t *testing.T) {
	gen := &testutil.Generator{Text: "slow answer", Delay: 100 * time.Millisecond}
	f := newFixture(t, testOrchConfig(), nil, nil, gen)

	q := submit(t, f, Request{Principal: retrieve.Principal{ID: "alice"}, Query: "a question"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The in-flight query ran to completion, not cancellation.
	ans, err := wait(t, q)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ans.Text != "slow answer" {
		t.Errorf("Text = %q, want %q", ans.Text, "slow answer")
	}
}

func TestConcurrentQueriesAllTerminal(t *testing.T) {
	f := newFixture(t, testOrchConfig(), &stubRetriever{
		results: scoredChunks("shared context"),
	}, nil, nil)

	const n = 20
	queries := make([]*Query, n)
	for i := range n {
		queries[i] = submit(t, f, Request{
			Principal: retrieve.Principal{ID: "alice"},
			Query:     "concurrent question",
		})
	}

	for i, q := range queries {
		if _, err := wait(t, q); err != nil {
			t.Errorf("query %d: Wait() error = %v", i, err)
		}
		if s := q.State(); s != StateCompleted {
			t.Errorf("query %d: State() = %v, want %v", i, s, StateCompleted)
		}
	}
}
