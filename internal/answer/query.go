package answer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mnemos/mnemos/internal/quota"
	"github.com/mnemos/mnemos/internal/retrieve"
)

// State is a query's position in its lifecycle.
//
//	Admitted → Retrieving → Assembling → Generating → Completed
//	Admitted → Denied (reported as a Submit error, no Query is returned)
//	any state → Failed
type State int32

const (
	StateAdmitted State = iota
	StateRetrieving
	StateAssembling
	StateGenerating
	StateCompleted
	StateFailed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateRetrieving:
		return "retrieving"
	case StateAssembling:
		return "assembling"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Answer is the successful outcome of a query.
type Answer struct {
	Text              string
	RetrievedChunkIDs []string // ranked order
	Truncated         bool     // context assembly dropped or cut chunks
}

// streamBuffer bounds the partial-token channel. Delivery of partials is
// best effort; the final Answer carries the authoritative text.
const streamBuffer = 64

// Query is the handle for one admitted, in-flight query. Obtain one from
// Orchestrator.Submit; it resolves to exactly one terminal state.
type Query struct {
	id          uuid.UUID
	principal   retrieve.Principal
	text        string
	topK        int
	budget      int
	reservation *quota.Reservation

	cancel context.CancelCauseFunc

	state atomic.Int32

	stream     chan string
	streamOnce sync.Once // closes stream

	done   chan struct{} // closed on terminal state
	answer *Answer       // set before done closes
	err    error         // set before done closes
}

// ID returns the query's unique identifier.
func (q *Query) ID() uuid.UUID { return q.id }

// State returns the query's current lifecycle state.
func (q *Query) State() State { return State(q.state.Load()) }

func (q *Query) setState(s State) { q.state.Store(int32(s)) }

// Stream returns the partial-token channel. It is closed when the query
// reaches a terminal state. Tokens are dropped, not buffered without
// bound, if the consumer falls behind; Wait returns the complete text.
func (q *Query) Stream() <-chan string { return q.stream }

// Cancel requests caller-initiated cancellation. The query stops consuming
// the generation backend, its reservation is released, and it resolves to
// Failed with ErrCancelled. Safe to call at any time, from any goroutine.
func (q *Query) Cancel() {
	q.cancel(ErrCancelled)
}

// Wait blocks until the query reaches a terminal state or ctx expires.
// Exactly one of the answer and the error is non-nil once the query is
// terminal; a ctx error from Wait does not affect the running query.
func (q *Query) Wait(ctx context.Context) (*Answer, error) {
	select {
	case <-q.done:
		return q.answer, q.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emit forwards one partial token, dropping it if the consumer is behind.
func (q *Query) emit(text string) {
	select {
	case q.stream <- text:
	default:
	}
}

// finish records the terminal outcome. First caller wins; the run loop is
// the only caller by construction.
func (q *Query) finish(answer *Answer, err error) {
	q.answer = answer
	q.err = err
	if err != nil {
		q.setState(StateFailed)
	} else {
		q.setState(StateCompleted)
	}
	q.streamOnce.Do(func() { close(q.stream) })
	close(q.done)
}
