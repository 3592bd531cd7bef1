package answer

import "errors"

// Failure taxonomy. Every query resolves to exactly one of an Answer or an
// error wrapping one of these sentinels; no stage error leaves the
// orchestrator as an unstructured fault. Check with errors.Is.
var (
	// ErrDenied indicates quota admission refused the query. Terminal;
	// never retried automatically. Wraps the gate's reason.
	ErrDenied = errors.New("query denied")

	// ErrRetrieval indicates a data or index fault during retrieval.
	// Surfaced immediately, never retried.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrGenerationFailed indicates the generation backend failed after
	// the bounded retry budget was spent (or failed non-transiently).
	ErrGenerationFailed = errors.New("generation failed")

	// ErrCancelled indicates caller-initiated cancellation. Always
	// propagated as such, never conflated with ErrGenerationFailed.
	ErrCancelled = errors.New("query cancelled")

	// ErrTimeout indicates the per-query wall-clock budget was exceeded.
	ErrTimeout = errors.New("query timed out")

	// ErrEmptyQuery indicates the submitted query text is empty.
	ErrEmptyQuery = errors.New("empty query text")

	// ErrClosed indicates the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")
)
