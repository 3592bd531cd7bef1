// Package generate defines the generation-backend capability and its
// implementations.
//
// Backends vary (hosted APIs, local models); the orchestrator programs
// against the Generator interface and treats streaming as a cooperative
// producer of chunks with an explicit terminal signal (the function
// return), never a callback-driven control flow of its own.
package generate

import (
	"context"
	"strings"
)

// Request carries the query and the assembled retrieval context.
type Request struct {
	Query   string
	Context string // assembled chunk text; empty means no relevant material
}

// Chunk is one streamed piece of generated text.
type Chunk struct {
	Text string
}

// Result is the final outcome of one generation call. Token counts are
// reported by the backend after completion and feed quota reconciliation.
type Result struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Generator is the generation-backend capability.
//
// Generate invokes the backend with the query and context. When stream is
// non-nil and the backend supports streaming, partial chunks are delivered
// through it before the final Result; a stream callback error cancels the
// call. Implementations must honor ctx cancellation promptly.
type Generator interface {
	Generate(ctx context.Context, req Request, stream func(ctx context.Context, c Chunk) error) (*Result, error)
	SupportsStreaming() bool
}

// retryablePatterns groups transient-error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: string matching because LLM provider SDKs do not expose typed
// errors for transient failures. Re-evaluate if the SDKs grow structured
// error types.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// Retryable reports whether err is transient and worth retrying.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "context canceled") {
		return false
	}
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}
