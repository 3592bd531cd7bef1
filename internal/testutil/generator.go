package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mnemos/mnemos/internal/generate"
)

// Generator is a scripted generate.Generator. The zero value answers every
// request with a fixed text; fields configure failures, latency, and
// streaming behavior.
type Generator struct {
	Text         string        // answer text (default "test answer")
	InputTokens  int64         // reported usage
	OutputTokens int64         // reported usage
	Streaming    bool          // report and exercise streaming support
	Delay        time.Duration // per-call latency, honored against ctx

	// Errs is consumed one per call; a nil entry means that call
	// succeeds. Once exhausted, calls succeed. Lets tests script
	// "fail twice then succeed" retry sequences.
	Errs []error

	mu        sync.Mutex
	callCount int
	lastReq   generate.Request
}

func (g *Generator) SupportsStreaming() bool { return g.Streaming }

// Generate consumes one scripted outcome.
func (g *Generator) Generate(ctx context.Context, req generate.Request, stream func(ctx context.Context, c generate.Chunk) error) (*generate.Result, error) {
	g.mu.Lock()
	g.callCount++
	g.lastReq = req
	var err error
	if len(g.Errs) > 0 {
		err = g.Errs[0]
		g.Errs = g.Errs[1:]
	}
	g.mu.Unlock()

	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	text := g.Text
	if text == "" {
		text = "test answer"
	}

	if g.Streaming && stream != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			if streamErr := stream(ctx, generate.Chunk{Text: word}); streamErr != nil {
				return nil, streamErr
			}
		}
	}

	return &generate.Result{
		Text:         text,
		InputTokens:  g.InputTokens,
		OutputTokens: g.OutputTokens,
	}, nil
}

// CallCount returns how many times Generate was invoked.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callCount
}

// LastRequest returns the most recent request.
func (g *Generator) LastRequest() generate.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReq
}
