// Package testutil provides shared test doubles: a deterministic
// embedder, a scripted generator, and quiet loggers.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// Embedder implements ai.Embedder with deterministic vectors derived from
// the input text, so similarity relationships are stable across runs:
// identical texts embed identically.
type Embedder struct {
	Dim int // vector dimensionality, required

	Delay    time.Duration // simulated latency
	Err      error         // error to return
	Override []float32     // fixed vector to return instead of the derived one

	mu        sync.Mutex
	callCount int
	lastInput string
}

func (e *Embedder) Name() string { return "test-embedder" }

func (e *Embedder) Register(api.Registry) {}

// Embed returns one vector per input document.
func (e *Embedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.mu.Lock()
	e.callCount++
	if len(req.Input) > 0 && len(req.Input[0].Content) > 0 {
		e.lastInput = req.Input[0].Content[0].Text
	}
	e.mu.Unlock()

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}

	resp := &ai.EmbedResponse{}
	for _, doc := range req.Input {
		text := ""
		if len(doc.Content) > 0 {
			text = doc.Content[0].Text
		}
		vec := e.Override
		if vec == nil {
			vec = DeriveVector(text, e.Dim)
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

// CallCount returns how many times Embed was invoked.
func (e *Embedder) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callCount
}

// LastInput returns the most recent input text.
func (e *Embedder) LastInput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastInput
}

// DeriveVector produces a deterministic unit-scale vector of the given
// dimensionality from text. Different texts give different directions.
func DeriveVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		// Stretch the 32-byte digest over any dimensionality, mixing in
		// the position so the pattern does not repeat.
		word := binary.BigEndian.Uint32(sum[(i*4)%28:(i*4)%28+4]) + uint32(i)*2654435761
		vec[i] = float32(word%2000)/1000 - 1 // [-1, 1)
	}
	return vec
}
