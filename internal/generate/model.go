package generate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// answerSystemPrompt instructs the model to ground its answer in the
// provided context and to say so when the context is insufficient.
const answerSystemPrompt = `You answer questions using only the provided context.
If the context does not contain the information needed, say that the
knowledge base has insufficient information. Do not invent facts.`

// Model is a Genkit-backed Generator. It supports streaming.
type Model struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
}

// NewModel creates a Generator over a Genkit instance and a
// provider-qualified model name (e.g. "googleai/gemini-2.5-flash").
func NewModel(g *genkit.Genkit, modelName string, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{g: g, modelName: modelName, logger: logger}
}

// SupportsStreaming reports that Genkit models stream.
func (*Model) SupportsStreaming() bool { return true }

// Generate invokes the model with the query and assembled context.
func (m *Model) Generate(ctx context.Context, req Request, stream func(ctx context.Context, c Chunk) error) (*Result, error) {
	prompt := buildPrompt(req)

	opts := []ai.GenerateOption{
		ai.WithModelName(m.modelName),
		ai.WithSystem(answerSystemPrompt),
		ai.WithPrompt(prompt),
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return stream(ctx, Chunk{Text: text})
		}))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("model generate: %w", err)
	}

	result := &Result{Text: resp.Text()}
	if resp.Usage != nil {
		result.InputTokens = int64(resp.Usage.InputTokens)
		result.OutputTokens = int64(resp.Usage.OutputTokens)
	}

	m.logger.Debug("generation complete",
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	return result, nil
}

// buildPrompt lays out context and question in clearly delimited sections.
func buildPrompt(req Request) string {
	if req.Context == "" {
		return fmt.Sprintf("Context: (none)\n\nQuestion: %s", req.Query)
	}
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", req.Context, req.Query)
}
