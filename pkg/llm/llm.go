// Package llm provides the two opaque capabilities the memory core
// depends on: text generation and embedding. Both are modeled as small
// interfaces so tests can script them.
package llm

import "context"

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Service produces text from a prompt.
type Service interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Embedder turns text into a unit-norm vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
