// Package embedder provides the text-embedding capability behind the
// product index and the topic guardrail. The output dimension is fixed and
// known at build time; swapping embedders requires a full index rebuild.
package embedder

import "context"

// Embedder converts text to dense vectors of a fixed dimension.
type Embedder interface {
	// Embed converts a single text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// Model returns the model identifier.
	Model() string

	// Close releases underlying resources.
	Close() error
}
