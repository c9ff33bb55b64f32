// Package vector provides embedded vector storage for pre-computed
// embeddings. Collections are in-memory and rebuilt at startup; cosine
// similarity serves the search path.
package vector

import "context"

// Result is one similarity search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]string
}

// Document is an entry to store: an id, its display content, metadata, and
// a pre-computed embedding.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Store is the vector storage capability.
type Store interface {
	// Upsert adds or replaces documents in a collection.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Search returns the topK most similar documents by cosine similarity
	// of the query vector. Fewer results are returned when the collection
	// is smaller than topK.
	Search(ctx context.Context, collection string, query []float32, topK int) ([]Result, error)

	// Count reports the number of documents in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases resources.
	Close() error
}
