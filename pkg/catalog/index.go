package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/siplinehq/sipline/pkg/embedder"
	"github.com/siplinehq/sipline/pkg/vector"
)

const (
	// DefaultK is used when a caller does not specify a result count.
	DefaultK = 5

	// MaxK is the hard cap on result counts.
	MaxK = 20

	collectionName = "products"

	embedTimeout = 10 * time.Second
)

// Match pairs a product with its similarity score.
type Match struct {
	Product Product `json:"product"`
	Score   float32 `json:"score"`
}

// Index serves top-k semantic lookups over the catalog. After Build it is
// immutable and safe for concurrent reads.
type Index struct {
	store    vector.Store
	embedder embedder.Embedder

	products map[string]Product
	size     int
	built    bool
}

// NewIndex creates an index over the given store and embedder.
func NewIndex(store vector.Store, emb embedder.Embedder) *Index {
	return &Index{
		store:    store,
		embedder: emb,
		products: make(map[string]Product),
	}
}

// Build embeds the catalog once and stores the vectors. Idempotent;
// failure is fatal to startup. An empty catalog builds an empty index.
func (i *Index) Build(ctx context.Context, products []Product) error {
	if i.built {
		return nil
	}

	if len(products) == 0 {
		i.built = true
		slog.Warn("product catalog is empty")
		return nil
	}

	texts := make([]string, len(products))
	for n, p := range products {
		if _, dup := i.products[p.ID]; dup {
			return fmt.Errorf("duplicate product id %q", p.ID)
		}
		i.products[p.ID] = p
		texts[n] = p.SearchableText()
	}

	vectors, err := i.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed catalog: %w", err)
	}
	if len(vectors) != len(products) {
		return fmt.Errorf("embedding count mismatch: got %d vectors for %d products", len(vectors), len(products))
	}

	docs := make([]vector.Document, len(products))
	for n, p := range products {
		if len(vectors[n]) == 0 {
			return fmt.Errorf("empty embedding for product %q", p.ID)
		}
		docs[n] = vector.Document{
			ID:        p.ID,
			Content:   p.SearchableText(),
			Metadata:  map[string]string{"name": p.Name},
			Embedding: vectors[n],
		}
	}

	if err := i.store.Upsert(ctx, collectionName, docs); err != nil {
		return fmt.Errorf("failed to store catalog embeddings: %w", err)
	}

	i.size = len(products)
	i.built = true
	slog.Info("product index built", "products", i.size, "model", i.embedder.Model())
	return nil
}

// Size returns the number of indexed products.
func (i *Index) Size() int {
	return i.size
}

// Search returns the top-k products by cosine similarity, ties broken by
// product id ascending. k is capped at MaxK; k <= 0 returns an empty list.
// Embedding failures degrade to an empty result with a warning.
func (i *Index) Search(ctx context.Context, query string, k int) []Match {
	if k <= 0 || i.size == 0 {
		return nil
	}
	if k > MaxK {
		k = MaxK
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	queryVec, err := i.embedder.Embed(embedCtx, query)
	if err != nil {
		slog.Warn("query embedding failed, returning no matches", "error", err)
		return nil
	}

	// Fetch the whole collection and order locally: the catalog is small
	// and the similarity tie-break on id must be deterministic.
	results, err := i.store.Search(ctx, collectionName, queryVec, i.size)
	if err != nil {
		slog.Warn("vector search failed, returning no matches", "error", err)
		return nil
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		p, ok := i.products[r.ID]
		if !ok {
			continue
		}
		matches = append(matches, Match{Product: p, Score: r.Score})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].Product.ID < matches[b].Product.ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// SearchSorted searches and then applies a deterministic secondary sort.
// SortNone keeps the similarity order.
func (i *Index) SearchSorted(ctx context.Context, query string, k int, key SortKey) []Match {
	matches := i.Search(ctx, query, k)
	if key == SortNone || len(matches) < 2 {
		return matches
	}

	sort.SliceStable(matches, func(a, b int) bool {
		pa, pb := matches[a].Product, matches[b].Product
		switch key {
		case SortCheapest:
			if pa.Price != pb.Price {
				return pa.Price < pb.Price
			}
		case SortMostExpensive:
			if pa.Price != pb.Price {
				return pa.Price > pb.Price
			}
		case SortLargest:
			if less, decided := compareCapacity(pa, pb, false); decided {
				return less
			}
		case SortSmallest:
			if less, decided := compareCapacity(pa, pb, true); decided {
				return less
			}
		}
		return pa.ID < pb.ID
	})
	return matches
}

// compareCapacity orders by capacity with unknowns last. decided is false
// when the pair ties and the id tie-break should apply.
func compareCapacity(a, b Product, ascending bool) (less, decided bool) {
	switch {
	case a.CapacityML == nil && b.CapacityML == nil:
		return false, false
	case a.CapacityML == nil:
		return false, true
	case b.CapacityML == nil:
		return true, true
	case *a.CapacityML == *b.CapacityML:
		return false, false
	case ascending:
		return *a.CapacityML < *b.CapacityML, true
	default:
		return *a.CapacityML > *b.CapacityML, true
	}
}

// FormatBlock renders matches for the language-model prompt, one product
// per line.
func FormatBlock(matches []Match) string {
	if len(matches) == 0 {
		return "No matching products found."
	}
	var b strings.Builder
	for n, m := range matches {
		if n > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("- %s (RM%.2f", m.Product.Name, m.Product.Price))
		if m.Product.CapacityML != nil {
			b.WriteString(fmt.Sprintf(", %dml", *m.Product.CapacityML))
		}
		b.WriteString(fmt.Sprintf(", similarity %.2f)", m.Score))
	}
	return b.String()
}
