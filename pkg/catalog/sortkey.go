package catalog

import "strings"

// SortKey selects a deterministic secondary ordering for search results.
type SortKey string

const (
	SortNone          SortKey = ""
	SortCheapest      SortKey = "cheapest"
	SortMostExpensive SortKey = "most_expensive"
	SortLargest       SortKey = "largest"
	SortSmallest      SortKey = "smallest"
)

// sortPhrases maps query phrases to sort keys. Order matters: the first
// matching phrase wins, so a query mixing phrases from several sets
// resolves to the earliest set (cheapest, then most expensive, then
// largest, then smallest).
var sortPhrases = []struct {
	phrase string
	key    SortKey
}{
	{"cheapest", SortCheapest},
	{"lowest price", SortCheapest},
	{"budget", SortCheapest},
	{"most expensive", SortMostExpensive},
	{"premium", SortMostExpensive},
	{"highest price", SortMostExpensive},
	{"largest", SortLargest},
	{"biggest", SortLargest},
	{"most capacity", SortLargest},
	{"smallest", SortSmallest},
	{"smallest capacity", SortSmallest},
}

// DetectSortKey scans a query for a sort phrase. First match wins; no
// match means no re-sort.
func DetectSortKey(query string) SortKey {
	lower := strings.ToLower(query)
	for _, sp := range sortPhrases {
		if strings.Contains(lower, sp.phrase) {
			return sp.key
		}
	}
	return SortNone
}
