// Package rerank filters and orders retrieval results by relevance.
// The current implementation is threshold filtering plus a stable sort;
// the ProcessResults signature keeps the query so a learned reranker
// can slot in without changing callers.
package rerank

import (
	"sort"

	"github.com/haasonsaas/parley/internal/rag/index"
)

// Relevance thresholds. Cosine scores over TF-IDF vectors are
// non-negative, so None passes everything.
const (
	Strict   = 0.5
	Moderate = 0.3
	Relaxed  = 0.1
	None     = 0.0
)

// FilterByRelevance keeps results with Score >= minRelevance.
func FilterByRelevance(results []index.SearchResult, minRelevance float64) []index.SearchResult {
	filtered := make([]index.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= minRelevance {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// ProcessResults filters by minRelevance and, when rerank is enabled,
// stable-sorts the survivors by descending score.
func ProcessResults(query string, results []index.SearchResult, minRelevance float64, enableRerank bool) []index.SearchResult {
	processed := FilterByRelevance(results, minRelevance)
	if enableRerank {
		sort.SliceStable(processed, func(i, j int) bool {
			return processed[i].Score > processed[j].Score
		})
	}
	return processed
}
