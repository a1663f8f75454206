// Package index holds the process-wide TF-IDF document index: an
// in-memory entry table with cosine search and JSON persistence.
// Searches run concurrently; rebuilds, clears, and loads take the
// write lock.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/rag/chunker"
	"github.com/haasonsaas/parley/internal/rag/embed"
)

// DefaultTopK is used when a search does not specify a result limit.
const DefaultTopK = 5

// ErrModelMissing is returned by Search when the index was loaded from
// a file that predates model persistence. Entries are present but new
// queries cannot be embedded until a re-index.
var ErrModelMissing = errors.New("index: no embedding model, re-index required")

// Entry is one indexed chunk with its embedding.
type Entry struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

// SearchResult is one scored hit.
type SearchResult struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Info describes the current index state.
type Info struct {
	TotalDocuments  int       `json:"totalDocuments"`
	VectorDimension int       `json:"vectorDimension"`
	CreatedAt       time.Time `json:"createdAt"`
	Stale           bool      `json:"stale"`
}

// Index is the shared document index.
type Index struct {
	mu         sync.RWMutex
	entries    []Entry
	vectorizer *embed.Vectorizer
	createdAt  time.Time
	stale      bool
	metrics    *observability.Metrics
}

// New creates an empty index.
func New() *Index {
	return &Index{}
}

// WithMetrics attaches Prometheus collectors. Optional.
func (idx *Index) WithMetrics(m *observability.Metrics) *Index {
	idx.metrics = m
	return idx
}

// IndexChunks fits a fresh vectorizer on the chunk contents, embeds
// every chunk, and replaces the previous entries. Returns the number
// of entries indexed.
func (idx *Index) IndexChunks(chunks []chunker.Chunk) int {
	contents := make([]string, len(chunks))
	for i, ch := range chunks {
		contents[i] = ch.Content
	}

	v := embed.NewVectorizer()
	v.Fit(contents)

	entries := make([]Entry, 0, len(chunks))
	for _, ch := range chunks {
		entries = append(entries, Entry{
			ID:        ch.ID,
			Source:    ch.Source,
			Content:   ch.Content,
			Embedding: v.Embed(ch.Content),
		})
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = entries
	idx.vectorizer = v
	idx.createdAt = time.Now()
	idx.stale = false
	idx.observe()
	return len(entries)
}

// Search embeds the query, scores every entry, filters by minRelevance
// when present (score >= threshold), and returns the topK best hits in
// descending score order. Ties keep insertion order.
func (idx *Index) Search(query string, topK int, minRelevance *float64) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return nil, nil
	}
	if idx.vectorizer == nil {
		idx.countSearch("error")
		return nil, ErrModelMissing
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	qvec := idx.vectorizer.Embed(query)

	results := make([]SearchResult, 0, len(idx.entries))
	for _, e := range idx.entries {
		score, err := embed.Cosine(qvec, e.Embedding)
		if err != nil {
			idx.countSearch("error")
			return nil, fmt.Errorf("score entry %s: %w", e.ID, err)
		}
		if minRelevance != nil && score < *minRelevance {
			continue
		}
		results = append(results, SearchResult{
			ID:      e.ID,
			Source:  e.Source,
			Content: e.Content,
			Score:   score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	idx.countSearch("success")
	return results, nil
}

// Clear empties the index.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = nil
	idx.vectorizer = nil
	idx.createdAt = time.Time{}
	idx.stale = false
	idx.observe()
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// MarkStale flags that indexed documents changed after the last build.
func (idx *Index) MarkStale() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.stale = true
	idx.observe()
}

// Info reports the current size, dimension, build time, and staleness.
func (idx *Index) Info() Info {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Info{
		TotalDocuments:  len(idx.entries),
		VectorDimension: idx.dimension(),
		CreatedAt:       idx.createdAt,
		Stale:           idx.stale,
	}
}

// fileFormat is the persisted index document.
type fileFormat struct {
	Entries         []Entry      `json:"entries"`
	VectorDimension int          `json:"vectorDimension"`
	TotalDocuments  int          `json:"totalDocuments"`
	CreatedAt       time.Time    `json:"createdAt"`
	Model           *embed.Model `json:"model,omitempty"`
}

// Save writes the index to path atomically (temp file + rename).
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	file := fileFormat{
		Entries:         idx.entries,
		VectorDimension: idx.dimension(),
		TotalDocuments:  len(idx.entries),
		CreatedAt:       idx.createdAt,
	}
	if idx.vectorizer != nil {
		m := idx.vectorizer.Model()
		file.Model = &m
	}
	idx.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// Load replaces the index contents from a persisted file. Files written
// before model persistence load their entries, but Search fails with
// ErrModelMissing until the next IndexChunks.
func (idx *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = file.Entries
	if file.Model != nil {
		idx.vectorizer = embed.FromModel(*file.Model)
	} else {
		idx.vectorizer = nil
	}
	idx.createdAt = file.CreatedAt
	idx.stale = false
	idx.observe()
	return nil
}

// dimension reports the vector length. Callers hold mu.
func (idx *Index) dimension() int {
	if idx.vectorizer != nil {
		return idx.vectorizer.Dimension()
	}
	if len(idx.entries) > 0 {
		return len(idx.entries[0].Embedding)
	}
	return 0
}

// observe refreshes the index gauges. Callers hold mu.
func (idx *Index) observe() {
	if idx.metrics == nil {
		return
	}
	idx.metrics.RAGIndexEntries.Set(float64(len(idx.entries)))
	if idx.stale {
		idx.metrics.RAGIndexStale.Set(1)
	} else {
		idx.metrics.RAGIndexStale.Set(0)
	}
}

func (idx *Index) countSearch(status string) {
	if idx.metrics == nil {
		return
	}
	idx.metrics.RAGSearchCounter.WithLabelValues(status).Inc()
}
