// Package chunker splits documents into overlapping character windows
// sized for TF-IDF embedding and retrieval.
package chunker

import (
	"strings"

	"github.com/google/uuid"
)

// Config contains chunking parameters.
type Config struct {
	// ChunkSize is the window size in characters.
	// Default: 500
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the number of characters shared by consecutive
	// windows. Default: 50
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// DefaultConfig returns the default chunking parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    500,
		ChunkOverlap: 50,
	}
}

// Chunk is one window of a source document.
type Chunk struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Chunker produces fixed-size overlapping windows. Sizes are measured
// in runes so Cyrillic text chunks the same as Latin.
type Chunker struct {
	config Config
}

// New creates a chunker, sanitizing out-of-range configuration.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultConfig().ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	return &Chunker{config: cfg}
}

// Split cuts text into windows of ChunkSize runes, each window starting
// ChunkSize-ChunkOverlap runes after the previous one. Windows that are
// blank after trimming are dropped.
func (c *Chunker) Split(source, text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	step := c.config.ChunkSize - c.config.ChunkOverlap

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + c.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			chunks = append(chunks, Chunk{
				ID:      uuid.New().String(),
				Source:  source,
				Content: content,
			})
		}

		if end == len(runes) {
			break
		}
	}
	return chunks
}
