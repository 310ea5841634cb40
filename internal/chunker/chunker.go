package chunker

import (
	"fmt"
	"maps"
	"strings"
)

// Default chunking parameters, in whitespace tokens.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = DefaultChunkSize / 8
)

// Chunk is the unit stored in and retrieved from a session index: a bounded
// span of text plus caller-supplied metadata. Chunks are immutable once
// created and have no identity beyond their position in a session's index.
type Chunk struct {
	// Content is the chunk text, sentences joined by single spaces.
	Content string

	// Metadata carries source name, position, content type tag and any
	// extra fields. Each chunk holds its own copy.
	Metadata map[string]any
}

// Config holds chunking parameters.
type Config struct {
	// ChunkSize is the token budget per chunk.
	ChunkSize int

	// ChunkOverlap is the token budget carried over from the end of one
	// chunk into the start of the next.
	ChunkOverlap int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = c.ChunkSize / 8
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap must be non-negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Chunker packs sentences into overlapping token-bounded chunks.
type Chunker struct {
	config Config
}

// New creates a Chunker with the given configuration.
func New(config Config) (*Chunker, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Chunker{config: config}, nil
}

// Chunk splits text into ordered overlapping chunks.
//
// Sentences accumulate into a buffer until appending the next one would
// exceed the chunk size; the buffer is then emitted and the next buffer is
// seeded with a trailing subset of the emitted sentences whose cumulative
// token count fits the overlap budget. A single sentence larger than the
// chunk size is emitted as its own chunk rather than split mid-sentence.
//
// Empty or whitespace-only input yields no chunks. Every chunk carries its
// own copy of metadata.
func (c *Chunker) Chunk(text string, metadata map[string]any) []Chunk {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var buf []string
	bufTokens := 0

	emit := func() {
		chunks = append(chunks, Chunk{
			Content:  strings.Join(buf, " "),
			Metadata: maps.Clone(metadata),
		})
	}

	for _, sentence := range sentences {
		n := TokenCount(sentence)

		// Oversized sentence: flush the buffer, emit the sentence alone.
		// No overlap can be carried out of it since it already exceeds
		// the overlap budget.
		if n > c.config.ChunkSize {
			if len(buf) > 0 {
				emit()
			}
			buf, bufTokens = []string{sentence}, n
			emit()
			buf, bufTokens = nil, 0
			continue
		}

		if bufTokens+n > c.config.ChunkSize && len(buf) > 0 {
			emit()
			// The seeded buffer must leave room for the sentence that
			// triggered the overflow, so the tail budget is capped at
			// whatever the chunk size leaves over.
			budget := c.config.ChunkOverlap
			if room := c.config.ChunkSize - n; room < budget {
				budget = room
			}
			buf, bufTokens = overlapTail(buf, budget)
		}

		buf = append(buf, sentence)
		bufTokens += n
	}

	if len(buf) > 0 {
		emit()
	}

	return chunks
}

// overlapTail returns the longest suffix of sentences, in original order,
// whose cumulative token count does not exceed budget.
func overlapTail(sentences []string, budget int) ([]string, int) {
	total := 0
	i := len(sentences)
	for i > 0 {
		n := TokenCount(sentences[i-1])
		if total+n > budget {
			break
		}
		total += n
		i--
	}
	return append([]string(nil), sentences[i:]...), total
}
