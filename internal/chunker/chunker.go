// Package chunker splits document text into overlapping windows for embedding.
//
// Windows are measured in runes. Every window except the last tries to end on a
// sentence terminator, a newline or whitespace, as long as the window keeps at
// least half of the configured size. Offsets always point into the original text,
// so chunks can be traced back and the document rebuilt from them.
package chunker

import (
	"errors"
	"strings"
	"unicode"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultOverlap is the default number of characters shared by consecutive chunks.
const DefaultOverlap = 200

// ErrInvalidWindow is returned when the window would never advance.
var ErrInvalidWindow = errors.New("chunker: chunk size must be positive and overlap smaller than chunk size")

// Chunk is one window of a source document. Chunks are immutable once produced;
// re-ingesting a document produces a new set that supersedes the old one.
type Chunk struct {
	Text             string `json:"text"`
	Index            int    `json:"index"`
	StartOffset      int    `json:"start_offset"`
	EndOffset        int    `json:"end_offset"`
	SourceDocumentID string `json:"source_document_id"`
	SourceName       string `json:"source_name"`
}

// Source identifies the document being chunked.
type Source struct {
	DocumentID string
	Name       string
}

// Split cuts text into windows of chunkSize runes, each starting overlap runes
// before the end of the previous one. Empty or whitespace-only text yields no chunks.
func Split(text string, src Source, chunkSize, overlap int) ([]Chunk, error) {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return nil, ErrInvalidWindow
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)
	n := len(runes)

	chunks := make([]Chunk, 0, estimate(n, chunkSize, overlap))
	start := 0
	for {
		end := start + chunkSize
		last := end >= n
		if last {
			end = n
		} else if snapped := snap(runes, start, end, chunkSize); snapped-overlap > start {
			// a snap so far back that the next window would not move is dropped
			end = snapped
		}

		chunks = append(chunks, Chunk{
			Text:             string(runes[start:end]),
			Index:            len(chunks),
			StartOffset:      start,
			EndOffset:        end,
			SourceDocumentID: src.DocumentID,
			SourceName:       src.Name,
		})

		if last {
			return chunks, nil
		}
		start = end - overlap
	}
}

// snap moves end backward to a natural break. Sentence ends and newlines win over
// plain whitespace; no break inside the first half of the window is accepted.
func snap(runes []rune, start, end, chunkSize int) int {
	floor := start + (chunkSize+1)/2

	for p := end; p >= floor; p-- {
		if isSentenceBreak(runes, p) {
			return p
		}
	}
	for p := end; p >= floor; p-- {
		if unicode.IsSpace(runes[p-1]) {
			return p
		}
	}
	return end
}

// isSentenceBreak reports whether a window ending at p ends after a newline or
// after a terminator that is followed by whitespace (or the end of text).
func isSentenceBreak(runes []rune, p int) bool {
	r := runes[p-1]
	if r == '\n' {
		return true
	}
	if r != '.' && r != '!' && r != '?' {
		return false
	}
	return p == len(runes) || unicode.IsSpace(runes[p])
}

func estimate(n, chunkSize, overlap int) int {
	if n <= chunkSize {
		return 1
	}
	step := chunkSize - overlap
	return (n-overlap+step-1)/step + 1
}

// Chunker holds a validated window configuration.
type Chunker struct {
	chunkSize int
	overlap   int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the window size in characters. Non-positive values are ignored.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap in characters. Negative values are ignored.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New returns a Chunker. An overlap that would stall the window is reduced to a quarter of the size.
func New(opts ...Option) *Chunker {
	c := &Chunker{chunkSize: DefaultChunkSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

func (c *Chunker) ChunkSize() int { return c.chunkSize }
func (c *Chunker) Overlap() int   { return c.overlap }

// Chunk splits text with the configured window. The configuration is always valid,
// so the only possible outcome besides chunks is an empty result.
func (c *Chunker) Chunk(src Source, text string) []Chunk {
	chunks, _ := Split(text, src, c.chunkSize, c.overlap)
	return chunks
}
