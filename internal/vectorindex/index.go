// Package vectorindex is the boundary to the similarity-search service that
// stores chunk embeddings. Embeddings are computed by the caller.
package vectorindex

import (
	"context"
	"errors"

	"github.com/suPer8Hu/pet-assistant/internal/chunker"
)

// ErrUnavailable means the index could not be reached or failed internally.
// It is distinct from an empty result so callers can degrade to answering
// without retrieved context.
var ErrUnavailable = errors.New("vector index unavailable")

// Record is one chunk embedding written under a namespace. OwnerID scopes user
// documents to their owner; shared corpora leave it empty.
type Record struct {
	Namespace string
	OwnerID   string
	Chunk     chunker.Chunk
	Embedding []float32
}

// Query asks for the TopK nearest chunks. An empty OwnerID searches shared records only.
type Query struct {
	Namespace string
	OwnerID   string
	Embedding []float32
	TopK      int
}

// Match is a retrieved chunk with its similarity score in [0,1].
type Match struct {
	Namespace string        `json:"namespace"`
	Chunk     chunker.Chunk `json:"chunk"`
	Score     float64       `json:"score"`
}

// Index stores and searches chunk embeddings.
type Index interface {
	Upsert(ctx context.Context, rec Record) error
	// Query returns matches ordered by descending score.
	Query(ctx context.Context, q Query) ([]Match, error)
	// DeleteDocument removes every chunk of a document so a re-ingestion can supersede it.
	DeleteDocument(ctx context.Context, namespace, ownerID, documentID string) error
}

const defaultTopK = 5

func normalizeTopK(k int) int {
	if k <= 0 {
		return defaultTopK
	}
	return k
}

// ClampScore maps a cosine similarity onto [0,1]; opposite vectors are simply irrelevant.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
