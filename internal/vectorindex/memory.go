package vectorindex

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process index using brute-force cosine similarity. It backs
// local development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]memEntry // by namespace
}

type memEntry struct {
	ownerID   string
	rec       Record
	embedding []float32
	norm      float64
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]memEntry)}
}

func (m *Memory) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Embedding) == 0 {
		return errors.New("memory index: empty embedding")
	}
	e := memEntry{
		ownerID:   rec.OwnerID,
		rec:       rec,
		embedding: append([]float32(nil), rec.Embedding...),
		norm:      norm(rec.Embedding),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[rec.Namespace]
	for i := range list {
		if sameChunk(list[i], e) {
			list[i] = e
			return nil
		}
	}
	m.entries[rec.Namespace] = append(list, e)
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Match, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}
	qn := norm(q.Embedding)

	m.mu.RLock()
	out := make([]Match, 0)
	for _, e := range m.entries[q.Namespace] {
		if e.ownerID != q.OwnerID {
			continue
		}
		out = append(out, Match{
			Namespace: q.Namespace,
			Chunk:     e.rec.Chunk,
			Score:     ClampScore(cosine(e.embedding, e.norm, q.Embedding, qn)),
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k := normalizeTopK(q.TopK); len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) DeleteDocument(ctx context.Context, namespace, ownerID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[namespace]
	kept := list[:0]
	for _, e := range list {
		if e.ownerID == ownerID && e.rec.Chunk.SourceDocumentID == documentID {
			continue
		}
		kept = append(kept, e)
	}
	m.entries[namespace] = kept
	return nil
}

// Len reports how many records a namespace holds.
func (m *Memory) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[namespace])
}

func sameChunk(a, b memEntry) bool {
	return a.ownerID == b.ownerID &&
		a.rec.Chunk.SourceDocumentID == b.rec.Chunk.SourceDocumentID &&
		a.rec.Chunk.Index == b.rec.Chunk.Index
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
