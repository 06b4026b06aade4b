package ingest

import (
	"context"
	"fmt"

	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/ai"
	"github.com/suPer8Hu/pet-assistant/internal/chunker"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/vectorindex"
)

// Document is raw text to be indexed. OwnerID is empty for shared corpora.
type Document struct {
	ID       string
	Filename string
	Text     string
	OwnerID  string
}

// Ingestor writes a document's chunks into one namespace.
type Ingestor struct {
	index    vectorindex.Index
	embedder ai.Embedder
	chunker  *chunker.Chunker
	logger   *log.Logger
}

func NewIngestor(index vectorindex.Index, embedder ai.Embedder, c *chunker.Chunker, logger *log.Logger) *Ingestor {
	if c == nil {
		c = chunker.New()
	}
	return &Ingestor{index: index, embedder: embedder, chunker: c, logger: logging.OrDiscard(logger)}
}

// Ingest chunks and embeds doc, then replaces any chunks previously stored for
// the same document. Embeddings are computed before the old chunks are removed
// so a failed pass leaves the previous version searchable.
func (i *Ingestor) Ingest(ctx context.Context, namespace string, doc Document) (int, error) {
	chunks := i.chunker.Chunk(chunker.Source{DocumentID: doc.ID, Name: doc.Filename}, doc.Text)

	records := make([]vectorindex.Record, 0, len(chunks))
	for _, c := range chunks {
		emb, err := i.embedder.Embed(ctx, c.Text)
		if err != nil {
			return 0, fmt.Errorf("embed chunk %d of %s: %w", c.Index, doc.ID, err)
		}
		records = append(records, vectorindex.Record{
			Namespace: namespace,
			OwnerID:   doc.OwnerID,
			Chunk:     c,
			Embedding: emb,
		})
	}

	if err := i.index.DeleteDocument(ctx, namespace, doc.OwnerID, doc.ID); err != nil {
		return 0, fmt.Errorf("supersede %s: %w", doc.ID, err)
	}
	for _, rec := range records {
		if err := i.index.Upsert(ctx, rec); err != nil {
			return 0, fmt.Errorf("upsert chunk %d of %s: %w", rec.Chunk.Index, doc.ID, err)
		}
	}

	i.logger.Info().
		Str("namespace", namespace).
		Str("document_id", doc.ID).
		Str("owner_id", doc.OwnerID).
		Int("chunks", len(records)).
		Msg("document ingested")
	return len(records), nil
}
