package vectorindex

import (
	"context"

	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/logging"
)

// Disabled stands in when no index is configured. Writes are dry runs and
// queries always return no matches, so retrieval stays best-effort.
type Disabled struct {
	logger *log.Logger
}

func NewDisabled(logger *log.Logger) *Disabled {
	return &Disabled{logger: logging.OrDiscard(logger)}
}

func (d *Disabled) Upsert(ctx context.Context, rec Record) error {
	d.logger.Debug().
		Str("namespace", rec.Namespace).
		Str("document_id", rec.Chunk.SourceDocumentID).
		Int("chunk_index", rec.Chunk.Index).
		Msg("vector index disabled, dry-run upsert")
	return nil
}

func (d *Disabled) Query(ctx context.Context, q Query) ([]Match, error) {
	return nil, nil
}

func (d *Disabled) DeleteDocument(ctx context.Context, namespace, ownerID, documentID string) error {
	return nil
}
