// Package retrieval builds the bounded context handed to the assistant for one
// chat turn. Retrieval is best effort: every failure degrades to an answer
// without context.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/ai"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/vectorindex"
)

type SkipReason string

const (
	SkipEmptyQuery       SkipReason = "empty_query"
	SkipEmbeddingFailed  SkipReason = "embedding_failed"
	SkipIndexUnavailable SkipReason = "index_unavailable"
	SkipNoMatches        SkipReason = "no_matches"
	SkipBelowFloor       SkipReason = "below_relevance_floor"
	SkipOverBudget       SkipReason = "over_token_budget"
)

type Options struct {
	TopK           int
	RelevanceFloor float64
	// TokenBudget caps the total tokens of kept passages; 0 means no cap.
	TokenBudget int
}

func DefaultOptions() Options {
	return Options{TopK: 5, RelevanceFloor: 0.35, TokenBudget: 1500}
}

type Passage struct {
	Namespace  string  `json:"namespace"`
	DocumentID string  `json:"document_id"`
	SourceName string  `json:"source_name"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Context is the outcome of a retrieval. Skipped is set with a Reason when no
// passage survived.
type Context struct {
	Passages []Passage  `json:"passages"`
	Skipped  bool       `json:"skipped"`
	Reason   SkipReason `json:"reason,omitempty"`
	Tokens   int        `json:"tokens"`
}

func skipped(reason SkipReason) Context {
	return Context{Skipped: true, Reason: reason}
}

// SystemPrompt renders passages as a system message, or "" when skipped.
func (c Context) SystemPrompt() string {
	if c.Skipped || len(c.Passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Use the following reference material when it is relevant to the question. ")
	b.WriteString("If it does not help, answer from general pet-care knowledge.\n")
	for i, p := range c.Passages {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, p.SourceName, p.Text)
	}
	return b.String()
}

type Retriever struct {
	index    vectorindex.Index
	embedder ai.Embedder
	ns       vectorindex.Namespaces
	opts     Options
	tokens   TokenCounter
	logger   *log.Logger
}

func New(index vectorindex.Index, embedder ai.Embedder, ns vectorindex.Namespaces, opts Options, tokens TokenCounter, logger *log.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if tokens == nil {
		tokens = ApproxCounter{}
	}
	return &Retriever{index: index, embedder: embedder, ns: ns, opts: opts, tokens: tokens, logger: logging.OrDiscard(logger)}
}

// Retrieve searches the user's own documents and the shared book corpus, merges
// the results by score and applies the relevance floor and token budget.
func (r *Retriever) Retrieve(ctx context.Context, userID uint64, query string) Context {
	query = strings.TrimSpace(query)
	if query == "" {
		return skipped(SkipEmptyQuery)
	}

	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn().Err(err).Uint64("user_id", userID).Msg("query embedding failed, answering without context")
		return skipped(SkipEmbeddingFailed)
	}

	queries := []vectorindex.Query{
		{Namespace: r.ns.UserDocument, OwnerID: strconv.FormatUint(userID, 10), Embedding: emb, TopK: r.opts.TopK},
		{Namespace: r.ns.BookContent, Embedding: emb, TopK: r.opts.TopK},
	}

	var (
		matches  []vectorindex.Match
		failures int
	)
	for _, q := range queries {
		ms, err := r.index.Query(ctx, q)
		if err != nil {
			failures++
			ev := r.logger.Warn()
			if !errors.Is(err, vectorindex.ErrUnavailable) {
				ev = r.logger.Error()
			}
			ev.Err(err).Str("namespace", q.Namespace).Uint64("user_id", userID).Msg("vector query failed")
			continue
		}
		matches = append(matches, ms...)
	}
	if failures == len(queries) {
		return skipped(SkipIndexUnavailable)
	}
	if len(matches) == 0 {
		return skipped(SkipNoMatches)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	var (
		out        Context
		overBudget bool
	)
	for _, m := range matches {
		if len(out.Passages) == r.opts.TopK {
			break
		}
		if m.Score < r.opts.RelevanceFloor {
			break
		}
		n := r.tokens.Count(m.Chunk.Text)
		if r.opts.TokenBudget > 0 && out.Tokens+n > r.opts.TokenBudget {
			overBudget = true
			continue
		}
		out.Tokens += n
		out.Passages = append(out.Passages, Passage{
			Namespace:  m.Namespace,
			DocumentID: m.Chunk.SourceDocumentID,
			SourceName: m.Chunk.SourceName,
			ChunkIndex: m.Chunk.Index,
			Text:       m.Chunk.Text,
			Score:      m.Score,
		})
	}
	if len(out.Passages) == 0 {
		if overBudget {
			return skipped(SkipOverBudget)
		}
		return skipped(SkipBelowFloor)
	}

	r.logger.Debug().Uint64("user_id", userID).Int("passages", len(out.Passages)).Int("tokens", out.Tokens).Float64("top_score", out.Passages[0].Score).Msg("context retrieved")
	return out
}
