// Package retrieval selects the chunks most relevant to a question.
// It fuses vector and lexical search into a hybrid candidate list, then
// optionally reranks by token overlap and diversifies with MMR.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/grounded/llm"
	"github.com/brunobiangulo/grounded/store"
)

// Weight of each signal in the hybrid score. The two searches are
// normalized to [0,1] before blending, so equal weights mean equal say.
const (
	weightVector  = 0.5
	weightLexical = 0.5
)

// Config holds retrieval tuning knobs.
type Config struct {
	MaxChunks        int     // final number of chunks returned
	RerankEnabled    bool    // apply the lexical reranker
	RerankCandidates int     // hybrid candidates kept before rerank/MMR
	SnippetChars     int     // snippet length used for rerank scoring
	MMREnabled       bool    // apply MMR diversification
	MMRLambda        float64 // MMR relevance/diversity trade-off
	MMRCandidates    int     // pool size considered by MMR
	PerSourceLimit   int     // per-source quota inside each search, 0 = off
}

// SearchOptions configures a single retrieval call.
type SearchOptions struct {
	SourceIDs []string // restrict to these sources; empty means all READY sources
}

// Candidate is a chunk with its retrieval scores. VecScore and LexScore
// are the normalized per-signal scores; Score is the blend, replaced by
// the rerank score when reranking runs.
type Candidate struct {
	Chunk    store.Chunk
	VecScore float64
	LexScore float64
	Score    float64
}

// Trace records the breakdown of one retrieval call.
type Trace struct {
	VecResults   int   `json:"vec_results"`
	LexResults   int   `json:"lex_results"`
	Fused        int   `json:"fused"`
	Reranked     bool  `json:"reranked"`
	Diversified  bool  `json:"diversified"`
	MaxRequested int   `json:"max_requested"`
	ElapsedMs    int64 `json:"elapsed_ms"`
}

// Engine performs hybrid retrieval over the store.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a retrieval engine.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 8
	}
	if cfg.RerankCandidates <= 0 {
		cfg.RerankCandidates = 30
	}
	if cfg.MMRCandidates <= 0 {
		cfg.MMRCandidates = cfg.RerankCandidates
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Retrieve returns up to MaxChunks candidates for the question, best
// first, along with a trace of the pipeline stages.
func (e *Engine) Retrieve(ctx context.Context, question string, opts SearchOptions) ([]Candidate, *Trace, error) {
	trace := &Trace{MaxRequested: e.cfg.MaxChunks}
	start := time.Now()

	embeddings, err := e.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, trace, fmt.Errorf("embedding question: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, trace, fmt.Errorf("empty embedding returned")
	}
	qvec := embeddings[0]

	fetch := e.cfg.RerankCandidates

	var vecResults, lexResults []store.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecResults, err = e.store.VectorSearch(gctx, qvec, fetch, opts.SourceIDs, e.cfg.PerSourceLimit)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		lexResults, err = e.store.FTSSearch(gctx, question, fetch, opts.SourceIDs, e.cfg.PerSourceLimit)
		if err != nil {
			return fmt.Errorf("fts search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, trace, err
	}
	trace.VecResults = len(vecResults)
	trace.LexResults = len(lexResults)

	candidates := fuse(vecResults, lexResults, fetch)
	trace.Fused = len(candidates)

	if e.cfg.RerankEnabled && len(candidates) > 1 {
		candidates = rerank(question, candidates, e.cfg.SnippetChars)
		trace.Reranked = true
	}

	if e.cfg.MMREnabled && len(candidates) > 1 {
		diversified, err := e.diversify(ctx, qvec, candidates)
		if err != nil {
			// Diversification is best effort; fall back to the ranked list.
			slog.Warn("retrieval: mmr diversification failed", "error", err)
		} else {
			candidates = diversified
			trace.Diversified = true
		}
	}

	if len(candidates) > e.cfg.MaxChunks {
		candidates = candidates[:e.cfg.MaxChunks]
	}

	trace.ElapsedMs = time.Since(start).Milliseconds()
	slog.Debug("retrieval: pipeline complete",
		"vec_results", trace.VecResults, "lex_results", trace.LexResults,
		"fused", trace.Fused, "returned", len(candidates),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return candidates, trace, nil
}

// fuse merges the two result lists by chunk id, min-max normalizes each
// signal, and blends with fixed weights. Ties break toward the stronger
// vector score, then by source id and chunk order so ranking is stable
// across runs.
func fuse(vecResults, lexResults []store.SearchResult, limit int) []Candidate {
	byID := map[string]*Candidate{}
	order := []string{}

	vecNorm := normalizeScores(vecResults)
	for i, r := range vecResults {
		c := &Candidate{Chunk: r.Chunk, VecScore: vecNorm[i]}
		byID[r.Chunk.ID] = c
		order = append(order, r.Chunk.ID)
	}

	lexNorm := normalizeScores(lexResults)
	for i, r := range lexResults {
		if c, ok := byID[r.Chunk.ID]; ok {
			c.LexScore = lexNorm[i]
			continue
		}
		c := &Candidate{Chunk: r.Chunk, LexScore: lexNorm[i]}
		byID[r.Chunk.ID] = c
		order = append(order, r.Chunk.ID)
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.Score = weightVector*c.VecScore + weightLexical*c.LexScore
		out = append(out, *c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].VecScore != out[j].VecScore {
			return out[i].VecScore > out[j].VecScore
		}
		if out[i].Chunk.SourceID != out[j].Chunk.SourceID {
			return out[i].Chunk.SourceID < out[j].Chunk.SourceID
		}
		return out[i].Chunk.Ord < out[j].Chunk.Ord
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// normalizeScores min-max scales a result list's scores into [0,1].
// A list with a single distinct score maps to all ones.
func normalizeScores(results []store.SearchResult) []float64 {
	out := make([]float64, len(results))
	if len(results) == 0 {
		return out
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	if max == min {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, r := range results {
		out[i] = (r.Score - min) / (max - min)
	}
	return out
}
