// Package ingest moves uploaded sources through the
// UPLOADED -> PROCESSING -> READY|FAILED lifecycle: extract, normalize,
// chunk, embed, index. Work runs on a bounded worker pool with retries
// for transient failures.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/grounded/chunker"
	"github.com/brunobiangulo/grounded/extract"
	"github.com/brunobiangulo/grounded/llm"
	"github.com/brunobiangulo/grounded/store"
)

// ErrConflict is returned when a source is already being processed.
var ErrConflict = errors.New("ingest: source is already processing")

// maxErrorChars caps the error text stored on a FAILED source.
const maxErrorChars = 500

// maxEmbedChars is the maximum character length for a single text sent
// to the embedding model, leaving headroom under common 8192-token
// context windows.
const maxEmbedChars = 24000

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// Pipeline runs the ingestion stages for one source.
type Pipeline struct {
	store      *store.Store
	extractors *extract.Registry
	splitter   *chunker.Chunker
	embedder   llm.Provider
	limits     extract.Limits
	batchSize  int
}

// NewPipeline assembles an ingestion pipeline.
func NewPipeline(s *store.Store, extractors *extract.Registry, splitter *chunker.Chunker, embedder llm.Provider, limits extract.Limits, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Pipeline{
		store:      s,
		extractors: extractors,
		splitter:   splitter,
		embedder:   embedder,
		limits:     limits,
		batchSize:  batchSize,
	}
}

// Run processes one source end to end. The PROCESSING transition doubles
// as the idempotency gate: a source already in PROCESSING yields
// ErrConflict instead of duplicate work.
func (p *Pipeline) Run(ctx context.Context, sourceID string) error {
	if err := p.store.SetSourceStatus(ctx, sourceID, store.StatusProcessing, ""); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			return fmt.Errorf("%w: %s", ErrConflict, sourceID)
		}
		return err
	}
	return p.Resume(ctx, sourceID)
}

// Resume re-runs the work for a source already in PROCESSING; the pool
// uses it between retry attempts. Permanent errors mark the source
// FAILED; transient errors leave it PROCESSING so the next attempt can
// pick it up.
func (p *Pipeline) Resume(ctx context.Context, sourceID string) error {
	err := p.process(ctx, sourceID)
	if err != nil && !isTransient(err) {
		p.MarkFailed(ctx, sourceID, err)
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, sourceID string) error {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}

	start := time.Now()
	slog.Info("ingest: extracting source", "source_id", sourceID, "name", src.Name, "type", src.Type)

	doc, err := p.extractors.Extract(ctx, src.Type, extract.Request{
		Path:   src.PayloadPath,
		Limits: p.limits,
	})
	if err != nil {
		return fmt.Errorf("extracting: %w", err)
	}

	pages := make([]chunker.Page, 0, len(doc.Pages))
	for _, pg := range doc.Pages {
		pages = append(pages, chunker.Page{Number: pg.Number, Text: chunker.Normalize(pg.Text)})
	}
	chunks := p.splitter.Split(pages, doc.SectionsByPage)
	if len(chunks) == 0 {
		return errors.New("no indexable text after cleaning")
	}
	slog.Info("ingest: chunking complete",
		"source_id", sourceID, "pages", len(pages), "chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))

	stored, err := p.embedChunks(ctx, sourceID, chunks)
	if err != nil {
		return err
	}

	if err := p.store.ReplaceChunks(ctx, sourceID, stored); err != nil {
		return markTransient(fmt.Errorf("indexing chunks: %w", err))
	}

	if err := p.store.SetSourceStatus(ctx, sourceID, store.StatusReady, ""); err != nil {
		return err
	}
	slog.Info("ingest: source ready",
		"source_id", sourceID, "chunks", len(stored),
		"total_elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// embedChunks embeds the chunk texts in batches and pairs each chunk
// with its vector and a fresh id.
func (p *Pipeline) embedChunks(ctx context.Context, sourceID string, chunks []chunker.Chunk) ([]store.Chunk, error) {
	embedStart := time.Now()
	out := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = store.Chunk{
			ID:          uuid.NewString(),
			SourceID:    sourceID,
			Ord:         c.Index,
			Text:        c.Text,
			CharStart:   c.CharStart,
			CharEnd:     c.CharEnd,
			PageStart:   c.PageStart,
			PageEnd:     c.PageEnd,
			SectionPath: strings.Join(c.SectionPath, " > "),
		}
	}

	for i := 0; i < len(chunks); i += p.batchSize {
		end := i + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = truncateForEmbed(chunks[j].Text)
		}

		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, markTransient(fmt.Errorf("embedding batch %d-%d: %w", i, end, err))
		}
		if len(embeddings) != len(texts) {
			return nil, fmt.Errorf("embedding batch %d-%d: got %d vectors for %d texts", i, end, len(embeddings), len(texts))
		}
		for j, emb := range embeddings {
			out[i+j].Embedding = emb
		}
	}

	slog.Info("ingest: embeddings complete",
		"source_id", sourceID, "chunks", len(chunks),
		"elapsed", time.Since(embedStart).Round(time.Millisecond))
	return out, nil
}

// MarkFailed records a terminal failure with a truncated error message.
// The pool calls it once retries are exhausted.
func (p *Pipeline) MarkFailed(ctx context.Context, sourceID string, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorChars {
		msg = msg[:maxErrorChars]
	}
	if err := p.store.SetSourceStatus(ctx, sourceID, store.StatusFailed, msg); err != nil {
		slog.Error("ingest: recording failure", "source_id", sourceID, "error", err)
	}
}

// truncateForEmbed truncates text on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}
