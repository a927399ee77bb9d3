// Package grounded answers questions from uploaded documents with
// verifiable citations. Sources move through an async ingestion
// lifecycle (extract, chunk, embed, index); queries run hybrid
// retrieval and grounded synthesis, optionally followed by claim-level
// verification against the cited chunks.
package grounded

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/grounded/answer"
	"github.com/brunobiangulo/grounded/chunker"
	"github.com/brunobiangulo/grounded/extract"
	"github.com/brunobiangulo/grounded/ingest"
	"github.com/brunobiangulo/grounded/llm"
	"github.com/brunobiangulo/grounded/retrieval"
	"github.com/brunobiangulo/grounded/store"
	"github.com/brunobiangulo/grounded/verify"
)

// Query modes.
const (
	ModeStandard = "standard"
	ModeVerified = "verified"
)

// Source is an uploaded document and its ingestion state.
type Source struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"source_type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SourcePage is one page of a source listing.
type SourcePage struct {
	Sources []Source `json:"sources"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// CreateSourceRequest describes an upload. For url sources the payload
// is the URL itself; for pdf/text/xlsx it's the file content.
type CreateSourceRequest struct {
	Name    string
	Type    string
	Payload io.Reader
}

// QueryResult is the full outcome of a question, as stored and as
// returned to callers.
type QueryResult struct {
	AnswerID       string               `json:"answer_id"`
	Question       string               `json:"question"`
	Mode           string               `json:"query_mode"`
	Answer         string               `json:"answer"`
	Style          string               `json:"answer_style"`
	Citations      []answer.Citation    `json:"citations"`
	CitationsCount int                  `json:"citations_count"`
	RawCitations   *RawCitations        `json:"raw_citations,omitempty"`
	Groups         []answer.SourceGroup `json:"source_groups,omitempty"`
	FollowUps      []string             `json:"follow_up_questions,omitempty"`
	Claims         []verify.Claim       `json:"claims,omitempty"`
	Summary        *verify.Summary      `json:"verification_summary,omitempty"`
	ModelUsed      string               `json:"model_used,omitempty"`
	Cached         bool                 `json:"cached,omitempty"`
	CreatedAt      time.Time            `json:"created_at,omitempty"`
}

// RawCitations preserves the chunk ids the model cited before
// validation dropped unknown or duplicate ids.
type RawCitations struct {
	IDs []string `json:"ids"`
}

func rawCitations(ids []string) *RawCitations {
	if ids == nil {
		return nil
	}
	return &RawCitations{IDs: ids}
}

// QueryOption configures a single query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	sourceIDs      []string
	verified       bool
	highlights     bool
	grouped        bool
	idempotencyKey string
	rerank         *bool
}

// WithSources restricts retrieval to the given source ids.
func WithSources(ids []string) QueryOption {
	return func(o *queryOptions) { o.sourceIDs = ids }
}

// WithVerification enables claim-level verification of the answer.
func WithVerification() QueryOption {
	return func(o *queryOptions) { o.verified = true }
}

// WithHighlights adds evidence highlight spans to verified claims.
func WithHighlights() QueryOption {
	return func(o *queryOptions) { o.highlights = true }
}

// WithGrouping adds citations grouped by source to the result.
func WithGrouping() QueryOption {
	return func(o *queryOptions) { o.grouped = true }
}

// WithIdempotencyKey makes repeated queries under the same key return
// the first stored answer instead of recomputing.
func WithIdempotencyKey(key string) QueryOption {
	return func(o *queryOptions) { o.idempotencyKey = key }
}

// WithRerank overrides the configured rerank setting for this query.
func WithRerank(enabled bool) QueryOption {
	return func(o *queryOptions) { o.rerank = &enabled }
}

// Engine wires the whole pipeline together.
type Engine struct {
	cfg        Config
	store      *store.Store
	provider   llm.Provider
	extractors *extract.Registry
	synth      *answer.Synthesizer
	pool       *ingest.Pool

	// idemLocks serializes concurrent queries sharing an idempotency
	// key within this process. Entries are dropped once the last
	// holder releases them.
	idemLocks sync.Map // key -> *idemLock
}

// idemLock is a per-key mutex with a holder count so the map entry can
// be evicted when it goes idle.
type idemLock struct {
	mu   sync.Mutex
	refs atomic.Int32
}

func (e *Engine) lockIdemKey(key string) *idemLock {
	for {
		v, _ := e.idemLocks.LoadOrStore(key, &idemLock{})
		l := v.(*idemLock)
		l.refs.Add(1)
		if cur, ok := e.idemLocks.Load(key); ok && cur == v {
			l.mu.Lock()
			return l
		}
		// Lost a race with eviction; take a fresh entry.
		l.refs.Add(-1)
	}
}

func (e *Engine) unlockIdemKey(key string, l *idemLock) {
	l.mu.Unlock()
	if l.refs.Add(-1) == 0 {
		e.idemLocks.CompareAndDelete(key, l)
	}
}

// New builds an engine from the configuration and starts the ingestion
// workers.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}

	s, err := store.New(cfg.DBPath, cfg.EmbedDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	provider, err := llm.NewProvider(llm.Config{
		Provider:   cfg.Provider,
		Model:      cfg.OpenAIModel,
		EmbedModel: cfg.OpenAIEmbedModel,
		BaseURL:    cfg.OpenAIBaseURL,
		APIKey:     cfg.OpenAIAPIKey,
		EmbedDim:   cfg.EmbedDim,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}

	extractors := extract.NewRegistry()
	splitter := chunker.New(chunker.Config{
		TargetChars:  cfg.ChunkCharTarget,
		OverlapChars: cfg.ChunkCharOverlap,
	})

	pipeline := ingest.NewPipeline(s, extractors, splitter, provider, extract.Limits{
		MaxPDFBytes:  cfg.MaxPDFBytes,
		MaxPDFPages:  cfg.MaxPDFPages,
		MaxURLBytes:  cfg.MaxURLBytes,
		MaxTextBytes: cfg.MaxTextBytes,
		URLAllowlist: cfg.URLAllowlist,
	}, cfg.EmbedBatchSize)

	pool := ingest.NewPool(pipeline, ingest.PoolConfig{
		Concurrency:   cfg.WorkerConcurrency,
		QueueDepth:    cfg.WorkerQueueDepth,
		MaxRetries:    cfg.WorkerMaxRetries,
		SoftTimeLimit: cfg.WorkerTaskSoftTimeLimit,
		HardTimeLimit: cfg.WorkerTaskTimeLimit,
	})
	pool.Start(context.Background())

	return &Engine{
		cfg:        cfg,
		store:      s,
		provider:   provider,
		extractors: extractors,
		synth:      answer.New(provider, answer.Config{SnippetChars: cfg.RerankSnippetChars, Debug: cfg.Debug}),
		pool:       pool,
	}, nil
}

// Close drains the ingestion workers and closes the store.
func (e *Engine) Close() error {
	e.pool.Stop()
	return e.store.Close()
}

// Store exposes the underlying store for diagnostic access.
func (e *Engine) Store() *store.Store { return e.store }

// Ping reports whether the engine's dependencies are reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// CreateSource stores the payload, registers the source as UPLOADED,
// and queues it for ingestion. Oversized payloads and blocked URL
// hosts are rejected here, before any row or file survives.
func (e *Engine) CreateSource(ctx context.Context, req CreateSourceRequest) (*Source, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !e.extractors.Supported(req.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Type)
	}

	limit := e.payloadLimit(req.Type)
	payload := io.Reader(req.Payload)
	if req.Type == "url" {
		raw, err := io.ReadAll(io.LimitReader(req.Payload, limit+1))
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		if int64(len(raw)) > limit {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrTooLarge, limit)
		}
		if _, err := extract.CheckURLHost(string(raw), e.cfg.URLAllowlist); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrURLBlocked, err)
		}
		payload = bytes.NewReader(raw)
	}

	id := uuid.NewString()
	path := filepath.Join(e.cfg.StorageRoot, id+extract.FileExt(req.Type))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("storing payload: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(payload, limit+1))
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("storing payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("storing payload: %w", err)
	}
	if written > limit {
		os.Remove(path)
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrTooLarge, limit)
	}

	src := store.Source{
		ID:          id,
		Name:        req.Name,
		Type:        req.Type,
		PayloadPath: path,
	}
	if err := e.store.InsertSource(ctx, src); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	if err := e.pool.Enqueue(id); err != nil {
		// The source stays UPLOADED; callers can retry via IngestSource.
		slog.Warn("engine: ingestion enqueue failed", "source_id", id, "error", err)
	}

	out := toSource(src)
	out.Status = store.StatusUploaded
	return &out, nil
}

// payloadLimit returns the upload size cap for a source type.
func (e *Engine) payloadLimit(sourceType string) int64 {
	switch sourceType {
	case "pdf", "xlsx":
		return e.cfg.MaxPDFBytes
	default:
		return e.cfg.MaxTextBytes
	}
}

// GetSource returns a source by id.
func (e *Engine) GetSource(ctx context.Context, id string) (*Source, error) {
	src, err := e.store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	out := toSource(src)
	return &out, nil
}

// ListSources pages through sources, optionally filtered by status and
// type.
func (e *Engine) ListSources(ctx context.Context, status, sourceType string, limit, offset int) (*SourcePage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, total, err := e.store.ListSources(ctx, store.ListOptions{
		Status: status, Type: sourceType, Limit: limit, Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	page := &SourcePage{Sources: make([]Source, len(rows)), Total: total, Limit: limit, Offset: offset}
	for i, r := range rows {
		page.Sources[i] = toSource(r)
	}
	return page, nil
}

// DeleteSource removes a source, its index entries, and its stored
// payload.
func (e *Engine) DeleteSource(ctx context.Context, id string) error {
	src, err := e.store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
		}
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := e.store.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if src.PayloadPath != "" {
		if err := os.Remove(src.PayloadPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("engine: removing payload file", "source_id", id, "error", err)
		}
	}
	return nil
}

// IngestSource queues a source for (re-)ingestion.
func (e *Engine) IngestSource(ctx context.Context, id string) error {
	src, err := e.store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
		}
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if src.Status == store.StatusProcessing {
		return fmt.Errorf("%w: %s", ErrIngestConflict, id)
	}
	return e.pool.Enqueue(id)
}

func toSource(s store.Source) Source {
	return Source{
		ID:         s.ID,
		Name:       s.Name,
		Type:       s.Type,
		Status:     s.Status,
		Error:      s.Error,
		ChunkCount: s.ChunkCount,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Query answers a question from the READY sources.
func (e *Engine) Query(ctx context.Context, question string, opts ...QueryOption) (*QueryResult, error) {
	options := &queryOptions{}
	for _, o := range opts {
		o(options)
	}
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}

	mode := ModeStandard
	if options.verified {
		mode = ModeVerified
	}

	if options.idempotencyKey != "" {
		l := e.lockIdemKey(options.idempotencyKey)
		defer e.unlockIdemKey(options.idempotencyKey, l)

		stored, err := e.store.FindAnswerByIdempotencyKey(ctx, options.idempotencyKey, mode)
		if err == nil {
			res := e.hydrate(stored)
			res.Cached = true
			return res, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
	}

	if err := e.checkSources(ctx, options.sourceIDs); err != nil {
		return nil, err
	}

	candidates, _, err := e.retriever(options).Retrieve(ctx, question, retrieval.SearchOptions{
		SourceIDs: options.sourceIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	synthesized, err := e.synth.Synthesize(ctx, question, candidates)
	if err != nil {
		if errors.Is(err, answer.ErrCitation) {
			return nil, fmt.Errorf("%w: %v", ErrCitation, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	result := &QueryResult{
		AnswerID:       uuid.NewString(),
		Question:       question,
		Mode:           mode,
		Answer:         synthesized.Text,
		Style:          synthesized.Style,
		Citations:      synthesized.Citations,
		CitationsCount: len(synthesized.Citations),
		RawCitations:   rawCitations(synthesized.RawCitationIDs),
		FollowUps:      synthesized.FollowUps,
		ModelUsed:      synthesized.ModelUsed,
		CreatedAt:      time.Now().UTC(),
	}
	if options.grouped {
		result.Groups = answer.GroupBySource(result.Citations)
	}

	if options.verified && synthesized.Style == answer.StyleDirect {
		if err := e.verifyResult(ctx, question, result, candidates, options.highlights); err != nil {
			return nil, err
		}
	}

	if err := e.persist(ctx, result, options); err != nil {
		return nil, err
	}
	return result, nil
}

// verifyResult runs claim verification over the chunks the answer was
// grounded on and rewrites the answer when contradictions surface.
func (e *Engine) verifyResult(ctx context.Context, question string, result *QueryResult, candidates []retrieval.Candidate, highlights bool) error {
	chunks := make([]store.Chunk, len(candidates))
	for i, c := range candidates {
		chunks[i] = c.Chunk
	}

	verifier := verify.New(e.provider, verify.Config{Highlights: highlights, Debug: e.cfg.Debug})
	report, err := verifier.Verify(ctx, question, result.Answer, chunks)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}

	result.Claims = report.Claims
	result.Summary = &report.Summary
	if report.Summary.HasContradictions {
		result.Answer = verify.RewriteAnswer(report.Claims)
		result.Style = answer.StyleContradictions
	}
	result.Summary.AnswerStyle = result.Style
	return nil
}

// persist logs the query and stores the full result payload.
func (e *Engine) persist(ctx context.Context, result *QueryResult, options *queryOptions) error {
	sourceIDs, _ := json.Marshal(options.sourceIDs)
	queryID := uuid.NewString()
	if err := e.store.InsertQuery(ctx, store.Query{
		ID:        queryID,
		Question:  result.Question,
		Mode:      result.Mode,
		SourceIDs: string(sourceIDs),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding answer payload: %w", err)
	}
	if err := e.store.InsertAnswer(ctx, store.Answer{
		ID:             result.AnswerID,
		QueryID:        queryID,
		Question:       result.Question,
		Mode:           result.Mode,
		Style:          result.Style,
		Payload:        string(payload),
		IdempotencyKey: options.idempotencyKey,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// checkSources validates the requested source filter: every named
// source must exist and be READY, and with no filter at least one READY
// source must exist.
func (e *Engine) checkSources(ctx context.Context, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		_, total, err := e.store.ListSources(ctx, store.ListOptions{Status: store.StatusReady, Limit: 1})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if total == 0 {
			return ErrNoReadySources
		}
		return nil
	}
	for _, id := range sourceIDs {
		src, err := e.store.GetSource(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if src.Status != store.StatusReady {
			return fmt.Errorf("%w: source %s is %s", ErrNoReadySources, id, src.Status)
		}
	}
	return nil
}

// retriever builds the retrieval engine for one query, honoring
// per-query overrides.
func (e *Engine) retriever(options *queryOptions) *retrieval.Engine {
	rerank := e.cfg.RerankEnabled
	if options.rerank != nil {
		rerank = *options.rerank
	}
	return retrieval.New(e.store, e.provider, retrieval.Config{
		MaxChunks:        e.cfg.MaxChunksPerQuery,
		RerankEnabled:    rerank,
		RerankCandidates: e.cfg.RerankCandidates,
		SnippetChars:     e.cfg.RerankSnippetChars,
		MMREnabled:       e.cfg.MMREnabled,
		MMRLambda:        e.cfg.MMRLambda,
		MMRCandidates:    e.cfg.MMRCandidates,
		PerSourceLimit:   e.cfg.PerSourceRetrievalLimit,
	})
}

// ---------------------------------------------------------------------------
// Answers
// ---------------------------------------------------------------------------

// GetAnswer returns a previously stored answer. Hydration is lenient:
// malformed or partial payloads produce a result with neutral defaults
// rather than an error, and verification summaries are recomputed from
// the stored claims.
func (e *Engine) GetAnswer(ctx context.Context, id string) (*QueryResult, error) {
	stored, err := e.store.GetAnswer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAnswerNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return e.hydrate(stored), nil
}

// GetAnswerGrouped returns a stored answer with its citations grouped
// by source.
func (e *Engine) GetAnswerGrouped(ctx context.Context, id string) (*QueryResult, error) {
	res, err := e.GetAnswer(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Groups = answer.GroupBySource(res.Citations)
	return res, nil
}

// GetAnswerHighlights returns a stored answer with evidence highlights
// recomputed for any claims that lack them. Evidence whose chunks have
// since been deleted is left without highlights.
func (e *Engine) GetAnswerHighlights(ctx context.Context, id string) (*QueryResult, error) {
	res, err := e.GetAnswer(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(res.Claims) == 0 {
		return res, nil
	}

	seen := make(map[string]bool)
	var chunkIDs []string
	for _, claim := range res.Claims {
		for _, ev := range claim.Evidence {
			if ev.ChunkID != "" && !seen[ev.ChunkID] {
				seen[ev.ChunkID] = true
				chunkIDs = append(chunkIDs, ev.ChunkID)
			}
		}
	}
	chunks, err := e.store.ChunksByID(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	res.Claims = verify.AttachHighlights(res.Claims, chunks)
	return res, nil
}

// hydrate rebuilds a QueryResult from a stored answer row.
func (e *Engine) hydrate(stored store.Answer) *QueryResult {
	res := &QueryResult{
		AnswerID:  stored.ID,
		Question:  stored.Question,
		Mode:      stored.Mode,
		Style:     stored.Style,
		CreatedAt: stored.CreatedAt,
	}

	if err := json.Unmarshal([]byte(stored.Payload), res); err != nil {
		slog.Warn("engine: malformed stored answer payload", "answer_id", stored.ID, "error", err)
		// Fall back to whatever loose fields survive.
		var loose map[string]any
		if json.Unmarshal([]byte(stored.Payload), &loose) == nil {
			if text, ok := loose["answer"].(string); ok {
				res.Answer = text
			}
		}
	}

	// Column values are authoritative for identity fields.
	res.AnswerID = stored.ID
	if res.Question == "" {
		res.Question = stored.Question
	}
	if res.Mode == "" {
		res.Mode = ModeStandard
	}
	if res.Citations == nil {
		res.Citations = []answer.Citation{}
	}
	// The raw citation list, when stored, is the authoritative count;
	// validated citations may have dropped entries.
	if res.RawCitations != nil {
		res.CitationsCount = len(res.RawCitations.IDs)
	} else {
		res.CitationsCount = len(res.Citations)
	}
	if res.Style == "" {
		if len(res.Citations) > 0 {
			res.Style = answer.StyleDirect
		} else {
			res.Style = answer.StyleInsufficientEvidence
		}
	}

	if res.Mode == ModeVerified {
		if report, ok := verify.HydrateReport(stored.ID, []byte(stored.Payload)); ok {
			res.Claims = report.Claims
			res.Summary = &report.Summary
			if report.Summary.HasContradictions {
				res.Style = answer.StyleContradictions
			}
			res.Summary.AnswerStyle = res.Style
		}
	}
	return res
}
