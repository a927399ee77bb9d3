//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func vec4(a, b, c, d float32) []float32 { return []float32{a, b, c, d} }

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestNewDimensionMismatch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	s.Close()

	if _, err := New(dbPath, 8); err == nil {
		t.Fatal("expected error reopening with a different embedding dimension")
	}
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

func sampleSource(id, name string) Source {
	return Source{
		ID:          id,
		Name:        name,
		Type:        "text",
		PayloadPath: "/tmp/" + id + ".txt",
	}
}

func TestInsertAndGetSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := sampleSource("src-1", "notes.txt")
	if err := s.InsertSource(ctx, src); err != nil {
		t.Fatalf("inserting source: %v", err)
	}

	got, err := s.GetSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("getting source: %v", err)
	}
	if got.Name != "notes.txt" || got.Type != "text" {
		t.Fatalf("unexpected source: %+v", got)
	}
	if got.Status != StatusUploaded {
		t.Fatalf("expected default status UPLOADED, got %q", got.Status)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSource(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, src := range []Source{
		sampleSource("src-a", "a.txt"),
		sampleSource("src-b", "b.txt"),
		{ID: "src-c", Name: "c.pdf", Type: "pdf"},
	} {
		if err := s.InsertSource(ctx, src); err != nil {
			t.Fatalf("inserting %s: %v", src.ID, err)
		}
	}

	all, total, err := s.ListSources(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("listing sources: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("expected 3 sources, got %d (total %d)", len(all), total)
	}

	pdfs, total, err := s.ListSources(ctx, ListOptions{Type: "pdf"})
	if err != nil {
		t.Fatalf("listing pdf sources: %v", err)
	}
	if total != 1 || len(pdfs) != 1 || pdfs[0].ID != "src-c" {
		t.Fatalf("expected only src-c, got %+v (total %d)", pdfs, total)
	}

	page, total, err := s.ListSources(ctx, ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("listing page: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3 with pagination, got %d", total)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 source on second page, got %d", len(page))
	}
}

func TestSetSourceStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertSource(ctx, sampleSource("src-1", "a.txt")); err != nil {
		t.Fatalf("inserting source: %v", err)
	}

	// UPLOADED -> READY is not legal.
	err := s.SetSourceStatus(ctx, "src-1", StatusReady, "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	if err := s.SetSourceStatus(ctx, "src-1", StatusProcessing, ""); err != nil {
		t.Fatalf("UPLOADED -> PROCESSING: %v", err)
	}
	if err := s.SetSourceStatus(ctx, "src-1", StatusFailed, "parse blew up"); err != nil {
		t.Fatalf("PROCESSING -> FAILED: %v", err)
	}

	got, err := s.GetSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("getting source: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "parse blew up" {
		t.Fatalf("unexpected failed source: %+v", got)
	}

	// Retry clears the stored error.
	if err := s.SetSourceStatus(ctx, "src-1", StatusProcessing, "stale"); err != nil {
		t.Fatalf("FAILED -> PROCESSING: %v", err)
	}
	got, _ = s.GetSource(ctx, "src-1")
	if got.Error != "" {
		t.Fatalf("expected error cleared on retry, got %q", got.Error)
	}
}

func TestSetSourceStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetSourceStatus(context.Background(), "missing", StatusProcessing, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Chunks and search
// ---------------------------------------------------------------------------

// seedReadySource inserts a READY source with the given chunks indexed.
func seedReadySource(t *testing.T, s *Store, sourceID string, chunks []Chunk) {
	t.Helper()
	ctx := context.Background()
	if err := s.InsertSource(ctx, sampleSource(sourceID, sourceID+".txt")); err != nil {
		t.Fatalf("inserting source: %v", err)
	}
	if err := s.SetSourceStatus(ctx, sourceID, StatusProcessing, ""); err != nil {
		t.Fatalf("marking processing: %v", err)
	}
	if err := s.ReplaceChunks(ctx, sourceID, chunks); err != nil {
		t.Fatalf("replacing chunks: %v", err)
	}
	if err := s.SetSourceStatus(ctx, sourceID, StatusReady, ""); err != nil {
		t.Fatalf("marking ready: %v", err)
	}
}

func TestReplaceChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "the Eiffel Tower is in Paris", CharStart: 0, CharEnd: 28, PageStart: 1, PageEnd: 1, Embedding: vec4(1, 0, 0, 0)},
		{ID: "c2", Ord: 1, Text: "water boils at one hundred degrees", CharStart: 20, CharEnd: 54, PageStart: 1, PageEnd: 2, Embedding: vec4(0, 1, 0, 0)},
	})

	got, err := s.ChunksBySource(ctx, "src-1")
	if err != nil {
		t.Fatalf("getting chunks: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected chunks: %+v", got)
	}

	src, _ := s.GetSource(ctx, "src-1")
	if src.ChunkCount != 2 {
		t.Fatalf("expected chunk_count 2, got %d", src.ChunkCount)
	}

	// Replacing swaps the whole set.
	if err := s.ReplaceChunks(ctx, "src-1", []Chunk{
		{ID: "c3", Ord: 0, Text: "entirely new content", Embedding: vec4(0, 0, 1, 0)},
	}); err != nil {
		t.Fatalf("re-replacing chunks: %v", err)
	}
	got, _ = s.ChunksBySource(ctx, "src-1")
	if len(got) != 1 || got[0].ID != "c3" {
		t.Fatalf("expected only c3 after replace, got %+v", got)
	}
	src, _ = s.GetSource(ctx, "src-1")
	if src.ChunkCount != 1 {
		t.Fatalf("expected chunk_count 1 after replace, got %d", src.ChunkCount)
	}
}

func TestReplaceChunksDimensionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.InsertSource(ctx, sampleSource("src-1", "a.txt")); err != nil {
		t.Fatalf("inserting source: %v", err)
	}
	err := s.ReplaceChunks(ctx, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "x", Embedding: []float32{1, 2}},
	})
	if err == nil {
		t.Fatal("expected error for wrong embedding dimension")
	}
}

func TestChunksByIDPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "alpha", Embedding: vec4(1, 0, 0, 0)},
		{ID: "c2", Ord: 1, Text: "beta", Embedding: vec4(0, 1, 0, 0)},
		{ID: "c3", Ord: 2, Text: "gamma", Embedding: vec4(0, 0, 1, 0)},
	})

	got, err := s.ChunksByID(context.Background(), []string{"c3", "missing", "c1"})
	if err != nil {
		t.Fatalf("chunks by id: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c3" || got[1].ID != "c1" {
		t.Fatalf("expected [c3 c1], got %+v", got)
	}
}

func TestChunkEmbeddings(t *testing.T) {
	s := newTestStore(t)
	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "alpha", Embedding: vec4(1, 0, 0, 0)},
		{ID: "c2", Ord: 1, Text: "beta", Embedding: vec4(0, 0.5, 0, 0)},
	})

	embs, err := s.ChunkEmbeddings(context.Background(), []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("chunk embeddings: %v", err)
	}
	if len(embs) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(embs))
	}
	if embs["c2"][1] != 0.5 {
		t.Fatalf("embedding round trip failed: %v", embs["c2"])
	}
}

func TestVectorSearch(t *testing.T) {
	s := newTestStore(t)
	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "alpha", Embedding: vec4(1, 0, 0, 0)},
		{ID: "c2", Ord: 1, Text: "beta", Embedding: vec4(0, 1, 0, 0)},
	})
	seedReadySource(t, s, "src-2", []Chunk{
		{ID: "c3", Ord: 0, Text: "gamma", Embedding: vec4(0.9, 0.1, 0, 0)},
	})

	results, err := s.VectorSearch(context.Background(), vec4(1, 0, 0, 0), 2, nil, 0)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "c1" {
		t.Fatalf("expected c1 nearest, got %s", results[0].Chunk.ID)
	}
	if results[0].Score < results[1].Score {
		t.Fatal("expected results ordered by descending score")
	}

	// Source filter.
	filtered, err := s.VectorSearch(context.Background(), vec4(1, 0, 0, 0), 5, []string{"src-2"}, 0)
	if err != nil {
		t.Fatalf("filtered vector search: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Chunk.SourceID != "src-2" {
		t.Fatalf("expected only src-2 chunks, got %+v", filtered)
	}

	// Per-source quota.
	quota, err := s.VectorSearch(context.Background(), vec4(1, 0, 0, 0), 5, nil, 1)
	if err != nil {
		t.Fatalf("quota vector search: %v", err)
	}
	seen := map[string]int{}
	for _, r := range quota {
		seen[r.Chunk.SourceID]++
	}
	for src, n := range seen {
		if n > 1 {
			t.Fatalf("source %s exceeded quota with %d hits", src, n)
		}
	}
}

func TestFTSSearch(t *testing.T) {
	s := newTestStore(t)
	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "the Eiffel Tower is 324 meters tall", Embedding: vec4(1, 0, 0, 0)},
		{ID: "c2", Ord: 1, Text: "water boils at one hundred degrees", Embedding: vec4(0, 1, 0, 0)},
	})

	results, err := s.FTSSearch(context.Background(), "eiffel tower height", 5, nil, 0)
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(results) == 0 || results[0].Chunk.ID != "c1" {
		t.Fatalf("expected c1 as top lexical hit, got %+v", results)
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected positive score, got %f", results[0].Score)
	}
}

func TestFTSSearchSanitizesQuery(t *testing.T) {
	s := newTestStore(t)
	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "plain text content", Embedding: vec4(1, 0, 0, 0)},
	})

	// Operator characters in user input must not break the query.
	for _, q := range []string{`"unbalanced`, `NEAR(foo`, `a AND`, `*`} {
		if _, err := s.FTSSearch(context.Background(), q, 5, nil, 0); err != nil {
			t.Fatalf("query %q: %v", q, err)
		}
	}

	empty, err := s.FTSSearch(context.Background(), "   ", 5, nil, 0)
	if err != nil {
		t.Fatalf("blank query: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no results for blank query, got %d", len(empty))
	}
}

func TestDeleteSourceCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedReadySource(t, s, "src-1", []Chunk{
		{ID: "c1", Ord: 0, Text: "soon to be gone", Embedding: vec4(1, 0, 0, 0)},
	})

	if err := s.DeleteSource(ctx, "src-1"); err != nil {
		t.Fatalf("deleting source: %v", err)
	}

	if _, err := s.GetSource(ctx, "src-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected source gone, got %v", err)
	}
	chunks, err := s.ChunksBySource(ctx, "src-1")
	if err != nil {
		t.Fatalf("getting chunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected chunks gone, got %d", len(chunks))
	}
	vec, err := s.VectorSearch(ctx, vec4(1, 0, 0, 0), 5, nil, 0)
	if err != nil {
		t.Fatalf("vector search after delete: %v", err)
	}
	if len(vec) != 0 {
		t.Fatalf("expected empty vector index, got %d results", len(vec))
	}
	fts, err := s.FTSSearch(ctx, "gone", 5, nil, 0)
	if err != nil {
		t.Fatalf("fts search after delete: %v", err)
	}
	if len(fts) != 0 {
		t.Fatalf("expected empty fts index, got %d results", len(fts))
	}
}

// ---------------------------------------------------------------------------
// Queries and answers
// ---------------------------------------------------------------------------

func TestInsertAndGetAnswer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertQuery(ctx, Query{ID: "q1", Question: "how tall?"}); err != nil {
		t.Fatalf("inserting query: %v", err)
	}
	a := Answer{
		ID:       "a1",
		QueryID:  "q1",
		Question: "how tall?",
		Mode:     "standard",
		Style:    "direct",
		Payload:  `{"answer":"324 meters","citations":[]}`,
	}
	if err := s.InsertAnswer(ctx, a); err != nil {
		t.Fatalf("inserting answer: %v", err)
	}

	got, err := s.GetAnswer(ctx, "a1")
	if err != nil {
		t.Fatalf("getting answer: %v", err)
	}
	if got.Payload != a.Payload || got.Style != "direct" {
		t.Fatalf("unexpected answer: %+v", got)
	}

	if _, err := s.GetAnswer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindAnswerByIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, a := range []Answer{
		{ID: "a1", QueryID: "q1", Question: "q", Mode: "standard", Style: "direct", Payload: `{"n":1}`, IdempotencyKey: "key-1"},
		{ID: "a2", QueryID: "q2", Question: "q", Mode: "standard", Style: "direct", Payload: `{"n":2}`, IdempotencyKey: "key-1"},
		{ID: "a3", QueryID: "q3", Question: "q", Mode: "verified", Style: "direct", Payload: `{"n":3}`, IdempotencyKey: "key-1"},
	} {
		if err := s.InsertAnswer(ctx, a); err != nil {
			t.Fatalf("inserting %s: %v", a.ID, err)
		}
	}

	got, err := s.FindAnswerByIdempotencyKey(ctx, "key-1", "standard")
	if err != nil {
		t.Fatalf("finding by key: %v", err)
	}
	// Newest standard-mode answer wins.
	if got.ID != "a2" {
		t.Fatalf("expected a2, got %s", got.ID)
	}

	verified, err := s.FindAnswerByIdempotencyKey(ctx, "key-1", "verified")
	if err != nil {
		t.Fatalf("finding verified by key: %v", err)
	}
	if verified.ID != "a3" {
		t.Fatalf("expected a3, got %s", verified.ID)
	}

	if _, err := s.FindAnswerByIdempotencyKey(ctx, "nope", "standard"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestSerializeRoundTrip(t *testing.T) {
	in := []float32{0.25, -1, 3.5, 0}
	blob, err := serializeFloat32(in)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out, err := deserializeFloat32(blob)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d mismatch: %f vs %f", i, in[i], out[i])
		}
	}
}
