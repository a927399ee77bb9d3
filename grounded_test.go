//go:build cgo

package grounded

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brunobiangulo/grounded/answer"
	"github.com/brunobiangulo/grounded/store"
)

const towerText = "The Eiffel Tower is 324 meters tall. It was completed in 1889 " +
	"for the World's Fair in Paris. The tower was the tallest man-made " +
	"structure in the world for 41 years. It is made of wrought iron and " +
	"weighs about 10,100 tonnes. Millions of visitors climb it every year."

func newTestEngine(t *testing.T, tweak ...func(*Config)) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "grounded.db")
	cfg.StorageRoot = filepath.Join(dir, "storage")
	cfg.Provider = "fake"
	cfg.EmbedDim = 16
	cfg.ChunkCharTarget = 200
	cfg.ChunkCharOverlap = 40
	cfg.WorkerConcurrency = 1
	for _, fn := range tweak {
		fn(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// addReadySource uploads a text payload and waits for ingestion.
func addReadySource(t *testing.T, e *Engine, name, text string) *Source {
	t.Helper()
	ctx := context.Background()
	src, err := e.CreateSource(ctx, CreateSourceRequest{
		Name:    name,
		Type:    "text",
		Payload: strings.NewReader(text),
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := e.GetSource(ctx, src.ID)
		if err != nil {
			t.Fatalf("GetSource: %v", err)
		}
		switch got.Status {
		case store.StatusReady:
			return got
		case store.StatusFailed:
			t.Fatalf("ingestion failed: %s", got.Error)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("source %s never became ready", src.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

func TestSourceLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src := addReadySource(t, e, "tower.txt", towerText)
	if src.ChunkCount == 0 {
		t.Fatal("expected chunks after ingestion")
	}

	page, err := e.ListSources(ctx, "", "", 10, 0)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if page.Total != 1 || len(page.Sources) != 1 {
		t.Fatalf("got total=%d len=%d, want 1/1", page.Total, len(page.Sources))
	}

	payloadPath := filepath.Join(e.cfg.StorageRoot, src.ID+".txt")
	if _, err := os.Stat(payloadPath); err != nil {
		t.Fatalf("payload file missing: %v", err)
	}

	if err := e.DeleteSource(ctx, src.ID); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if _, err := e.GetSource(ctx, src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("got %v, want ErrSourceNotFound", err)
	}
	if _, err := os.Stat(payloadPath); !os.IsNotExist(err) {
		t.Fatalf("payload file still present after delete")
	}
}

func TestCreateSourceValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateSource(ctx, CreateSourceRequest{Type: "text", Payload: strings.NewReader("x")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}

	_, err = e.CreateSource(ctx, CreateSourceRequest{Name: "x", Type: "docx", Payload: strings.NewReader("x")})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestCreateSourceTooLarge(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.MaxTextBytes = 64 })
	ctx := context.Background()

	_, err := e.CreateSource(ctx, CreateSourceRequest{
		Name:    "big.txt",
		Type:    "text",
		Payload: strings.NewReader(strings.Repeat("a", 100)),
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}

	// The rejected payload leaves no file behind.
	entries, err := os.ReadDir(e.cfg.StorageRoot)
	if err != nil {
		t.Fatalf("reading storage root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty storage root, found %d files", len(entries))
	}
}

func TestCreateSourceBlockedURL(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, raw := range []string{
		"http://169.254.169.254/latest/meta-data",
		"http://localhost:8080/internal",
		"ftp://example.com/file",
	} {
		_, err := e.CreateSource(ctx, CreateSourceRequest{
			Name:    "link",
			Type:    "url",
			Payload: strings.NewReader(raw),
		})
		if !errors.Is(err, ErrURLBlocked) {
			t.Fatalf("url %s: got %v, want ErrURLBlocked", raw, err)
		}
	}
}

func TestCreateSourceURLAllowlist(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.URLAllowlist = []string{"docs.example.com"} })
	ctx := context.Background()

	_, err := e.CreateSource(ctx, CreateSourceRequest{
		Name:    "link",
		Type:    "url",
		Payload: strings.NewReader("https://other.example.com/page"),
	})
	if !errors.Is(err, ErrURLBlocked) {
		t.Fatalf("got %v, want ErrURLBlocked for off-allowlist host", err)
	}
}

func TestIngestSourceReprocesses(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	src := addReadySource(t, e, "tower.txt", towerText)

	// Replace the payload and re-ingest; the index should pick up the
	// new content.
	payloadPath := filepath.Join(e.cfg.StorageRoot, src.ID+".txt")
	if err := os.WriteFile(payloadPath, []byte("Gruyere cheese melts beautifully in fondue."), 0o644); err != nil {
		t.Fatalf("rewriting payload: %v", err)
	}
	if err := e.IngestSource(ctx, src.ID); err != nil {
		t.Fatalf("IngestSource: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		results, err := e.Store().FTSSearch(ctx, "gruyere fondue", 5, nil, 0)
		if err != nil {
			t.Fatalf("FTSSearch: %v", err)
		}
		if len(results) > 0 {
			got, err := e.GetSource(ctx, src.ID)
			if err != nil {
				t.Fatalf("GetSource: %v", err)
			}
			if got.Status == store.StatusReady {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("source never re-ingested")
}

func TestIngestSourceNotFound(t *testing.T) {
	e := newTestEngine(t)
	if err := e.IngestSource(context.Background(), "nope"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("got %v, want ErrSourceNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestQueryStandard(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addReadySource(t, e, "tower.txt", towerText)

	res, err := e.Query(ctx, "How tall is the Eiffel Tower?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Style != answer.StyleDirect {
		t.Fatalf("got style %q, want direct", res.Style)
	}
	if !strings.Contains(res.Answer, "324") {
		t.Fatalf("answer %q does not mention 324", res.Answer)
	}
	if res.CitationsCount == 0 || len(res.Citations) == 0 {
		t.Fatal("expected at least one citation")
	}
	if res.Mode != ModeStandard {
		t.Fatalf("got mode %q", res.Mode)
	}

	got, err := e.GetAnswer(ctx, res.AnswerID)
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if got.Answer != res.Answer || got.CitationsCount != res.CitationsCount {
		t.Fatalf("stored answer differs: %+v vs %+v", got, res)
	}
}

func TestQueryInsufficientEvidence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addReadySource(t, e, "tower.txt", towerText)

	res, err := e.Query(ctx, "zzz qqq nonexistent topic")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Style != answer.StyleInsufficientEvidence {
		t.Fatalf("got style %q, want insufficient_evidence", res.Style)
	}
	if len(res.Citations) != 0 {
		t.Fatalf("insufficient answer should carry no citations, got %d", len(res.Citations))
	}
}

func TestQueryValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Query(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if _, err := e.Query(ctx, "anything"); !errors.Is(err, ErrNoReadySources) {
		t.Fatalf("got %v, want ErrNoReadySources", err)
	}

	addReadySource(t, e, "tower.txt", towerText)
	_, err := e.Query(ctx, "anything", WithSources([]string{"missing-id"}))
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("got %v, want ErrSourceNotFound", err)
	}
}

func TestQuerySourceFilter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tower := addReadySource(t, e, "tower.txt", towerText)
	addReadySource(t, e, "cheese.txt",
		"Cheddar cheese originates from the English village of Cheddar in Somerset. "+
			"It is aged between three and eighteen months and develops a sharp flavor.")

	res, err := e.Query(ctx, "How tall is the Eiffel Tower?", WithSources([]string{tower.ID}))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, c := range res.Citations {
		if c.SourceID != tower.ID {
			t.Fatalf("citation from filtered-out source %s", c.SourceID)
		}
	}
}

func TestQueryGrouping(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addReadySource(t, e, "tower.txt", towerText)

	res, err := e.Query(ctx, "How tall is the Eiffel Tower?", WithGrouping())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Groups) == 0 {
		t.Fatal("expected source groups")
	}
	total := 0
	for _, g := range res.Groups {
		total += len(g.Citations)
	}
	if total != len(res.Citations) {
		t.Fatalf("groups hold %d citations, want %d", total, len(res.Citations))
	}
}

func TestQueryVerified(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addReadySource(t, e, "tower.txt", towerText)

	res, err := e.Query(ctx, "How tall is the Eiffel Tower?", WithVerification(), WithHighlights())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Mode != ModeVerified {
		t.Fatalf("got mode %q, want verified", res.Mode)
	}
	if res.Summary == nil {
		t.Fatal("expected verification summary")
	}
	if res.Summary.TotalClaims == 0 || len(res.Claims) == 0 {
		t.Fatal("expected claims from verification")
	}
	if res.Summary.OverallVerdict == "" {
		t.Fatal("expected overall verdict")
	}
	if res.Summary.AnswerStyle != res.Style {
		t.Fatalf("summary style %q != answer style %q", res.Summary.AnswerStyle, res.Style)
	}

	got, err := e.GetAnswer(ctx, res.AnswerID)
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if got.Summary == nil || got.Summary.TotalClaims != res.Summary.TotalClaims {
		t.Fatalf("hydrated summary differs: %+v", got.Summary)
	}
}

func TestQueryIdempotency(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addReadySource(t, e, "tower.txt", towerText)

	first, err := e.Query(ctx, "How tall is the Eiffel Tower?", WithIdempotencyKey("k1"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if first.Cached {
		t.Fatal("first query should not be cached")
	}
	second, err := e.Query(ctx, "How tall is the Eiffel Tower?", WithIdempotencyKey("k1"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !second.Cached {
		t.Fatal("second query should be served from the stored answer")
	}
	if second.AnswerID != first.AnswerID {
		t.Fatalf("got answer %s, want %s", second.AnswerID, first.AnswerID)
	}

	// Same key under a different mode computes fresh.
	verified, err := e.Query(ctx, "How tall is the Eiffel Tower?", WithIdempotencyKey("k1"), WithVerification())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if verified.Cached {
		t.Fatal("different mode must not reuse the standard answer")
	}

	// The per-key lock is released and evicted, so long-lived engines
	// do not accumulate an entry per key ever used.
	locks := 0
	e.idemLocks.Range(func(_, _ any) bool { locks++; return true })
	if locks != 0 {
		t.Fatalf("expected idempotency locks evicted, found %d", locks)
	}
}

// ---------------------------------------------------------------------------
// Answers
// ---------------------------------------------------------------------------

func TestGetAnswerNotFound(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.GetAnswer(context.Background(), "nope"); !errors.Is(err, ErrAnswerNotFound) {
		t.Fatalf("got %v, want ErrAnswerNotFound", err)
	}
}

func TestGetAnswerLenientHydration(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// A row whose payload predates the current schema or was corrupted.
	err := e.Store().InsertAnswer(ctx, store.Answer{
		ID:       "legacy-1",
		QueryID:  "q-1",
		Question: "old question",
		Mode:     ModeStandard,
		Style:    "",
		Payload:  `{"answer": "legacy text", "citations": "not-a-list"}`,
	})
	if err != nil {
		t.Fatalf("InsertAnswer: %v", err)
	}

	got, err := e.GetAnswer(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if got.Answer != "legacy text" {
		t.Fatalf("got answer %q", got.Answer)
	}
	if got.Style != answer.StyleInsufficientEvidence {
		t.Fatalf("got style %q, want insufficient_evidence default for citation-less rows", got.Style)
	}
	if got.Citations == nil || got.CitationsCount != 0 {
		t.Fatalf("want empty citations, got %+v", got.Citations)
	}
	if got.Question != "old question" {
		t.Fatalf("got question %q", got.Question)
	}
}

func TestGetAnswerRawCitationsCount(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Validation dropped every citation but the raw list survives; the
	// count follows the raw list.
	err := e.Store().InsertAnswer(ctx, store.Answer{
		ID:       "legacy-2",
		QueryID:  "q-2",
		Question: "old question",
		Mode:     ModeStandard,
		Style:    "direct",
		Payload:  `{"answer": "legacy text", "citations": [], "raw_citations": {"ids": ["c1", "c2", "c3"]}}`,
	})
	if err != nil {
		t.Fatalf("InsertAnswer: %v", err)
	}

	got, err := e.GetAnswer(ctx, "legacy-2")
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if got.CitationsCount != 3 {
		t.Fatalf("got citations_count %d, want 3 from the raw citation ids", got.CitationsCount)
	}
	if len(got.Citations) != 0 {
		t.Fatalf("want validated citations untouched, got %d", len(got.Citations))
	}
}
