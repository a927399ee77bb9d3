package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/brunobiangulo/grounded/llm"
	"github.com/brunobiangulo/grounded/retrieval"
	"github.com/brunobiangulo/grounded/store"
)

// scripted is a chat provider that replays canned replies.
type scripted struct {
	replies []string
	calls   int
}

func (s *scripted) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.calls >= len(s.replies) {
		return nil, errors.New("no more scripted replies")
	}
	content := s.replies[s.calls]
	s.calls++
	return &llm.ChatResponse{Content: content, Model: "scripted"}, nil
}

func (s *scripted) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("scripted provider does not embed")
}

func candidate(id, sourceID string, ord, charStart int, text string) retrieval.Candidate {
	return retrieval.Candidate{
		Chunk: store.Chunk{
			ID: id, SourceID: sourceID, Ord: ord,
			Text:      text,
			CharStart: charStart,
			CharEnd:   charStart + len(text),
			PageStart: 1, PageEnd: 1,
		},
		Score: 0.8,
	}
}

func towerCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		candidate("11111111-1111-1111-1111-111111111111", "src-1", 0, 0,
			"The Eiffel Tower is 324 meters tall. It was completed in 1889 for the World's Fair."),
		candidate("22222222-2222-2222-2222-222222222222", "src-2", 0, 100,
			"Water boils at one hundred degrees Celsius at sea level."),
	}
}

func TestSynthesizeWithFakeProvider(t *testing.T) {
	fake, err := llm.NewProvider(llm.Config{Provider: "fake", EmbedDim: 8})
	if err != nil {
		t.Fatalf("creating fake provider: %v", err)
	}
	syn := New(fake, Config{SnippetChars: 300})

	res, err := syn.Synthesize(context.Background(), "how tall is the eiffel tower", towerCandidates())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.Style != StyleDirect {
		t.Fatalf("expected direct style, got %s", res.Style)
	}
	if len(res.Citations) == 0 {
		t.Fatal("expected at least one citation")
	}
	if res.Citations[0].ChunkID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("expected tower chunk cited first, got %s", res.Citations[0].ChunkID)
	}
	if !strings.Contains(res.Text, "324") {
		t.Fatalf("expected answer drawn from tower chunk, got %q", res.Text)
	}
}

func TestSynthesizeInsufficientEvidence(t *testing.T) {
	fake, err := llm.NewProvider(llm.Config{Provider: "fake", EmbedDim: 8})
	if err != nil {
		t.Fatalf("creating fake provider: %v", err)
	}
	syn := New(fake, Config{})

	res, err := syn.Synthesize(context.Background(), "zzz qqq nonexistent topic", towerCandidates())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.Style != StyleInsufficientEvidence {
		t.Fatalf("expected insufficient_evidence, got %s", res.Style)
	}
	if len(res.Citations) != 0 {
		t.Fatalf("expected no citations, got %d", len(res.Citations))
	}
	if len(res.FollowUps) == 0 || len(res.FollowUps) > 3 {
		t.Fatalf("expected 1-3 follow-ups, got %d", len(res.FollowUps))
	}
}

func TestSynthesizeEmptyCandidates(t *testing.T) {
	syn := New(&scripted{}, Config{})
	res, err := syn.Synthesize(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.Style != StyleInsufficientEvidence {
		t.Fatalf("expected insufficient_evidence, got %s", res.Style)
	}
}

func TestSynthesizeDropsInvalidCitations(t *testing.T) {
	chat := &scripted{replies: []string{
		`{"answer": "The tower is 324 meters tall.", "citations": ["bogus-id", "11111111-1111-1111-1111-111111111111"]}`,
	}}
	syn := New(chat, Config{})

	res, err := syn.Synthesize(context.Background(), "how tall", towerCandidates())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("expected invalid citation dropped, got %d citations", len(res.Citations))
	}
	if res.Citations[0].ChunkID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("unexpected surviving citation: %s", res.Citations[0].ChunkID)
	}
}

func TestSynthesizeInvalidCitationDebug(t *testing.T) {
	chat := &scripted{replies: []string{
		`{"answer": "The tower is 324 meters tall.", "citations": ["bogus-id"]}`,
	}}
	syn := New(chat, Config{Debug: true})

	_, err := syn.Synthesize(context.Background(), "how tall", towerCandidates())
	if !errors.Is(err, ErrCitation) {
		t.Fatalf("expected ErrCitation in debug mode, got %v", err)
	}
}

func TestSynthesizeRetriesBadJSON(t *testing.T) {
	chat := &scripted{replies: []string{
		`The tower is tall, I guess?`,
		`{"answer": "The tower is 324 meters tall.", "citations": ["11111111-1111-1111-1111-111111111111"]}`,
	}}
	syn := New(chat, Config{})

	res, err := syn.Synthesize(context.Background(), "how tall", towerCandidates())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if chat.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", chat.calls)
	}
	if res.Style != StyleDirect {
		t.Fatalf("expected direct style after retry, got %s", res.Style)
	}
}

func TestSynthesizeFailsAfterSecondBadReply(t *testing.T) {
	chat := &scripted{replies: []string{`not json`, `still not json`}}
	syn := New(chat, Config{})

	_, err := syn.Synthesize(context.Background(), "how tall", towerCandidates())
	if !errors.Is(err, ErrBadModelOutput) {
		t.Fatalf("expected ErrBadModelOutput, got %v", err)
	}
}

func TestCitationSnippetOffsets(t *testing.T) {
	chat := &scripted{replies: []string{
		`{"answer": "The Eiffel Tower is 324 meters tall.", "citations": ["11111111-1111-1111-1111-111111111111"]}`,
	}}
	syn := New(chat, Config{SnippetChars: 300})

	cands := towerCandidates()
	// Shift the chunk so absolute offsets differ from local ones.
	cands[0].Chunk.CharStart = 50
	cands[0].Chunk.CharEnd = 50 + len(cands[0].Chunk.Text)

	res, err := syn.Synthesize(context.Background(), "how tall is the eiffel tower", cands)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	cit := res.Citations[0]
	if cit.Snippet == "" {
		t.Fatal("expected a snippet")
	}
	if got := cands[0].Chunk.Text[cit.SnippetStart:cit.SnippetEnd]; got != cit.Snippet {
		t.Fatalf("local offsets do not round-trip: %q vs %q", got, cit.Snippet)
	}
	if cit.AbsoluteStart == nil || cit.AbsoluteEnd == nil {
		t.Fatal("expected absolute offsets")
	}
	if *cit.AbsoluteStart != cit.SnippetStart+50 || *cit.AbsoluteEnd != cit.SnippetEnd+50 {
		t.Fatalf("absolute offsets not shifted by chunk start: [%d:%d) vs local [%d:%d)",
			*cit.AbsoluteStart, *cit.AbsoluteEnd, cit.SnippetStart, cit.SnippetEnd)
	}
	if *cit.AbsoluteEnd-*cit.AbsoluteStart != cit.SnippetEnd-cit.SnippetStart {
		t.Fatal("absolute and local spans differ in length")
	}
}

func TestCitationSnippetTracksQuestionTerms(t *testing.T) {
	chat := &scripted{replies: []string{
		`{"answer": "Entry was quite affordable.", "citations": ["11111111-1111-1111-1111-111111111111"]}`,
	}}
	syn := New(chat, Config{SnippetChars: 60})

	cands := towerCandidates()
	cands[0].Chunk.Text = "The tower opened in 1889. It is 324 meters tall. Tickets cost twelve francs."
	cands[0].Chunk.CharEnd = len(cands[0].Chunk.Text)

	res, err := syn.Synthesize(context.Background(), "how many francs did tickets cost", cands)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !strings.Contains(res.Citations[0].Snippet, "twelve francs") {
		t.Fatalf("expected snippet covering the question terms, got %q", res.Citations[0].Snippet)
	}
}

func TestParseReplyStripsFences(t *testing.T) {
	reply, err := parseReply("```json\n{\"answer\": \"x\", \"citations\": []}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.Answer != "x" {
		t.Fatalf("unexpected answer: %q", reply.Answer)
	}
}

func TestExtractSnippet(t *testing.T) {
	content := "The tower opened in 1889. It is 324 meters tall. Tickets cost twelve francs."
	words := significantWords("the tower is 324 meters tall")

	snippet, start, end := extractSnippet(content, words, 60)
	if snippet == "" {
		t.Fatal("expected a snippet")
	}
	if content[start:end] != snippet {
		t.Fatalf("snippet is not the verbatim slice: %q vs %q", content[start:end], snippet)
	}
	if !strings.Contains(snippet, "324 meters") {
		t.Fatalf("expected best sentence selected, got %q", snippet)
	}
}

func TestExtractSnippetNoOverlap(t *testing.T) {
	snippet, _, _ := extractSnippet("Totally unrelated prose here.", significantWords("quantum flux capacitor"), 300)
	if snippet != "" {
		t.Fatalf("expected empty snippet, got %q", snippet)
	}
}

func TestGroupBySource(t *testing.T) {
	cits := []Citation{
		{ChunkID: "c1", SourceID: "s1"},
		{ChunkID: "c2", SourceID: "s2"},
		{ChunkID: "c3", SourceID: "s1"},
	}
	groups := GroupBySource(cits)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].SourceID != "s1" || len(groups[0].Citations) != 2 {
		t.Fatalf("unexpected first group: %+v", groups[0])
	}
	if groups[1].SourceID != "s2" || len(groups[1].Citations) != 1 {
		t.Fatalf("unexpected second group: %+v", groups[1])
	}
}
