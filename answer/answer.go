// Package answer turns retrieved chunks into a grounded answer with
// validated citations. Answers cite only chunks that were actually in
// the model's context; anything else is either dropped or, in debug
// mode, surfaced as an error.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/grounded/llm"
	"github.com/brunobiangulo/grounded/retrieval"
)

// Answer styles.
const (
	StyleDirect               = "direct"
	StyleInsufficientEvidence = "insufficient_evidence"
	StyleContradictions       = "contradictions"
)

var (
	// ErrBadModelOutput is returned when the model's reply cannot be
	// parsed as the expected JSON object even after a retry.
	ErrBadModelOutput = errors.New("answer: model output is not valid JSON")

	// ErrCitation is returned in debug mode when the model cites a
	// chunk that was not in its context.
	ErrCitation = errors.New("answer: citation references unknown chunk")
)

// Citation points at a chunk that supports part of the answer.
// SnippetStart/SnippetEnd are offsets into the chunk text.
// AbsoluteStart/AbsoluteEnd map the same span into the source's
// cleaned text; both are nil when the span cannot be placed there.
type Citation struct {
	ChunkID       string  `json:"chunk_id"`
	SourceID      string  `json:"source_id"`
	Ord           int     `json:"ord"`
	PageStart     int     `json:"page_start,omitempty"`
	PageEnd       int     `json:"page_end,omitempty"`
	SectionPath   string  `json:"section_path,omitempty"`
	Snippet       string  `json:"snippet,omitempty"`
	SnippetStart  int     `json:"snippet_start"`
	SnippetEnd    int     `json:"snippet_end"`
	AbsoluteStart *int    `json:"absolute_start"`
	AbsoluteEnd   *int    `json:"absolute_end"`
	Score         float64 `json:"score"`
}

// Result is a synthesized answer. RawCitationIDs holds the chunk ids
// exactly as the model returned them, before validation.
type Result struct {
	Text           string     `json:"answer"`
	Style          string     `json:"answer_style"`
	Citations      []Citation `json:"citations"`
	RawCitationIDs []string   `json:"raw_citation_ids,omitempty"`
	FollowUps      []string   `json:"follow_up_questions,omitempty"`
	ModelUsed      string     `json:"model_used,omitempty"`
}

// Config holds synthesis settings.
type Config struct {
	SnippetChars int  // max snippet length in citations
	Debug        bool // fail on invalid citations instead of dropping them
}

// Synthesizer generates grounded answers from candidates.
type Synthesizer struct {
	chat llm.Provider
	cfg  Config
}

// New creates a synthesizer.
func New(chat llm.Provider, cfg Config) *Synthesizer {
	if cfg.SnippetChars <= 0 {
		cfg.SnippetChars = 300
	}
	return &Synthesizer{chat: chat, cfg: cfg}
}

const systemPrompt = `You answer questions using only the provided context chunks.
Rules:
1. Only state facts directly supported by the chunks.
2. Cite the ids of the chunks that support the answer.
3. If the chunks do not contain enough information, say so instead of guessing.`

// modelReply is the JSON object the model must return.
type modelReply struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
}

// Synthesize produces an answer for the question from the candidates.
// An empty candidate list, a refusal, or an answer with no surviving
// citations all yield the insufficient-evidence fallback.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, candidates []retrieval.Candidate) (*Result, error) {
	if len(candidates) == 0 {
		return s.insufficient(question, candidates), nil
	}

	prompt := buildPrompt(question, candidates)
	start := time.Now()
	reply, modelUsed, err := s.generate(ctx, prompt, candidates)
	if err != nil {
		return nil, err
	}
	slog.Debug("answer: synthesis complete",
		"chunks", len(candidates), "elapsed", time.Since(start).Round(time.Millisecond))

	byID := make(map[string]retrieval.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Chunk.ID] = c
	}

	// Keep the model's citation order; drop duplicates and, unless in
	// debug mode, ids that were never in the context.
	var cited []retrieval.Candidate
	seen := map[string]bool{}
	for _, id := range reply.Citations {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := byID[id]
		if !ok {
			if s.cfg.Debug {
				return nil, fmt.Errorf("chunk %s: %w", id, ErrCitation)
			}
			slog.Warn("answer: dropping invalid citation", "chunk_id", id)
			continue
		}
		cited = append(cited, c)
	}

	if reply.Answer == "" || len(cited) == 0 || isRefusal(reply.Answer) {
		return s.insufficient(question, candidates), nil
	}

	return &Result{
		Text:           reply.Answer,
		Style:          StyleDirect,
		Citations:      s.buildCitations(question, cited),
		RawCitationIDs: reply.Citations,
		ModelUsed:      modelUsed,
	}, nil
}

// generate runs the chat call and parses the reply, retrying once with
// an explicit format reminder when the first reply is not valid JSON.
func (s *Synthesizer) generate(ctx context.Context, prompt string, candidates []retrieval.Candidate) (modelReply, string, error) {
	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return modelReply{}, "", fmt.Errorf("generating answer: %w", err)
	}

	reply, perr := parseReply(resp.Content)
	if perr == nil {
		return reply, resp.Model, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Chunk.ID
	}
	slog.Warn("answer: retrying after unparseable model output", "error", perr)
	retryPrompt := prompt + fmt.Sprintf(
		"\n\nYour previous reply was not valid JSON. Reply with exactly one JSON object of the form {\"answer\": \"...\", \"citations\": [...]}. Valid citation ids: %s.",
		strings.Join(ids, ", "))

	resp, err = s.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: retryPrompt},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return modelReply{}, "", fmt.Errorf("retrying answer generation: %w", err)
	}
	reply, perr = parseReply(resp.Content)
	if perr != nil {
		return modelReply{}, "", fmt.Errorf("%w: %v", ErrBadModelOutput, perr)
	}
	return reply, resp.Model, nil
}

func parseReply(content string) (modelReply, error) {
	// Some models wrap JSON in a code fence despite instructions.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply modelReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return modelReply{}, err
	}
	return reply, nil
}

// buildPrompt renders the question and context chunks. Each chunk block
// starts with its id so the model can cite it back.
func buildPrompt(question string, candidates []retrieval.Candidate) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the context chunks below.\n\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	for _, c := range candidates {
		fmt.Fprintf(&b, "\n[CHUNK %s]\n", c.Chunk.ID)
		fmt.Fprintf(&b, "Source: %s", c.Chunk.SourceID)
		if c.Chunk.SectionPath != "" {
			fmt.Fprintf(&b, " | %s", c.Chunk.SectionPath)
		}
		if c.Chunk.PageStart > 0 {
			fmt.Fprintf(&b, " | page %d", c.Chunk.PageStart)
		}
		b.WriteString("\n")
		b.WriteString(c.Chunk.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n\nRespond with a JSON object {\"answer\": \"...\", \"citations\": [...]} where citations lists the ids of the chunks that support the answer. If the chunks do not contain the answer, say so in the answer and leave citations empty.")
	return b.String()
}

// isRefusal reports whether the answer text is a refusal rather than a
// grounded answer.
func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range []string{
		"insufficient evidence",
		"i don't know",
		"do not contain",
		"not enough information",
		"cannot determine",
	} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// insufficient builds the fallback result, with follow-up suggestions
// drawn from whatever context was available.
func (s *Synthesizer) insufficient(question string, candidates []retrieval.Candidate) *Result {
	followUps := []string{
		"Try rephrasing the question with terms that appear in the documents.",
	}
	seen := map[string]bool{}
	for _, c := range candidates {
		if len(followUps) >= 3 {
			break
		}
		if c.Chunk.SectionPath == "" || seen[c.Chunk.SectionPath] {
			continue
		}
		seen[c.Chunk.SectionPath] = true
		followUps = append(followUps, fmt.Sprintf("Ask specifically about %q.", c.Chunk.SectionPath))
	}
	if len(followUps) < 3 {
		followUps = append(followUps, "Upload additional documents covering this topic and retry.")
	}

	return &Result{
		Text:      "There is insufficient evidence in the indexed sources to answer this question.",
		Style:     StyleInsufficientEvidence,
		Citations: []Citation{},
		FollowUps: followUps,
	}
}

// buildCitations turns the cited candidates into citations with
// snippets chosen for question-term coverage inside each chunk.
func (s *Synthesizer) buildCitations(question string, cited []retrieval.Candidate) []Citation {
	words := significantWords(question)
	out := make([]Citation, 0, len(cited))
	for _, c := range cited {
		cit := Citation{
			ChunkID:     c.Chunk.ID,
			SourceID:    c.Chunk.SourceID,
			Ord:         c.Chunk.Ord,
			PageStart:   c.Chunk.PageStart,
			PageEnd:     c.Chunk.PageEnd,
			SectionPath: c.Chunk.SectionPath,
			Score:       c.Score,
		}
		snippet, localStart, localEnd := extractSnippet(c.Chunk.Text, words, s.cfg.SnippetChars)
		if snippet != "" {
			cit.Snippet = snippet
			cit.SnippetStart = localStart
			cit.SnippetEnd = localEnd
			absStart := c.Chunk.CharStart + localStart
			absEnd := c.Chunk.CharStart + localEnd
			// Absolute offsets are only reported when they verifiably
			// land inside the chunk's span of the source text.
			if absEnd <= c.Chunk.CharEnd && c.Chunk.Text[localStart:localEnd] == snippet {
				cit.AbsoluteStart = &absStart
				cit.AbsoluteEnd = &absEnd
			}
		}
		out = append(out, cit)
	}
	return out
}
