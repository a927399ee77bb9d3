// Package verify checks a synthesized answer claim by claim against the
// chunks it was grounded on. Each claim gets support and contradiction
// scores from the model, a verdict derived purely from those scores, and
// optional highlight spans locating the claim inside the evidence.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/grounded/llm"
	"github.com/brunobiangulo/grounded/store"
)

// Verdicts.
const (
	VerdictSupports     = "supports"
	VerdictWeakSupport  = "weak_support"
	VerdictUnsupported  = "unsupported"
	VerdictContradicted = "contradicted"
	VerdictConflicting  = "conflicting"
)

// Overall verdicts.
const (
	OverallSupported       = "supported"
	OverallWeaklySupported = "weakly_supported"
	OverallUnsupported     = "unsupported"
	OverallContradicted    = "contradicted"
)

// Score thresholds for verdict derivation.
const (
	supportHigh       = 0.6
	contradictionHigh = 0.6
	supportLow        = 0.3
)

// maxClaims bounds how many claims are verified per answer.
const maxClaims = 5

// Evidence caps per claim.
const (
	maxSupportEvidence    = 2
	maxContradictEvidence = 1
	maxRelatedEvidence    = 2
)

var (
	// ErrBadModelOutput is returned when a verification reply cannot
	// be parsed.
	ErrBadModelOutput = errors.New("verify: model output is not valid JSON")

	// ErrInconsistent is returned in debug mode when a derived verdict
	// does not match its scores on re-check.
	ErrInconsistent = errors.New("verify: verdict inconsistent with scores")
)

// Evidence ties a claim to a chunk.
type Evidence struct {
	ChunkID  string `json:"chunk_id"`
	Relation string `json:"relation"`
	Snippet  string `json:"snippet,omitempty"`
}

// Highlight locates claim text inside a chunk. Start and End are
// offsets into the chunk text, nil when the claim could not be
// located.
type Highlight struct {
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text,omitempty"`
	Start   *int   `json:"start"`
	End     *int   `json:"end"`
}

// Claim is one verified factual statement from the answer.
type Claim struct {
	Text               string      `json:"text"`
	SupportScore       float64     `json:"support_score"`
	ContradictionScore float64     `json:"contradiction_score"`
	Verdict            string      `json:"verdict"`
	Evidence           []Evidence  `json:"evidence"`
	Highlights         []Highlight `json:"highlights,omitempty"`
}

// Summary aggregates the per-claim verdicts.
type Summary struct {
	TotalClaims       int    `json:"total_claims"`
	Supported         int    `json:"supported"`
	WeakSupport       int    `json:"weak_support"`
	Unsupported       int    `json:"unsupported"`
	Contradicted      int    `json:"contradicted"`
	Conflicting       int    `json:"conflicting"`
	HasContradictions bool   `json:"has_contradictions"`
	OverallVerdict    string `json:"overall_verdict"`

	// AnswerStyle mirrors the answer's top-level style. Summarize
	// leaves it empty; the caller owning the answer fills it in.
	AnswerStyle string `json:"answer_style,omitempty"`
}

// Report is the full verification output for one answer.
type Report struct {
	Claims  []Claim `json:"claims"`
	Summary Summary `json:"verification_summary"`
}

// Config holds verification settings.
type Config struct {
	Highlights bool // compute highlight spans for evidence chunks
	Debug      bool // fail on internal inconsistencies instead of logging
}

// Verifier runs claim-level verification.
type Verifier struct {
	chat llm.Provider
	cfg  Config
}

// New creates a verifier.
func New(chat llm.Provider, cfg Config) *Verifier {
	return &Verifier{chat: chat, cfg: cfg}
}

// Verify extracts claims from the answer and scores each against the
// chunks. The chunks should be the ones the answer cited plus whatever
// else was in the model's context.
func (v *Verifier) Verify(ctx context.Context, question, answerText string, chunks []store.Chunk) (*Report, error) {
	start := time.Now()

	claimTexts, err := v.extractClaims(ctx, question, answerText)
	if err != nil {
		return nil, err
	}
	if len(claimTexts) > maxClaims {
		claimTexts = claimTexts[:maxClaims]
	}

	byID := make(map[string]store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	claims := make([]Claim, 0, len(claimTexts))
	for _, text := range claimTexts {
		claim, err := v.scoreClaim(ctx, text, chunks, byID)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}

	report := &Report{Claims: claims, Summary: Summarize(claims)}

	if v.cfg.Debug {
		for _, c := range report.Claims {
			if c.Verdict != DeriveVerdict(c.SupportScore, c.ContradictionScore) {
				return nil, fmt.Errorf("claim %q: %w", c.Text, ErrInconsistent)
			}
		}
	}

	slog.Debug("verify: complete",
		"claims", len(claims), "overall", report.Summary.OverallVerdict,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return report, nil
}

// extractClaims asks the model to list the answer's factual claims.
func (v *Verifier) extractClaims(ctx context.Context, question, answerText string) ([]string, error) {
	var b strings.Builder
	b.WriteString("List the distinct factual claims made by the answer below, one sentence each.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	fmt.Fprintf(&b, "Answer:\n%s\n", answerText)
	b.WriteString("\n\nRespond with a JSON object {\"claims\": [\"...\"]}. Do not invent claims the answer does not make.")

	resp, err := v.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}

	var reply struct {
		Claims []string `json:"claims"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelOutput, err)
	}

	out := reply.Claims[:0]
	for _, c := range reply.Claims {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// scoreReply is the JSON object the scoring prompt asks for.
type scoreReply struct {
	SupportScore       float64    `json:"support_score"`
	ContradictionScore float64    `json:"contradiction_score"`
	Evidence           []Evidence `json:"evidence"`
}

// scoreClaim scores one claim against the chunks and assembles the
// verified claim with verdict, capped evidence, and highlights.
func (v *Verifier) scoreClaim(ctx context.Context, claimText string, chunks []store.Chunk, byID map[string]store.Chunk) (Claim, error) {
	var b strings.Builder
	b.WriteString("Assess how well the context chunks support the claim.\n\n")
	fmt.Fprintf(&b, "Claim: %s\n", claimText)
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n[CHUNK %s]\n", c.ID)
		fmt.Fprintf(&b, "Source: %s\n", c.SourceID)
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n\nRespond with a JSON object {\"support_score\": 0.0, \"contradiction_score\": 0.0, \"evidence\": [{\"chunk_id\": \"...\", \"relation\": \"supports|contradicts\", \"snippet\": \"...\"}]}.")

	resp, err := v.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Claim{}, fmt.Errorf("scoring claim: %w", err)
	}

	var reply scoreReply
	if err := json.Unmarshal([]byte(resp.Content), &reply); err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrBadModelOutput, err)
	}

	claim := Claim{
		Text:               claimText,
		SupportScore:       clamp01(reply.SupportScore),
		ContradictionScore: clamp01(reply.ContradictionScore),
		Evidence:           capEvidence(reply.Evidence, byID),
	}
	claim.Verdict = DeriveVerdict(claim.SupportScore, claim.ContradictionScore)

	if v.cfg.Highlights {
		for _, ev := range claim.Evidence {
			chunk := byID[ev.ChunkID]
			claim.Highlights = append(claim.Highlights, locateClaim(claimText, chunk))
		}
	}
	return claim, nil
}

// capEvidence drops evidence pointing at unknown chunks or with unknown
// relations, then caps each relation separately.
func capEvidence(evidence []Evidence, byID map[string]store.Chunk) []Evidence {
	out := make([]Evidence, 0, len(evidence))
	supports, contradicts, related := 0, 0, 0
	for _, ev := range evidence {
		if _, ok := byID[ev.ChunkID]; !ok {
			slog.Warn("verify: dropping evidence for unknown chunk", "chunk_id", ev.ChunkID)
			continue
		}
		switch ev.Relation {
		case "supports":
			if supports == maxSupportEvidence {
				continue
			}
			supports++
		case "contradicts":
			if contradicts == maxContradictEvidence {
				continue
			}
			contradicts++
		case "related":
			if related == maxRelatedEvidence {
				continue
			}
			related++
		default:
			continue
		}
		out = append(out, ev)
	}
	return out
}

// DeriveVerdict maps support and contradiction scores to a verdict.
func DeriveVerdict(support, contradiction float64) string {
	highSupport := support >= supportHigh
	highContradiction := contradiction >= contradictionHigh
	switch {
	case highSupport && highContradiction:
		return VerdictConflicting
	case highContradiction:
		return VerdictContradicted
	case highSupport:
		return VerdictSupports
	case support >= supportLow:
		return VerdictWeakSupport
	default:
		return VerdictUnsupported
	}
}

// Summarize aggregates claim verdicts into a summary. The overall
// verdict is contradicted when any claim contradicts or conflicts,
// otherwise supported when at least half the claims are fully
// supported, weakly supported when weak support pushes past half, and
// unsupported in all other cases.
func Summarize(claims []Claim) Summary {
	s := Summary{TotalClaims: len(claims)}
	for _, c := range claims {
		switch c.Verdict {
		case VerdictSupports:
			s.Supported++
		case VerdictWeakSupport:
			s.WeakSupport++
		case VerdictContradicted:
			s.Contradicted++
		case VerdictConflicting:
			s.Conflicting++
		default:
			s.Unsupported++
		}
	}
	s.HasContradictions = s.Contradicted+s.Conflicting > 0

	half := (len(claims) + 1) / 2
	switch {
	case s.HasContradictions:
		s.OverallVerdict = OverallContradicted
	case len(claims) > 0 && s.Supported >= half:
		s.OverallVerdict = OverallSupported
	case len(claims) > 0 && s.Supported+s.WeakSupport >= half:
		s.OverallVerdict = OverallWeaklySupported
	default:
		s.OverallVerdict = OverallUnsupported
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
