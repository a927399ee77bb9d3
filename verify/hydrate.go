package verify

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// flexFloat tolerates numbers stored as JSON strings, which older
// payloads and lenient writers sometimes produce.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type looseEvidence struct {
	ChunkID  string `json:"chunk_id"`
	Relation string `json:"relation"`
	Snippet  string `json:"snippet"`
}

type looseClaim struct {
	Text               string          `json:"text"`
	SupportScore       flexFloat       `json:"support_score"`
	ContradictionScore flexFloat       `json:"contradiction_score"`
	Verdict            string          `json:"verdict"`
	Evidence           []looseEvidence `json:"evidence"`
	Highlights         []Highlight     `json:"highlights"`
}

type looseReport struct {
	Claims  []looseClaim    `json:"claims"`
	Summary json.RawMessage `json:"verification_summary"`
}

var validVerdicts = map[string]bool{
	VerdictSupports:     true,
	VerdictWeakSupport:  true,
	VerdictUnsupported:  true,
	VerdictContradicted: true,
	VerdictConflicting:  true,
}

// HydrateReport rebuilds a verification report from a stored payload,
// tolerating missing or malformed fields. Scores are clamped, unknown
// verdicts are re-derived from the scores, and the summary is always
// recomputed from the claims; when the stored summary disagrees with
// the recomputed one the stored value is discarded and the mismatch is
// logged. The second return value is false when the payload held no
// verification data at all.
func HydrateReport(answerID string, payload []byte) (*Report, bool) {
	var loose looseReport
	if err := json.Unmarshal(payload, &loose); err != nil {
		slog.Warn("verify: unparseable stored payload", "answer_id", answerID, "error", err)
		return nil, false
	}
	if loose.Claims == nil && loose.Summary == nil {
		return nil, false
	}

	claims := make([]Claim, 0, len(loose.Claims))
	for _, lc := range loose.Claims {
		if strings.TrimSpace(lc.Text) == "" {
			continue
		}
		c := Claim{
			Text:               lc.Text,
			SupportScore:       clamp01(float64(lc.SupportScore)),
			ContradictionScore: clamp01(float64(lc.ContradictionScore)),
			Verdict:            lc.Verdict,
			Highlights:         lc.Highlights,
		}
		if !validVerdicts[c.Verdict] {
			c.Verdict = DeriveVerdict(c.SupportScore, c.ContradictionScore)
		}
		for _, ev := range lc.Evidence {
			if ev.ChunkID == "" {
				continue
			}
			if ev.Relation != "supports" && ev.Relation != "contradicts" && ev.Relation != "related" {
				continue
			}
			c.Evidence = append(c.Evidence, Evidence(ev))
		}
		claims = append(claims, c)
	}

	report := &Report{Claims: claims, Summary: Summarize(claims)}

	if loose.Summary != nil {
		var stored Summary
		if err := json.Unmarshal(loose.Summary, &stored); err == nil {
			// AnswerStyle belongs to the answer, not the claims, so it
			// never counts as a mismatch.
			stored.AnswerStyle = report.Summary.AnswerStyle
			if stored != report.Summary {
				slog.Warn("verification_summary_inconsistent",
					"answer_id", answerID,
					"stored_verdict", stored.OverallVerdict,
					"recomputed_verdict", report.Summary.OverallVerdict)
			}
		}
	}
	return report, true
}
