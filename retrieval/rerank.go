package retrieval

import (
	"regexp"
	"sort"
	"strings"
)

var rerankTokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// rerank reorders candidates by lexical affinity with the question:
// term-frequency overlap plus an ordered-bigram bonus, with a mild
// penalty for very short chunks. Scored over a snippet of each chunk so
// long chunks do not win by sheer surface area. Deterministic, no model
// calls.
func rerank(question string, candidates []Candidate, snippetChars int) []Candidate {
	if snippetChars <= 0 {
		snippetChars = 900
	}
	qTokens := rerankTokens(question)
	if len(qTokens) == 0 {
		return candidates
	}
	qSet := map[string]bool{}
	for _, t := range qTokens {
		qSet[t] = true
	}
	qBigrams := bigrams(qTokens)

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		snippet := out[i].Chunk.Text
		if len(snippet) > snippetChars {
			snippet = snippet[:snippetChars]
		}
		cTokens := rerankTokens(snippet)

		// Term-frequency overlap, capped per term so repetition
		// cannot dominate.
		tf := map[string]int{}
		for _, t := range cTokens {
			if qSet[t] && tf[t] < 3 {
				tf[t]++
			}
		}
		overlap := 0
		for _, n := range tf {
			overlap += n
		}
		score := float64(overlap) / float64(len(qTokens)*3)

		// Ordered bigram matches reward phrase-level agreement.
		if len(qBigrams) > 0 {
			cBigrams := bigrams(cTokens)
			matched := 0
			for b := range qBigrams {
				if cBigrams[b] {
					matched++
				}
			}
			score += 0.5 * float64(matched) / float64(len(qBigrams))
		}

		// Very short chunks rarely carry enough context to answer from.
		if len(cTokens) < 20 {
			score *= 0.7
		}

		out[i].Score = score
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
	return out
}

func rerankTokens(s string) []string {
	raw := rerankTokenRe.FindAllString(strings.ToLower(s), -1)
	out := raw[:0]
	for _, t := range raw {
		if len(t) >= 2 {
			out = append(out, t)
		}
	}
	return out
}

func bigrams(tokens []string) map[string]bool {
	out := map[string]bool{}
	for i := 0; i+1 < len(tokens); i++ {
		out[tokens[i]+" "+tokens[i+1]] = true
	}
	return out
}
