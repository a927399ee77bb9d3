package answer

import (
	"strings"
	"unicode"
)

// sentenceSpan is a sentence with its byte offsets in the chunk text.
type sentenceSpan struct {
	start int
	end   int
	score int
}

// extractSnippet returns the most relevant sentence (extended with its
// best-scoring neighbor when that fits in maxLen) from content based on
// word overlap with answerWords, plus its byte offsets. The snippet is
// always the verbatim slice content[start:end]. Returns "" with zero
// offsets when nothing overlaps.
func extractSnippet(content string, answerWords map[string]bool, maxLen int) (string, int, int) {
	if len(answerWords) == 0 || content == "" {
		return "", 0, 0
	}

	spans := splitSentenceSpans(content)
	if len(spans) == 0 {
		return "", 0, 0
	}

	for i := range spans {
		for w := range significantWords(content[spans[i].start:spans[i].end]) {
			if answerWords[w] {
				spans[i].score++
			}
		}
	}

	best := 0
	for i, s := range spans {
		if s.score > spans[best].score {
			best = i
		}
	}
	if spans[best].score == 0 {
		return "", 0, 0
	}

	start, end := spans[best].start, spans[best].end

	// Extend with the higher-scoring neighbor when the combined span
	// still fits.
	if end-start < maxLen && len(spans) > 1 {
		adj, adjScore := -1, 0
		for _, delta := range []int{1, -1} {
			if n := best + delta; n >= 0 && n < len(spans) && spans[n].score > adjScore {
				adjScore = spans[n].score
				adj = n
			}
		}
		if adj >= 0 && adjScore > 0 {
			lo, hi := start, end
			if spans[adj].start < lo {
				lo = spans[adj].start
			}
			if spans[adj].end > hi {
				hi = spans[adj].end
			}
			if hi-lo <= maxLen {
				start, end = lo, hi
			}
		}
	}

	if end-start > maxLen {
		end = start + maxLen
		// Back off to a space so the cut does not split a word or a
		// multi-byte rune.
		if cut := strings.LastIndexByte(content[start:end], ' '); cut > 0 {
			end = start + cut
		}
	}

	return content[start:end], start, end
}

// splitSentenceSpans splits text into trimmed sentence spans at
// period/question/exclamation boundaries followed by whitespace.
func splitSentenceSpans(text string) []sentenceSpan {
	var spans []sentenceSpan
	segStart := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		atEnd := i+1 >= len(text)
		if c == '.' || c == '?' || c == '!' {
			if atEnd || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				if s := trimSpan(text, segStart, i+1); s.end > s.start {
					spans = append(spans, s)
				}
				segStart = i + 1
			}
		}
	}
	if s := trimSpan(text, segStart, len(text)); s.end > s.start {
		spans = append(spans, s)
	}
	return spans
}

func trimSpan(text string, start, end int) sentenceSpan {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return sentenceSpan{start: start, end: end}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

// significantWords returns the set of lowercased words >= 4 characters,
// excluding common stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// stopWords is a set of common English stop words to exclude from matching.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
}
