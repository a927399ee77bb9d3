package verify

import (
	"regexp"
	"strings"

	"github.com/brunobiangulo/grounded/store"
)

var highlightTokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// snapWindow bounds how far a highlight edge may grow to reach a
// whitespace boundary.
const snapWindow = 20

// minHighlightTokens is the shortest token run worth highlighting.
const minHighlightTokens = 2

// locateClaim finds the longest run of consecutive claim tokens inside
// the chunk text and returns it as a highlight with offsets into the
// chunk text. Edges are snapped outward to whitespace when one sits
// nearby, so the span does not start or end mid-word. The highlight
// text is always the verbatim slice of the chunk covered by the
// offsets; when the claim cannot be located the offsets are nil.
func locateClaim(claimText string, chunk store.Chunk) Highlight {
	hl := Highlight{ChunkID: chunk.ID}

	claimTokens := lowerTokens(claimText)
	chunkSpans := highlightTokenRe.FindAllStringIndex(chunk.Text, -1)
	if len(claimTokens) == 0 || len(chunkSpans) == 0 {
		return hl
	}
	chunkTokens := make([]string, len(chunkSpans))
	for i, s := range chunkSpans {
		chunkTokens[i] = strings.ToLower(chunk.Text[s[0]:s[1]])
	}

	// Longest common token run between claim and chunk.
	bestLen, bestEnd := 0, 0
	prev := make([]int, len(claimTokens)+1)
	cur := make([]int, len(claimTokens)+1)
	for i := 1; i <= len(chunkTokens); i++ {
		for j := 1; j <= len(claimTokens); j++ {
			if chunkTokens[i-1] == claimTokens[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestLen {
					bestLen = cur[j]
					bestEnd = i
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	if bestLen < minHighlightTokens {
		return hl
	}

	localStart := chunkSpans[bestEnd-bestLen][0]
	localEnd := chunkSpans[bestEnd-1][1]
	localStart, localEnd = snapToWhitespace(chunk.Text, localStart, localEnd)

	hl.Text = chunk.Text[localStart:localEnd]
	hl.Start = &localStart
	hl.End = &localEnd
	return hl
}

// AttachHighlights fills in missing highlight spans for stored claims
// from the chunks their evidence references. Claims that already carry
// highlights are left alone; evidence whose chunk is gone is skipped.
func AttachHighlights(claims []Claim, chunks []store.Chunk) []Claim {
	byID := make(map[string]store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	out := make([]Claim, len(claims))
	for i, claim := range claims {
		out[i] = claim
		if len(claim.Highlights) > 0 {
			continue
		}
		for _, ev := range claim.Evidence {
			chunk, ok := byID[ev.ChunkID]
			if !ok {
				continue
			}
			out[i].Highlights = append(out[i].Highlights, locateClaim(claim.Text, chunk))
		}
	}
	return out
}

// snapToWhitespace widens [start, end) to the surrounding whitespace
// boundaries when they lie within snapWindow bytes; otherwise the edge
// stays where the token match put it.
func snapToWhitespace(text string, start, end int) (int, int) {
	for off := 0; off < snapWindow && start-off > 0; off++ {
		if isWhitespace(text[start-off-1]) {
			start -= off
			break
		}
	}
	for off := 0; off < snapWindow && end+off < len(text); off++ {
		if isWhitespace(text[end+off]) {
			end += off
			break
		}
	}
	return start, end
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

func lowerTokens(text string) []string {
	return highlightTokenRe.FindAllString(strings.ToLower(text), -1)
}
