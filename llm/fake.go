package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
)

// NewFake creates the deterministic provider. Embeddings are hash-seeded
// unit vectors; chat responses are templates computed purely from the
// prompt, so identical inputs always produce byte-identical outputs.
func NewFake(dim int) Provider {
	if dim <= 0 {
		dim = 1536
	}
	return &fakeProvider{dim: dim}
}

type fakeProvider struct {
	dim int
}

func (p *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text, p.dim)
	}
	return out, nil
}

// hashVector expands sha256(text) into a unit vector of the given dimension.
func hashVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	var block [40]byte
	copy(block[:32], seed[:])
	var norm float64
	for i := 0; i < dim; i += 8 {
		binary.LittleEndian.PutUint64(block[32:], uint64(i))
		digest := sha256.Sum256(block[:])
		for j := 0; j < 8 && i+j < dim; j++ {
			raw := binary.LittleEndian.Uint32(digest[j*4 : j*4+4])
			v := float64(raw)/float64(math.MaxUint32)*2 - 1
			vec[i+j] = float32(v)
			norm += v * v
		}
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	prompt := lastUserContent(req.Messages)

	var content string
	switch {
	case strings.Contains(prompt, `"support_score"`):
		content = fakeScoreClaim(prompt)
	case strings.Contains(prompt, `"claims"`):
		content = fakeExtractClaims(prompt)
	default:
		content = fakeAnswer(prompt)
	}

	return &ChatResponse{
		Content:      content,
		Model:        "fake",
		FinishReason: "stop",
	}, nil
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

var chunkBlockRe = regexp.MustCompile(`(?m)^\[CHUNK ([0-9a-fA-F-]+)\]`)

type promptChunk struct {
	id   string
	text string
}

// parseChunkBlocks extracts the [CHUNK id] blocks from a prompt. The block
// body runs to the next [CHUNK marker or end of prompt, minus the metadata
// line the synthesizer emits after the header.
func parseChunkBlocks(prompt string) []promptChunk {
	locs := chunkBlockRe.FindAllStringSubmatchIndex(prompt, -1)
	chunks := make([]promptChunk, 0, len(locs))
	for i, loc := range locs {
		end := len(prompt)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := prompt[loc[1]:end]
		if cut := strings.Index(body, "\n\nRespond"); cut >= 0 {
			body = body[:cut]
		}
		lines := strings.Split(strings.TrimSpace(body), "\n")
		if len(lines) > 0 && strings.HasPrefix(lines[0], "Source:") {
			lines = lines[1:]
		}
		chunks = append(chunks, promptChunk{
			id:   prompt[loc[2]:loc[3]],
			text: strings.TrimSpace(strings.Join(lines, "\n")),
		})
	}
	return chunks
}

func promptField(prompt, label string) string {
	idx := strings.Index(prompt, label)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(label):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

// promptSection returns everything between the label line and the next
// blank-line-delimited instruction paragraph.
func promptSection(prompt, label string) string {
	idx := strings.Index(prompt, label)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(label):]
	if cut := strings.Index(rest, "\n\nRespond"); cut >= 0 {
		rest = rest[:cut]
	}
	return strings.TrimSpace(rest)
}

func fakeAnswer(prompt string) string {
	question := promptField(prompt, "Question:")
	chunks := parseChunkBlocks(prompt)

	type scored struct {
		chunk promptChunk
		score float64
		pos   int
	}
	qTokens := significantTokens(question)
	var ranked []scored
	for i, c := range chunks {
		s := tokenRecall(qTokens, tokenSet(c.text))
		if s > 0 {
			ranked = append(ranked, scored{chunk: c, score: s, pos: i})
		}
	}
	if len(ranked) == 0 {
		return `{"answer": "I don't know.", "citations": []}`
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].pos < ranked[j].pos
	})

	answer := leadingSentences(ranked[0].chunk.text, 2, 400)
	cited := []string{ranked[0].chunk.id}
	if len(ranked) > 1 {
		cited = append(cited, ranked[1].chunk.id)
	}

	payload := struct {
		Answer    string   `json:"answer"`
		Citations []string `json:"citations"`
	}{Answer: answer, Citations: cited}
	data, _ := json.Marshal(payload)
	return string(data)
}

const maxFakeClaims = 5

func fakeExtractClaims(prompt string) string {
	answer := promptSection(prompt, "Answer:")
	var claims []string
	if !strings.Contains(strings.ToLower(answer), "insufficient evidence") {
		for _, s := range splitSentences(answer) {
			if len(s) < 10 {
				continue
			}
			claims = append(claims, s)
			if len(claims) == maxFakeClaims {
				break
			}
		}
	}
	if claims == nil {
		claims = []string{}
	}
	payload := struct {
		Claims []string `json:"claims"`
	}{Claims: claims}
	data, _ := json.Marshal(payload)
	return string(data)
}

const fakeSupportThreshold = 0.4

func fakeScoreClaim(prompt string) string {
	claim := promptField(prompt, "Claim:")
	chunks := parseChunkBlocks(prompt)

	claimTokens := significantTokens(claim)
	claimNumbers := numericTokens(claim)

	type evidence struct {
		ChunkID  string `json:"chunk_id"`
		Relation string `json:"relation"`
		Snippet  string `json:"snippet"`
	}
	var (
		support       float64
		contradiction float64
		supports      []evidence
		contradicts   []evidence
	)
	for _, c := range chunks {
		overlap := tokenRecall(claimTokens, tokenSet(c.text))
		if overlap > support {
			support = overlap
		}
		snippet := collapseWhitespace(c.text)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		if overlap >= fakeSupportThreshold && len(supports) < 2 {
			supports = append(supports, evidence{ChunkID: c.id, Relation: "supports", Snippet: snippet})
		}
		chunkNumbers := numericTokens(c.text)
		if len(claimNumbers) > 0 && len(chunkNumbers) > 0 &&
			disjoint(claimNumbers, chunkNumbers) && overlap >= fakeSupportThreshold {
			score := math.Max(overlap, 0.6)
			if score > contradiction {
				contradiction = score
			}
			if len(contradicts) < 1 {
				contradicts = append(contradicts, evidence{ChunkID: c.id, Relation: "contradicts", Snippet: snippet})
			}
		}
	}
	// A chunk that contradicts the claim's numbers is not supporting it.
	if len(contradicts) > 0 && support == contradiction {
		support = math.Max(0, support-0.3)
	}

	all := append(supports, contradicts...)
	if all == nil {
		all = []evidence{}
	}
	payload := struct {
		SupportScore       float64    `json:"support_score"`
		ContradictionScore float64    `json:"contradiction_score"`
		Evidence           []evidence `json:"evidence"`
	}{
		SupportScore:       clamp01(support),
		ContradictionScore: clamp01(contradiction),
		Evidence:           all,
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

// --- pure text helpers ---

var (
	tokenRe    = regexp.MustCompile(`[a-zA-Z0-9]+`)
	numberRe   = regexp.MustCompile(`^[0-9][0-9.,%]*$`)
	sentenceRe = regexp.MustCompile(`[.!?]+\s+`)
)

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		set[tok] = true
	}
	return set
}

func significantTokens(text string) map[string]bool {
	set := make(map[string]bool)
	for tok := range tokenSet(text) {
		if len(tok) >= 3 || numberRe.MatchString(tok) {
			set[tok] = true
		}
	}
	return set
}

func numericTokens(text string) map[string]bool {
	set := make(map[string]bool)
	for tok := range tokenSet(text) {
		if numberRe.MatchString(tok) {
			set[tok] = true
		}
	}
	return set
}

// tokenRecall is |left ∩ right| / |left|.
func tokenRecall(left, right map[string]bool) float64 {
	if len(left) == 0 {
		return 0
	}
	matched := 0
	for tok := range left {
		if right[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(left))
}

func disjoint(a, b map[string]bool) bool {
	for tok := range a {
		if b[tok] {
			return false
		}
	}
	return true
}

func splitSentences(text string) []string {
	var out []string
	rest := collapseWhitespace(text)
	for rest != "" {
		loc := sentenceRe.FindStringIndex(rest)
		if loc == nil {
			if s := strings.TrimSpace(rest); s != "" {
				out = append(out, s)
			}
			break
		}
		if s := strings.TrimSpace(rest[:loc[1]]); s != "" {
			out = append(out, s)
		}
		rest = rest[loc[1]:]
	}
	return out
}

func leadingSentences(text string, n, maxChars int) string {
	sentences := splitSentences(text)
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	joined := strings.Join(sentences, " ")
	if len(joined) > maxChars {
		joined = strings.TrimSpace(joined[:maxChars])
	}
	return joined
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
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
