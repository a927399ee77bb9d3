package retrieval

import (
	"context"
	"fmt"
	"math"
)

// diversify applies maximal marginal relevance over the candidates'
// stored embeddings: each pick balances similarity to the question
// against similarity to chunks already selected, weighted by MMRLambda.
// Candidates beyond MMRCandidates keep their existing order.
func (e *Engine) diversify(ctx context.Context, qvec []float32, candidates []Candidate) ([]Candidate, error) {
	pool := candidates
	var tail []Candidate
	if len(pool) > e.cfg.MMRCandidates {
		tail = pool[e.cfg.MMRCandidates:]
		pool = pool[:e.cfg.MMRCandidates]
	}

	ids := make([]string, len(pool))
	for i, c := range pool {
		ids[i] = c.Chunk.ID
	}
	embeddings, err := e.store.ChunkEmbeddings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunk embeddings: %w", err)
	}

	selected := mmrSelect(qvec, pool, embeddings, e.cfg.MMRLambda)
	return append(selected, tail...), nil
}

// mmrSelect greedily orders the pool by marginal relevance.
func mmrSelect(qvec []float32, pool []Candidate, embeddings map[string][]float32, lambda float64) []Candidate {
	remaining := make([]int, 0, len(pool))
	for i := range pool {
		remaining = append(remaining, i)
	}

	relevance := make([]float64, len(pool))
	for i, c := range pool {
		relevance[i] = cosine(qvec, embeddings[c.Chunk.ID])
	}

	selected := make([]Candidate, 0, len(pool))
	selectedVecs := make([][]float32, 0, len(pool))
	for len(remaining) > 0 {
		bestPos, bestScore := 0, math.Inf(-1)
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, sv := range selectedVecs {
				if sim := cosine(embeddings[pool[idx].Chunk.ID], sv); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*relevance[idx] - (1-lambda)*maxSim
			// Strictly-greater keeps ties resolved by incoming rank.
			if score > bestScore {
				bestScore = score
				bestPos = pos
			}
		}
		idx := remaining[bestPos]
		selected = append(selected, pool[idx])
		selectedVecs = append(selectedVecs, embeddings[pool[idx].Chunk.ID])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// empty or zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
