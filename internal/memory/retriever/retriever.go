// Package retriever implements the candidate-generation and rescoring
// pipeline described in SPEC_FULL.md §4.4: reciprocal rank fusion over
// vector and keyword search, enriched with semantic, recency, and confidence
// signals. The pre-distillation source's retriever.py implements only the
// raw RRF merge; the multi-factor rescoring below is this specification's
// own enrichment (see SPEC_FULL.md §4.4's grounding note).
package retriever

import (
	"context"
	"fmt"
	"sort"

	"memoryagent/internal/memory"
)

// rrfK is the reciprocal-rank-fusion constant, matching
// MemoryRetriever.RRF_K in the pre-distillation source.
const rrfK = 60

// Weights controls the final-score blend of SPEC_FULL.md §4.4 step 9.
type Weights struct {
	RRF        float64
	Semantic   float64
	Recency    float64
	Confidence float64
}

// DefaultWeights matches SPEC_FULL.md §4.4's literal formula:
// 0.40*rrf + 0.30*semantic + 0.15*recency + 0.15*confidence.
var DefaultWeights = Weights{RRF: 0.40, Semantic: 0.30, Recency: 0.15, Confidence: 0.15}

// Retriever ranks Store-resident memories against a query.
type Retriever struct {
	store      memory.Store
	weights    Weights
	minScore   float64
	candidateK int // multiplier applied to top_k for candidate generation
}

// New constructs a Retriever. minScore is the floor below which a candidate
// is dropped (SPEC_FULL.md §4.4 step 9's selection rule); candidateK is the
// multiplier applied to top_k when generating vector/keyword candidates
// (the spec's literal "k = 3 * top_k").
func New(store memory.Store, weights Weights, minScore float64) *Retriever {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Retriever{store: store, weights: weights, minScore: minScore, candidateK: 3}
}

// Hit is one scored retrieval result.
type Hit struct {
	Memory   memory.Memory
	RRFScore float64
	Score    float64
}

// Retrieve runs the full 9-step pipeline and returns up to topK hits sorted
// by descending final score, ties broken by RRF score then UpdatedAt then
// ID (SPEC_FULL.md §4.4's tie-breaking rule).
func (r *Retriever) Retrieve(ctx context.Context, queryText string, topK, currentTurn int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	candidateLimit := r.candidateK * topK

	vectorHits, err := r.store.SearchVector(ctx, queryText, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("retriever: vector search: %w", err)
	}
	keywordHits, err := r.store.SearchKeyword(ctx, queryText, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("retriever: keyword search: %w", err)
	}

	// Step: RRF rank contribution per list, summed per memory id.
	rrfScores := make(map[string]float64)
	distanceByID := make(map[string]float64)
	for rank, hit := range vectorHits {
		rrfScores[hit.ID] += 1.0 / float64(rrfK+rank+1)
		distanceByID[hit.ID] = hit.Distance
	}
	for rank, hit := range keywordHits {
		rrfScores[hit.ID] += 1.0 / float64(rrfK+rank+1)
	}
	if len(rrfScores) == 0 {
		return nil, nil
	}

	// Candidate enrichment: drop anything inactive or no longer present.
	type enriched struct {
		mem      memory.Memory
		rrf      float64
		distance float64
		hasDist  bool
	}
	enrichedList := make([]enriched, 0, len(rrfScores))
	maxRRF := 0.0
	for id, rrf := range rrfScores {
		m, err := r.store.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("retriever: load candidate %s: %w", id, err)
		}
		if m == nil || !m.IsActive {
			continue
		}
		dist, hasDist := distanceByID[id]
		enrichedList = append(enrichedList, enriched{mem: *m, rrf: rrf, distance: dist, hasDist: hasDist})
		if rrf > maxRRF {
			maxRRF = rrf
		}
	}
	if len(enrichedList) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(enrichedList))
	for _, e := range enrichedList {
		normRRF := 0.0
		if maxRRF > 0 {
			normRRF = e.rrf / maxRRF
		}

		semantic := 0.0
		if e.hasDist {
			semantic = 1.0 / (1.0 + e.distance)
		}

		recency := 0.0
		if currentTurn > 0 && e.mem.LastUsedTurn > 0 {
			recency = float64(e.mem.LastUsedTurn) / float64(currentTurn)
			if recency > 1 {
				recency = 1
			}
		}

		confidence := e.mem.Confidence

		score := r.weights.RRF*normRRF + r.weights.Semantic*semantic + r.weights.Recency*recency + r.weights.Confidence*confidence

		hits = append(hits, Hit{Memory: e.mem, RRFScore: e.rrf, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].RRFScore != hits[j].RRFScore {
			return hits[i].RRFScore > hits[j].RRFScore
		}
		if !hits[i].Memory.UpdatedAt.Equal(hits[j].Memory.UpdatedAt) {
			return hits[i].Memory.UpdatedAt.After(hits[j].Memory.UpdatedAt)
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})

	out := make([]Hit, 0, topK)
	for _, h := range hits {
		if h.Score < r.minScore {
			continue
		}
		out = append(out, h)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
