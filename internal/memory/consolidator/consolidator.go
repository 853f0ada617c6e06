// Package consolidator implements the duplicate-merge, staleness-decay, and
// low-confidence-expiration maintenance pass described in SPEC_FULL.md §4.5,
// ported from the pre-distillation source's consolidator.py.
package consolidator

import (
	"context"
	"fmt"
	"math"
	"sort"

	"memoryagent/internal/memory"
)

// similarityThreshold is the cosine-similarity floor above which two
// memories with different keys are still considered duplicates, matching
// consolidator.py's SIMILARITY_THRESHOLD.
const similarityThreshold = 0.85

// semanticCandidateK bounds how many nearest neighbours SearchVector
// returns per memory when looking for semantic duplicates, matching
// consolidator.py's find_duplicates (search_vector(..., top_k=10)).
const semanticCandidateK = 10

// DecayConfig parameterizes the staleness-decay and expiration steps.
type DecayConfig struct {
	DecayThreshold int     // turns unused before decay applies (default 200)
	DecayFactor    float64 // multiplier applied to confidence (default 0.9)
	ExpireBelow    float64 // confidence floor for expiration (default 0.3)
}

// DefaultDecayConfig matches consolidator.py's literal defaults.
var DefaultDecayConfig = DecayConfig{DecayThreshold: 200, DecayFactor: 0.9, ExpireBelow: 0.3}

// Report summarizes one consolidation pass, matching
// consolidator.py's ConsolidationReport.
type Report struct {
	DuplicatesFound    int
	DuplicatesMerged   int
	MemoriesDecayed    int
	MemoriesExpired    int
	TotalActiveBefore  int
	TotalActiveAfter   int
}

// Consolidator runs the maintenance pass against a Store.
type Consolidator struct {
	store  memory.Store
	config DecayConfig
}

// New constructs a Consolidator.
func New(store memory.Store, config DecayConfig) *Consolidator {
	if config == (DecayConfig{}) {
		config = DefaultDecayConfig
	}
	return &Consolidator{store: store, config: config}
}

// duplicateGroup is a canonical memory plus the duplicates that should be
// deactivated in its favor.
type duplicateGroup struct {
	canonical  memory.Memory
	duplicates []memory.Memory
}

// Run executes the four ordered steps named in SPEC_FULL.md §4.5: duplicate
// detection and merge, staleness decay, and low-confidence expiration.
func (c *Consolidator) Run(ctx context.Context, currentTurn int) (Report, error) {
	var report Report

	active, err := c.store.GetActive(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidator: load active memories: %w", err)
	}
	report.TotalActiveBefore = len(active)

	groups, err := c.findDuplicates(ctx, active)
	if err != nil {
		return report, fmt.Errorf("consolidator: find duplicates: %w", err)
	}
	for _, g := range groups {
		report.DuplicatesFound += len(g.duplicates)
	}
	merged, err := c.mergeDuplicates(ctx, groups)
	if err != nil {
		return report, fmt.Errorf("consolidator: merge duplicates: %w", err)
	}
	report.DuplicatesMerged = merged

	decayed, err := c.decayStale(ctx, currentTurn)
	if err != nil {
		return report, fmt.Errorf("consolidator: decay stale: %w", err)
	}
	report.MemoriesDecayed = decayed

	expired, err := c.expireLowConfidence(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidator: expire low confidence: %w", err)
	}
	report.MemoriesExpired = expired

	afterCount, err := c.store.ActiveCount(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidator: count active: %w", err)
	}
	report.TotalActiveAfter = afterCount

	return report, nil
}

// findDuplicates runs the two-pass detection named in SPEC_FULL.md §4.5: an
// exact-key grouping pass (defensive — the Store's at-most-one-active-
// memory-per-key invariant should already prevent key collisions, but a
// group is still built if one somehow exists) followed by a semantic pass
// over memories not already grouped. The semantic pass bounds its candidate
// set per memory via Store.SearchVector (top semanticCandidateK neighbours)
// rather than comparing every ungrouped memory against every other, then
// confirms each candidate with an exact cosine-similarity check, matching
// consolidator.py's find_duplicates.
func (c *Consolidator) findDuplicates(ctx context.Context, active []memory.Memory) ([]duplicateGroup, error) {
	byKey := make(map[string][]memory.Memory)
	for _, m := range active {
		byKey[m.Key] = append(byKey[m.Key], m)
	}

	grouped := make(map[string]bool)
	var groups []duplicateGroup
	for _, ms := range byKey {
		if len(ms) < 2 {
			continue
		}
		canonical, duplicates := pickCanonical(ms)
		groups = append(groups, duplicateGroup{canonical: canonical, duplicates: duplicates})
		for _, m := range ms {
			grouped[m.ID] = true
		}
	}

	var ungrouped []memory.Memory
	byID := make(map[string]memory.Memory, len(active))
	for _, m := range active {
		byID[m.ID] = m
		if !grouped[m.ID] {
			ungrouped = append(ungrouped, m)
		}
	}

	embeddings := make(map[string][]float32, len(ungrouped))
	visited := make(map[string]bool)
	for _, a := range ungrouped {
		if visited[a.ID] {
			continue
		}
		aVec, err := c.embeddingFor(ctx, embeddings, a)
		if err != nil {
			return nil, err
		}

		hits, err := c.store.SearchVector(ctx, a.EmbedText(), semanticCandidateK)
		if err != nil {
			return nil, err
		}

		var cluster []memory.Memory
		for _, hit := range hits {
			if hit.ID == a.ID || visited[hit.ID] || grouped[hit.ID] {
				continue
			}
			b, ok := byID[hit.ID]
			if !ok {
				continue
			}
			bVec, err := c.embeddingFor(ctx, embeddings, b)
			if err != nil {
				return nil, err
			}
			if cosineSimilarity(aVec, bVec) >= similarityThreshold {
				cluster = append(cluster, b)
				visited[b.ID] = true
			}
		}
		if len(cluster) == 0 {
			continue
		}
		cluster = append(cluster, a)
		visited[a.ID] = true
		canonical, duplicates := pickCanonical(cluster)
		groups = append(groups, duplicateGroup{canonical: canonical, duplicates: duplicates})
	}

	return groups, nil
}

// embeddingFor returns m's embedding, computing and caching it on first use.
func (c *Consolidator) embeddingFor(ctx context.Context, cache map[string][]float32, m memory.Memory) ([]float32, error) {
	if vec, ok := cache[m.ID]; ok {
		return vec, nil
	}
	vec, err := c.store.Embed(ctx, m.EmbedText())
	if err != nil {
		return nil, err
	}
	cache[m.ID] = vec
	return vec, nil
}

// pickCanonical sorts by (confidence, updated_at) descending, ties broken
// by the later updated_at, matching consolidator.py's _pick_canonical.
func pickCanonical(ms []memory.Memory) (memory.Memory, []memory.Memory) {
	ranked := make([]memory.Memory, len(ms))
	copy(ranked, ms)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
	})
	return ranked[0], ranked[1:]
}

func (c *Consolidator) mergeDuplicates(ctx context.Context, groups []duplicateGroup) (int, error) {
	merged := 0
	for _, g := range groups {
		for _, dup := range g.duplicates {
			if dup.Key == g.canonical.Key {
				// Exact-key group: DeactivateByKey would also take down the
				// canonical, since both rows share the key. Retire just the
				// duplicate's row by id instead, mirroring
				// consolidator.py's _deactivate_memory.
				if err := c.store.DeactivateByID(ctx, dup.ID); err != nil {
					return merged, err
				}
				merged++
				continue
			}
			if err := c.store.DeactivateByKey(ctx, dup.Key); err != nil {
				return merged, err
			}
			merged++
		}
	}
	return merged, nil
}

// decayStale multiplies confidence by DecayFactor for every active memory
// unused for more than DecayThreshold turns, skipping memories that have
// never been touched (LastUsedTurn == 0), matching consolidator.py's
// decay_stale.
func (c *Consolidator) decayStale(ctx context.Context, currentTurn int) (int, error) {
	active, err := c.store.GetActive(ctx)
	if err != nil {
		return 0, err
	}
	decayed := 0
	for _, m := range active {
		if m.LastUsedTurn <= 0 {
			continue
		}
		turnsSinceUse := currentTurn - m.LastUsedTurn
		if turnsSinceUse <= c.config.DecayThreshold {
			continue
		}
		newConfidence := roundTo6(m.Confidence * c.config.DecayFactor)
		if err := c.store.UpdateConfidence(ctx, m.ID, newConfidence); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}

// expireLowConfidence deactivates every active memory whose confidence has
// fallen below ExpireBelow.
func (c *Consolidator) expireLowConfidence(ctx context.Context) (int, error) {
	active, err := c.store.GetActive(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, m := range active {
		if m.Confidence >= c.config.ExpireBelow {
			continue
		}
		if err := c.store.DeactivateByKey(ctx, m.Key); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func roundTo6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
