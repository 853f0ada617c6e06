package consolidator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryagent/internal/memory"
)

// fakeStore is a small in-memory Store sufficient to exercise the
// Consolidator's read-modify-write pattern faithfully: Add/DeactivateByKey
// mutate real state, Embed returns a caller-supplied vector per memory's
// embed text.
type fakeStore struct {
	memories map[string]*memory.Memory
	vectors  map[string][]float32
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: map[string]*memory.Memory{}, vectors: map[string][]float32{}}
}

func (f *fakeStore) add(m memory.Memory, vec []float32) {
	f.memories[m.ID] = &m
	f.vectors[m.EmbedText()] = vec
}

func (f *fakeStore) Add(_ context.Context, mutation memory.Mutation, turnID int) (string, error) {
	f.nextID++
	id := memory.GenerateID()
	m := memory.Memory{
		ID: id, Type: mutation.Type, Category: mutation.Category, Key: mutation.Key,
		Value: mutation.Value, Confidence: mutation.Confidence, SourceTurn: turnID,
		CreatedAt: time.Now(), UpdatedAt: time.Now(), IsActive: true,
	}
	f.memories[id] = &m
	return id, nil
}

func (f *fakeStore) DeactivateByKey(_ context.Context, key string) error {
	for _, m := range f.memories {
		if m.Key == key && m.IsActive {
			m.IsActive = false
		}
	}
	return nil
}

func (f *fakeStore) DeactivateByID(_ context.Context, id string) error {
	if m, ok := f.memories[id]; ok {
		m.IsActive = false
	}
	return nil
}

func (f *fakeStore) Touch(_ context.Context, id string, turn int) error {
	if m, ok := f.memories[id]; ok {
		m.LastUsedTurn = turn
	}
	return nil
}

func (f *fakeStore) UpdateConfidence(_ context.Context, id string, confidence float64) error {
	if m, ok := f.memories[id]; ok {
		m.Confidence = confidence
	}
	return nil
}

func (f *fakeStore) FindByKey(_ context.Context, key string) (*memory.Memory, error) {
	for _, m := range f.memories {
		if m.Key == key && m.IsActive {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*memory.Memory, error) {
	m, ok := f.memories[id]
	if !ok || !m.IsActive {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetActive(context.Context) ([]memory.Memory, error) {
	var out []memory.Memory
	for _, m := range f.memories {
		if m.IsActive {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveCount(context.Context) (int, error) {
	n := 0
	for _, m := range f.memories {
		if m.IsActive {
			n++
		}
	}
	return n, nil
}

// SearchVector mimics a real nearest-neighbour index: it ranks every active
// memory by cosine distance to queryText's (pre-registered) vector, nearest
// first, so findDuplicates' SearchVector-bounded candidate lookup has
// something real to rank.
func (f *fakeStore) SearchVector(_ context.Context, queryText string, k int) ([]memory.VectorHit, error) {
	queryVec, ok := f.vectors[queryText]
	if !ok {
		return nil, nil
	}
	var hits []memory.VectorHit
	for _, m := range f.memories {
		if !m.IsActive {
			continue
		}
		vec, ok := f.vectors[m.EmbedText()]
		if !ok {
			continue
		}
		hits = append(hits, memory.VectorHit{ID: m.ID, Distance: 1 - cosineSimilarity(queryVec, vec)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
func (f *fakeStore) SearchKeyword(context.Context, string, int) ([]memory.KeywordHit, error) {
	return nil, nil
}

func (f *fakeStore) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeStore) LogTurn(context.Context, int, string, string, []string) error { return nil }
func (f *fakeStore) LastTurnID(context.Context) (int, error)                      { return 0, nil }
func (f *fakeStore) Profile(context.Context) (memory.Profile, error)              { return nil, nil }
func (f *fakeStore) WriteSnapshot(context.Context, int) error                     { return nil }

func (f *fakeStore) AllMemories(context.Context) ([]memory.Memory, error) {
	var out []memory.Memory
	for _, m := range f.memories {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

var _ memory.Store = (*fakeStore)(nil)

// Scenario 5, SPEC_FULL.md §8: duplicate merge keeps the higher-confidence
// memory and deactivates the other.
func TestMergeDuplicatesKeepsHighestConfidence(t *testing.T) {
	store := newFakeStore()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	store.add(memory.Memory{
		ID: "mem_low000001", Key: "fav_color_a", Value: "blue shade", Confidence: 0.6,
		IsActive: true, UpdatedAt: older,
	}, []float32{1, 0, 0})
	store.add(memory.Memory{
		ID: "mem_high00001", Key: "fav_color_b", Value: "blue", Confidence: 0.95,
		IsActive: true, UpdatedAt: newer,
	}, []float32{0.99, 0.01, 0})

	c := New(store, DefaultDecayConfig)
	report, err := c.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.DuplicatesMerged)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "fav_color_b", active[0].Key)
}

// Mirrors original_source/tests/test_consolidator.py's
// test_exact_key_duplicates/test_merge_keeps_canonical: two memories under
// the *same* key (the case DeactivateByKey can't resolve alone, since it
// would take down both rows) must collapse to the higher-confidence
// survivor.
func TestMergeDuplicatesSameKeyDeactivatesDuplicateByID(t *testing.T) {
	store := newFakeStore()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	store.add(memory.Memory{
		ID: "mem_exact0001", Key: "user_city", Value: "Austin", Confidence: 0.6,
		IsActive: true, UpdatedAt: older,
	}, []float32{1, 0, 0})
	store.add(memory.Memory{
		ID: "mem_exact0002", Key: "user_city", Value: "Austin, TX", Confidence: 0.9,
		IsActive: true, UpdatedAt: newer,
	}, []float32{1, 0, 0})

	c := New(store, DefaultDecayConfig)
	report, err := c.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.DuplicatesFound)
	require.Equal(t, 1, report.DuplicatesMerged)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "mem_exact0002", active[0].ID)
	require.InDelta(t, 0.9, active[0].Confidence, 1e-9)
}

// Scenario 7, SPEC_FULL.md §8: staleness decay floor.
// confidence=0.35 at turn 300 (210 since last use at turn 90 > 200 threshold)
// decays to ~0.315 and stays active; by turn 600 (decayed again) it falls
// below the 0.3 expiration floor and is deactivated.
func TestDecayThenExpireAtFloor(t *testing.T) {
	store := newFakeStore()
	store.add(memory.Memory{
		ID: "mem_decay00001", Key: "old_topic", Value: "x", Confidence: 0.35,
		IsActive: true, LastUsedTurn: 90, UpdatedAt: time.Now(),
	}, []float32{1, 0, 0})

	c := New(store, DefaultDecayConfig)

	report, err := c.Run(context.Background(), 300)
	require.NoError(t, err)
	require.Equal(t, 1, report.MemoriesDecayed)
	require.Equal(t, 0, report.MemoriesExpired)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.InDelta(t, 0.315, active[0].Confidence, 1e-9)

	// Decay updates the memory in place and keeps its LastUsedTurn (90),
	// so 600-90 still exceeds the threshold and decay fires again, pushing
	// confidence under the expiration floor.
	report2, err := c.Run(context.Background(), 600)
	require.NoError(t, err)
	require.Equal(t, 1, report2.MemoriesDecayed)
	require.Equal(t, 1, report2.MemoriesExpired)

	activeAfter, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, activeAfter)
}

func TestExpireLowConfidenceDirectly(t *testing.T) {
	store := newFakeStore()
	store.add(memory.Memory{ID: "mem_weak00001", Key: "k", Value: "v", Confidence: 0.1, IsActive: true}, []float32{1, 0, 0})

	c := New(store, DefaultDecayConfig)
	report, err := c.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.MemoriesExpired)
}

func TestConsolidatorNeverGrowsActiveCount(t *testing.T) {
	store := newFakeStore()
	store.add(memory.Memory{ID: "mem_a0000001", Key: "dup_a", Value: "same value", Confidence: 0.7, IsActive: true, UpdatedAt: time.Now()}, []float32{1, 0, 0})
	store.add(memory.Memory{ID: "mem_b0000001", Key: "dup_b", Value: "same value", Confidence: 0.9, IsActive: true, UpdatedAt: time.Now()}, []float32{0.999, 0.001, 0})
	store.add(memory.Memory{ID: "mem_c0000001", Key: "unique", Value: "other", Confidence: 0.8, IsActive: true, UpdatedAt: time.Now()}, []float32{0, 1, 0})

	before, err := store.ActiveCount(context.Background())
	require.NoError(t, err)

	c := New(store, DefaultDecayConfig)
	_, err = c.Run(context.Background(), 1)
	require.NoError(t, err)

	after, err := store.ActiveCount(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, after, before)
}
