package retriever

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryagent/internal/memory"
)

// fakeStore is a minimal in-memory memory.Store sufficient to drive the
// Retriever's pipeline without a real backend.
type fakeStore struct {
	memories map[string]memory.Memory
	vector   []memory.VectorHit
	keyword  []memory.KeywordHit
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: map[string]memory.Memory{}}
}

func (f *fakeStore) Add(context.Context, memory.Mutation, int) (string, error) { return "", nil }
func (f *fakeStore) DeactivateByKey(context.Context, string) error             { return nil }
func (f *fakeStore) DeactivateByID(context.Context, string) error              { return nil }
func (f *fakeStore) Touch(context.Context, string, int) error                  { return nil }
func (f *fakeStore) UpdateConfidence(context.Context, string, float64) error   { return nil }
func (f *fakeStore) FindByKey(context.Context, string) (*memory.Memory, error) { return nil, nil }

func (f *fakeStore) GetByID(_ context.Context, id string) (*memory.Memory, error) {
	m, ok := f.memories[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeStore) GetActive(context.Context) ([]memory.Memory, error) { return nil, nil }
func (f *fakeStore) ActiveCount(context.Context) (int, error)           { return 0, nil }

func (f *fakeStore) SearchVector(context.Context, string, int) ([]memory.VectorHit, error) {
	return f.vector, nil
}

func (f *fakeStore) SearchKeyword(context.Context, string, int) ([]memory.KeywordHit, error) {
	return f.keyword, nil
}

func (f *fakeStore) Embed(context.Context, string) ([]float32, error)  { return nil, nil }
func (f *fakeStore) LogTurn(context.Context, int, string, string, []string) error {
	return nil
}
func (f *fakeStore) LastTurnID(context.Context) (int, error)          { return 0, nil }
func (f *fakeStore) Profile(context.Context) (memory.Profile, error)  { return nil, nil }
func (f *fakeStore) WriteSnapshot(context.Context, int) error         { return nil }
func (f *fakeStore) AllMemories(context.Context) ([]memory.Memory, error) { return nil, nil }
func (f *fakeStore) Close() error                                     { return nil }

var _ memory.Store = (*fakeStore)(nil)

// Scenario 1, SPEC_FULL.md §8: add then retrieve a name.
func TestRetrieveSurfacesTopVectorAndKeywordHit(t *testing.T) {
	store := newFakeStore()
	store.memories["mem_aaaa0001"] = memory.Memory{
		ID: "mem_aaaa0001", Key: "user_name", Value: "Arjun", Confidence: 0.95,
		IsActive: true, LastUsedTurn: 1, UpdatedAt: time.Now(),
	}
	store.vector = []memory.VectorHit{{ID: "mem_aaaa0001", Distance: 0.05}}
	store.keyword = []memory.KeywordHit{{ID: "mem_aaaa0001", Rank: -1.0}}

	r := New(store, DefaultWeights, 0.0)
	hits, err := r.Retrieve(context.Background(), "what's my name", 5, 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "user_name", hits[0].Memory.Key)
}

// Scenario 6, SPEC_FULL.md §8: recency boosts a recently-used memory over an
// equally-scored-elsewhere stale one.
func TestRecencyBoostsRecentlyUsedMemory(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.memories["mem_recent01"] = memory.Memory{
		ID: "mem_recent01", Key: "topic_recent", Value: "x", Confidence: 0.8,
		IsActive: true, LastUsedTurn: 90, UpdatedAt: now,
	}
	store.memories["mem_stale0001"] = memory.Memory{
		ID: "mem_stale0001", Key: "topic_stale", Value: "x", Confidence: 0.8,
		IsActive: true, LastUsedTurn: 10, UpdatedAt: now,
	}
	// Same semantic distance and confidence for both. The stale memory is
	// listed first, so its RRF share is the larger one (1/61 against 1/62);
	// recency has to outweigh that for the recent memory to rank first.
	store.vector = []memory.VectorHit{
		{ID: "mem_stale0001", Distance: 0.1},
		{ID: "mem_recent01", Distance: 0.1},
	}

	r := New(store, DefaultWeights, 0.0)
	hits, err := r.Retrieve(context.Background(), "x", 5, 100)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "topic_recent", hits[0].Memory.Key)
	require.Equal(t, "topic_stale", hits[1].Memory.Key)
	require.Greater(t, hits[0].Score, hits[1].Score)
}

func TestRetrieveDropsInactiveAndMissingCandidates(t *testing.T) {
	store := newFakeStore()
	store.memories["mem_active01"] = memory.Memory{ID: "mem_active01", Key: "k1", IsActive: true, Confidence: 0.9}
	store.memories["mem_inactive"] = memory.Memory{ID: "mem_inactive", Key: "k2", IsActive: false, Confidence: 0.9}
	store.vector = []memory.VectorHit{
		{ID: "mem_active01", Distance: 0.2},
		{ID: "mem_inactive", Distance: 0.2},
		{ID: "mem_missing_entirely", Distance: 0.2},
	}

	r := New(store, DefaultWeights, 0.0)
	hits, err := r.Retrieve(context.Background(), "q", 5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "k1", hits[0].Memory.Key)
}

func TestRetrieveRespectsMinScore(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		store.memories["mem_"+id] = memory.Memory{ID: "mem_" + id, Key: "k" + id, IsActive: true, Confidence: 0.01}
		store.vector = append(store.vector, memory.VectorHit{ID: "mem_" + id, Distance: 50.0})
	}

	r := New(store, DefaultWeights, 0.99)
	hits, err := r.Retrieve(context.Background(), "q", 2, 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestRetrieveZeroTopKReturnsNil(t *testing.T) {
	r := New(newFakeStore(), DefaultWeights, 0.0)
	hits, err := r.Retrieve(context.Background(), "q", 0, 10)
	require.NoError(t, err)
	require.Nil(t, hits)
}
