package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryagent/internal/llm"
	"memoryagent/internal/memory"
	"memoryagent/internal/memory/consolidator"
	"memoryagent/internal/memory/contextmgr"
	"memoryagent/internal/memory/distiller"
	"memoryagent/internal/memory/retriever"
)

// fakeStore is a small in-memory memory.Store, shared by this package's
// tests, sufficient to drive Agent end to end without a real backend.
type fakeStore struct {
	memories map[string]*memory.Memory
	turns    []memory.TurnRecord
	lastTurn int
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: map[string]*memory.Memory{}}
}

func (f *fakeStore) Add(_ context.Context, mutation memory.Mutation, turnID int) (string, error) {
	id := memory.GenerateID()
	now := time.Now()
	f.memories[id] = &memory.Memory{
		ID: id, Type: mutation.Type, Category: mutation.Category, Key: mutation.Key,
		Value: mutation.Value, Confidence: mutation.Confidence, SourceTurn: turnID,
		CreatedAt: now, UpdatedAt: now, IsActive: true,
	}
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

func (f *fakeStore) SearchVector(context.Context, string, int) ([]memory.VectorHit, error) {
	var hits []memory.VectorHit
	for _, m := range f.memories {
		if m.IsActive {
			hits = append(hits, memory.VectorHit{ID: m.ID, Distance: 0.1})
		}
	}
	return hits, nil
}

func (f *fakeStore) SearchKeyword(context.Context, string, int) ([]memory.KeywordHit, error) {
	return nil, nil
}

func (f *fakeStore) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeStore) LogTurn(_ context.Context, turnID int, role, content string, retrievedIDs []string) error {
	f.turns = append(f.turns, memory.TurnRecord{TurnID: turnID, Role: role, Content: content, RetrievedID: retrievedIDs})
	if turnID > f.lastTurn {
		f.lastTurn = turnID
	}
	return nil
}

func (f *fakeStore) LastTurnID(context.Context) (int, error) { return f.lastTurn, nil }

func (f *fakeStore) Profile(context.Context) (memory.Profile, error) {
	p := memory.Profile{}
	for _, m := range f.memories {
		if m.IsActive && m.Type.ProfileEligible() {
			p[m.Key] = m.Value
		}
	}
	return p, nil
}

func (f *fakeStore) WriteSnapshot(context.Context, int) error { return nil }

func (f *fakeStore) AllMemories(context.Context) ([]memory.Memory, error) {
	var out []memory.Memory
	for _, m := range f.memories {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

var _ memory.Store = (*fakeStore)(nil)

// fakeProvider returns one scripted reply per Chat call, in order.
type fakeProvider struct {
	replies []string
	calls   int
}

func (p *fakeProvider) Chat(context.Context, []llm.Message, []llm.ToolSchema, string) (llm.Message, error) {
	reply := "ok"
	if p.calls < len(p.replies) {
		reply = p.replies[p.calls]
	}
	p.calls++
	return llm.Message{Role: "assistant", Content: reply}, nil
}

func (p *fakeProvider) ChatStream(context.Context, []llm.Message, []llm.ToolSchema, string, llm.StreamHandler) error {
	return nil
}

func newTestAgent(t *testing.T, store *fakeStore, cm *contextmgr.Manager, provider *fakeProvider) *Agent {
	t.Helper()
	d := distiller.New(provider, "test-model")
	r := retriever.New(store, retriever.DefaultWeights, 0.0)
	c := consolidator.New(store, consolidator.DefaultDecayConfig)
	a, err := New(context.Background(), store, cm, d, r, c, provider, Config{Model: "test-model", SupportsSystemRole: true, TopK: 5, ConsolidateEvery: 5})
	require.NoError(t, err)
	return a
}

func TestNewLoadsResumeState(t *testing.T) {
	store := newFakeStore()
	store.lastTurn = 17
	cm, err := contextmgr.New(8000, 0.70, 4)
	require.NoError(t, err)

	a := newTestAgent(t, store, cm, &fakeProvider{})
	require.Equal(t, 17, a.turnID)
	require.Equal(t, 18, a.segmentStartTurn)
}

// Scenario 1, SPEC_FULL.md §8: add then retrieve a name within a turn.
func TestChatRetrievesAndTouchesMemory(t *testing.T) {
	store := newFakeStore()
	store.memories["mem_aaaa0001"] = &memory.Memory{
		ID: "mem_aaaa0001", Type: memory.TypeFact, Key: "user_name", Value: "Arjun",
		Confidence: 0.9, IsActive: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	cm, err := contextmgr.New(8000, 0.70, 4)
	require.NoError(t, err)
	provider := &fakeProvider{replies: []string{"Hi Arjun!"}}
	a := newTestAgent(t, store, cm, provider)

	result, err := a.Chat(context.Background(), "what's my name?")
	require.NoError(t, err)
	require.Equal(t, "Hi Arjun!", result.Reply)
	require.Contains(t, result.RetrievedIDs, "mem_aaaa0001")
	require.Equal(t, 1, store.memories["mem_aaaa0001"].LastUsedTurn)
	require.False(t, result.Flushed)
}

func TestChatFlushesWhenContextFull(t *testing.T) {
	store := newFakeStore()
	cm, err := contextmgr.New(50, 0.70, 4)
	require.NoError(t, err)
	extraction := `{"memories": []}`
	provider := &fakeProvider{replies: []string{extraction, "a reply"}}
	a := newTestAgent(t, store, cm, provider)

	// Force the context near its threshold before the next turn.
	cm.AddMessage("user", "filler filler filler filler filler filler filler filler")

	result, err := a.Chat(context.Background(), "another message")
	require.NoError(t, err)
	require.True(t, result.Flushed)
	require.Equal(t, "a reply", result.Reply)
}

func TestApplyMutationsAddDedupSkipsIdenticalValue(t *testing.T) {
	store := newFakeStore()
	store.memories["mem_existing1"] = &memory.Memory{ID: "mem_existing1", Key: "user_city", Value: "Austin", IsActive: true}
	cm, err := contextmgr.New(8000, 0.70, 4)
	require.NoError(t, err)
	a := newTestAgent(t, store, cm, &fakeProvider{})
	a.turnID = 10

	err = a.applyMutations(context.Background(), []memory.Mutation{
		memory.NewAdd(memory.TypeFact, "location", "user_city", "  austin ", 0.9),
	})
	require.NoError(t, err)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "Austin", active[0].Value)
}

func TestApplyMutationsAddReplacesDifferentValue(t *testing.T) {
	store := newFakeStore()
	store.memories["mem_existing2"] = &memory.Memory{ID: "mem_existing2", Key: "user_city", Value: "Austin", IsActive: true}
	cm, err := contextmgr.New(8000, 0.70, 4)
	require.NoError(t, err)
	a := newTestAgent(t, store, cm, &fakeProvider{})
	a.turnID = 10

	err = a.applyMutations(context.Background(), []memory.Mutation{
		memory.NewAdd(memory.TypeFact, "location", "user_city", "Seattle", 0.9),
	})
	require.NoError(t, err)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "Seattle", active[0].Value)
}

func TestApplyMutationsExpireDeactivates(t *testing.T) {
	store := newFakeStore()
	store.memories["mem_existing3"] = &memory.Memory{ID: "mem_existing3", Key: "old_job", Value: "intern", IsActive: true}
	cm, err := contextmgr.New(8000, 0.70, 4)
	require.NoError(t, err)
	a := newTestAgent(t, store, cm, &fakeProvider{})

	err = a.applyMutations(context.Background(), []memory.Mutation{memory.NewExpire("old_job")})
	require.NoError(t, err)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}
