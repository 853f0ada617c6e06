package distiller

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"memoryagent/internal/llm"
	"memoryagent/internal/memory"
)

// scriptedProvider returns one canned response per call, in order, so tests
// can drive the extraction and validation passes independently.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolSchema, _ string) (llm.Message, error) {
	if p.calls >= len(p.responses) {
		return llm.Message{}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return llm.Message{Role: "assistant", Content: resp}, nil
}

func (p *scriptedProvider) ChatStream(context.Context, []llm.Message, []llm.ToolSchema, string, llm.StreamHandler) error {
	return nil
}

func TestDistillEmptyConversationShortCircuits(t *testing.T) {
	d := New(&scriptedProvider{}, "test-model")
	mutations, err := d.Distill(context.Background(), "   \n  ", nil, 1, 1)
	require.NoError(t, err)
	require.Nil(t, mutations)
}

// Scenario 3, SPEC_FULL.md §8: a world-knowledge candidate proposed by pass
// 1 is rejected by pass 2 and never reaches the final mutation list.
func TestTwoPassRejectsWorldFact(t *testing.T) {
	extraction := `{
	  "memories": [
	    {"action": "add", "type": "fact", "category": "personal", "key": "user_favorite_color", "value": "blue", "confidence": 0.9},
	    {"action": "add", "type": "fact", "category": "general", "key": "capital_of_france", "value": "Paris", "confidence": 0.95}
	  ]
	}`
	validation := `{
	  "validations": [
	    {"key": "user_favorite_color", "verdict": "accept", "reason": "user-specific and durable"},
	    {"key": "capital_of_france", "verdict": "reject", "reason": "general world knowledge, not user-specific"}
	  ]
	}`
	provider := &scriptedProvider{responses: []string{extraction, validation}}
	d := New(provider, "test-model")

	mutations, err := d.Distill(context.Background(), "USER: my favorite color is blue. also, what's the capital of france?\n\nASSISTANT: blue is lovely. the capital of france is paris.", nil, 1, 2)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	require.Equal(t, "user_favorite_color", mutations[0].Key)
	require.Equal(t, 2, provider.calls)
}

func TestKeepExpireBypassValidation(t *testing.T) {
	extraction := `{
	  "memories": [
	    {"action": "keep", "type": "fact", "category": "personal", "key": "user_name", "value": "Arjun", "confidence": 0.95},
	    {"action": "expire", "type": "fact", "category": "personal", "key": "old_job", "value": "intern", "confidence": 0.6}
	  ]
	}`
	provider := &scriptedProvider{responses: []string{extraction}}
	d := New(provider, "test-model")

	existing := []memory.Memory{
		{Key: "user_name", Type: memory.TypeFact, Value: "Arjun"},
		{Key: "old_job", Type: memory.TypeFact, Value: "intern"},
	}
	mutations, err := d.Distill(context.Background(), "USER: still Arjun, not an intern anymore.", existing, 3, 4)
	require.NoError(t, err)
	require.Len(t, mutations, 2)
	// Only one Chat call: keep/expire bypass the validation pass entirely.
	require.Equal(t, 1, provider.calls)
}

func TestUnknownKeyKeepIsCorrectedToAdd(t *testing.T) {
	extraction := `{
	  "memories": [
	    {"action": "keep", "type": "fact", "category": "personal", "key": "brand_new_fact", "value": "moved to Austin", "confidence": 0.85}
	  ]
	}`
	validation := `{"validations": [{"key": "brand_new_fact", "verdict": "accept", "reason": "durable and specific"}]}`
	provider := &scriptedProvider{responses: []string{extraction, validation}}
	d := New(provider, "test-model")

	mutations, err := d.Distill(context.Background(), "USER: I just moved to Austin.", nil, 5, 6)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	require.Equal(t, memory.ActionAdd, mutations[0].Action)
}

func TestParseCandidatesRecoversTruncatedJSON(t *testing.T) {
	truncated := `{"memories": [{"action": "add", "type": "fact", "category": "personal", "key": "user_city", "value": "Austin", "confidence": 0.9}, {"action": "add", "type": "fact", "key": "user_pet`
	mutations := parseCandidates(truncated)
	require.Len(t, mutations, 1)
	require.Equal(t, "user_city", mutations[0].Key)
}

func TestParseCandidatesRegexFallback(t *testing.T) {
	garbled := `not valid json at all but embeds {"action": "add", "key": "user_hobby", "value": "climbing", "extra": true} trailing garbage`
	mutations := parseCandidates(garbled)
	require.Len(t, mutations, 1)
	require.Equal(t, "user_hobby", mutations[0].Key)
	require.Equal(t, "climbing", mutations[0].Value)
}

func TestParseCandidatesStripsCodeFence(t *testing.T) {
	fenced := "```json\n" + `{"memories": [{"action": "add", "type": "fact", "key": "user_team", "value": "Timbers", "confidence": 0.8}]}` + "\n```"
	mutations := parseCandidates(fenced)
	require.Len(t, mutations, 1)
	require.Equal(t, "user_team", mutations[0].Key)
}

func TestParseCandidatesDropsUnknownKey(t *testing.T) {
	raw := `{"memories": [{"action": "add", "type": "fact", "key": "unknown", "value": "something"}]}`
	mutations := parseCandidates(raw)
	require.Empty(t, mutations)
}

func TestParseCandidatesClampsConfidence(t *testing.T) {
	raw := `{"memories": [{"action": "add", "type": "fact", "key": "user_age", "value": "29", "confidence": 4.5}]}`
	mutations := parseCandidates(raw)
	require.Len(t, mutations, 1)
	require.Equal(t, 1.0, mutations[0].Confidence)
}

func TestRenderExistingEmpty(t *testing.T) {
	require.Equal(t, "(none)", renderExisting(nil))
}

func TestRenderExistingFormatsLines(t *testing.T) {
	rendered := renderExisting([]memory.Memory{{Type: memory.TypeFact, Key: "user_name", Value: "Arjun", Confidence: 0.9, SourceTurn: 3}})
	require.True(t, strings.Contains(rendered, "[fact] user_name: Arjun (confidence: 0.90, from turn 3)"))
}
