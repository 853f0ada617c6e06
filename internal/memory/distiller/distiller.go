// Package distiller implements the two-pass extraction/validation pipeline
// described in SPEC_FULL.md §4.3: a liberal first pass proposes memory
// mutations from a conversation segment, and a strict second pass rejects
// anything that fails the user-specificity, durability, or personal-vs-meta
// tests. Grounded on the pre-distillation source's distiller.py, whose exact
// JSON-recovery routine is ported in parse.go.
package distiller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"memoryagent/internal/llm"
	"memoryagent/internal/memory"
	"memoryagent/internal/observability"
)

// Distiller runs the extraction and validation passes against an
// llm.Provider. It holds no state of its own between calls.
type Distiller struct {
	provider llm.Provider
	model    string
}

// New constructs a Distiller bound to a chat provider and model name.
func New(provider llm.Provider, model string) *Distiller {
	return &Distiller{provider: provider, model: model}
}

// Distill extracts memory mutations from a conversation segment, given the
// currently active memories for context. An empty or whitespace-only
// conversation short-circuits to an empty mutation list, matching the
// pre-distillation source's behaviour.
func (d *Distiller) Distill(ctx context.Context, conversation string, existing []memory.Memory, startTurn, endTurn int) ([]memory.Mutation, error) {
	if strings.TrimSpace(conversation) == "" {
		return nil, nil
	}

	candidates, err := d.extractCandidates(ctx, conversation, existing, startTurn, endTurn)
	if err != nil {
		return nil, fmt.Errorf("distiller: extraction pass: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	return d.validateCandidates(ctx, conversation, candidates)
}

func (d *Distiller) extractCandidates(ctx context.Context, conversation string, existing []memory.Memory, startTurn, endTurn int) ([]memory.Mutation, error) {
	prompt := extractionPrompt(renderExisting(existing), startTurn, endTurn, conversation)
	msgs := []llm.Message{{Role: "user", Content: prompt}}

	resp, err := d.provider.Chat(ctx, msgs, nil, d.model)
	if err != nil {
		return nil, err
	}

	candidates := parseCandidates(resp.Content)

	// A candidate proposing a key not present among existing memories can
	// never legitimately be "keep" or "expire" — there is nothing to keep or
	// expire. The pre-distillation source corrects this mislabeling rather
	// than discarding the candidate.
	existingKeys := make(map[string]bool, len(existing))
	for _, m := range existing {
		existingKeys[m.Key] = true
	}
	for i := range candidates {
		if (candidates[i].Action == memory.ActionKeep || candidates[i].Action == memory.ActionExpire) && !existingKeys[candidates[i].Key] {
			candidates[i].Action = memory.ActionAdd
		}
	}

	return candidates, nil
}

// candidateForValidation is the shape sent to pass 2, trimmed to what the
// validation prompt needs.
type candidateForValidation struct {
	Key        string  `json:"key"`
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

func (d *Distiller) validateCandidates(ctx context.Context, conversation string, candidates []memory.Mutation) ([]memory.Mutation, error) {
	// keep/expire candidates bypass validation: there is no new claim to
	// scrutinize, only a judgment about an already-accepted memory.
	var keepExpire, toValidate []memory.Mutation
	for _, c := range candidates {
		if c.Action == memory.ActionKeep || c.Action == memory.ActionExpire {
			keepExpire = append(keepExpire, c)
		} else {
			toValidate = append(toValidate, c)
		}
	}
	if len(toValidate) == 0 {
		return keepExpire, nil
	}

	payload := make([]candidateForValidation, 0, len(toValidate))
	for _, c := range toValidate {
		payload = append(payload, candidateForValidation{
			Key:        c.Key,
			Type:       string(c.Type),
			Value:      c.Value,
			Action:     string(c.Action),
			Confidence: c.Confidence,
			Reasoning:  c.Reasoning,
		})
	}
	candidatesJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	prompt := validationPrompt(string(candidatesJSON), conversation)
	msgs := []llm.Message{{Role: "user", Content: prompt}}

	resp, err := d.provider.Chat(ctx, msgs, nil, d.model)
	if err != nil {
		return nil, err
	}

	verdicts := parseValidation(resp.Content)
	accepted := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		if v.Verdict == "accept" {
			accepted[v.Key] = true
		}
	}

	// A key entirely absent from the verdict list (e.g. dropped by a
	// truncated pass 2 response) is treated as rejected, not accepted by
	// default — silence is not consent for a net-new claim.
	validated := make([]memory.Mutation, 0, len(toValidate))
	for _, c := range toValidate {
		if accepted[c.Key] {
			validated = append(validated, c)
		} else {
			observability.LoggerWithTrace(ctx).Debug().Str("key", c.Key).Msg("distiller: candidate rejected by validation pass")
		}
	}

	return append(keepExpire, validated...), nil
}

// renderExisting formats active memories for inclusion in the extraction
// prompt, one bullet per memory with type, key, value, confidence, and
// source turn, matching distiller.py's distill().
func renderExisting(existing []memory.Memory) string {
	if len(existing) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(existing))
	for _, m := range existing {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s (confidence: %.2f, from turn %d)", m.Type, m.Key, m.Value, m.Confidence, m.SourceTurn))
	}
	return strings.Join(lines, "\n")
}
