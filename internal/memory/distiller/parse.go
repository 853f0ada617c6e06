package distiller

import (
	"encoding/json"
	"regexp"
	"strings"

	"memoryagent/internal/memory"
)

var (
	codeFenceOpen  = regexp.MustCompile("(?s)^```(?:json)?\\s*")
	codeFenceClose = regexp.MustCompile("(?s)\\s*```$")
	trailingKey    = regexp.MustCompile(`,\s*"[^"]*$`)
	trailingComma  = regexp.MustCompile(`,\s*$`)
	trailingEllip  = regexp.MustCompile(`\.{2,}$`)
	memObjectRe    = regexp.MustCompile(`\{[^{}]*"action"\s*:\s*"[^"]+"[^{}]*"key"\s*:\s*"[^"]+"[^{}]*"value"\s*:\s*"[^"]+"[^{}]*\}`)
)

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	s = codeFenceOpen.ReplaceAllString(s, "")
	s = codeFenceClose.ReplaceAllString(s, "")
	return s
}

// recoverTruncatedJSON attempts, in order: stripping trailing partial tokens
// and dangling commas/ellipses, balancing unmatched {/[ by appending up to
// five candidate closing suffixes, and finally regex-extracting individual
// memory objects by shape as a last resort. Returns nil if nothing could be
// recovered — never an error, per SPEC_FULL.md §4.3's parsing-robustness
// contract.
func recoverTruncatedJSON(text string) map[string]any {
	attempt := strings.TrimRight(text, " \t\r\n")
	attempt = trailingKey.ReplaceAllString(attempt, "")
	attempt = trailingComma.ReplaceAllString(attempt, "")
	attempt = trailingEllip.ReplaceAllString(attempt, "")

	openBraces := strings.Count(attempt, "{") - strings.Count(attempt, "}")
	openBrackets := strings.Count(attempt, "[") - strings.Count(attempt, "]")
	if openBraces < 0 {
		openBraces = 0
	}
	if openBrackets < 0 {
		openBrackets = 0
	}
	suffix := strings.Repeat("]", openBrackets) + strings.Repeat("}", openBraces)

	extraBraces := openBraces - 1
	if extraBraces < 0 {
		extraBraces = 0
	}
	candidates := []string{
		attempt + suffix,
		attempt + "}" + suffix,
		attempt + "\"" + suffix,
		attempt + "\"}" + suffix,
		attempt + "\"}" + strings.Repeat("]", openBrackets) + strings.Repeat("}", extraBraces),
	}
	for _, c := range candidates {
		var data map[string]any
		if err := json.Unmarshal([]byte(c), &data); err == nil {
			return data
		}
	}

	matches := memObjectRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	var recovered []any
	for _, m := range matches {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			recovered = append(recovered, obj)
		}
	}
	if len(recovered) == 0 {
		return nil
	}
	return map[string]any{"memories": recovered}
}

func parseJSONObject(raw string) map[string]any {
	cleaned := stripCodeFence(raw)
	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err == nil {
		return data
	}
	return recoverTruncatedJSON(cleaned)
}

// parseCandidates parses pass 1's raw LLM output into structurally valid
// Mutations. Floats outside [0,1] are clamped; absent fields receive the
// defaults named in SPEC_FULL.md §4.3. Malformed entries are dropped rather
// than aborting the batch.
func parseCandidates(raw string) []memory.Mutation {
	data := parseJSONObject(raw)
	if data == nil {
		return nil
	}
	rawList, _ := data["memories"].([]any)
	out := make([]memory.Mutation, 0, len(rawList))
	for _, item := range rawList {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		mutation, ok := structuralValidate(obj)
		if !ok {
			continue
		}
		out = append(out, mutation)
	}
	return out
}

func structuralValidate(obj map[string]any) (memory.Mutation, bool) {
	action := memory.Action(stringOr(obj["action"], string(memory.ActionAdd)))
	if !memory.ValidActions[action] {
		return memory.Mutation{}, false
	}
	typ := memory.Type(stringOr(obj["type"], string(memory.TypeFact)))
	if !memory.ValidTypes[typ] {
		return memory.Mutation{}, false
	}
	key := strings.TrimSpace(stringOr(obj["key"], ""))
	value := valueToString(obj["value"])
	if key == "" || value == "" || key == "unknown" {
		return memory.Mutation{}, false
	}
	category := stringOr(obj["category"], "general")
	confidence := clamp01(floatOr(obj["confidence"], 0.8))
	reasoning := stringOr(obj["reasoning"], "")

	return memory.Mutation{
		Action:     action,
		Type:       typ,
		Category:   category,
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Reasoning:  reasoning,
	}, true
}

func valueToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func floatOr(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return def
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

type verdict struct {
	Key     string
	Verdict string
	Reason  string
}

// parseValidation parses pass 2's raw LLM output into per-key verdicts.
func parseValidation(raw string) []verdict {
	data := parseJSONObject(raw)
	if data == nil {
		return nil
	}
	rawList, _ := data["validations"].([]any)
	out := make([]verdict, 0, len(rawList))
	for _, item := range rawList {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, verdict{
			Key:     stringOr(obj["key"], ""),
			Verdict: stringOr(obj["verdict"], "reject"),
			Reason:  stringOr(obj["reason"], ""),
		})
	}
	return out
}
