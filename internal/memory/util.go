package memory

import "strings"

// splitWords lowercases and splits on whitespace, matching the
// pre-distillation tokeniser's `query.lower().split()` exactly (no
// punctuation stripping).
func splitWords(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
