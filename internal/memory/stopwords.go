package memory

// Stopwords is the fixed English stopword set used by keyword-search query
// tokenisation (Store.SearchKeyword). This is the exact ~90-word list
// recovered from the pre-distillation source rather than a freshly invented
// one: the spec leaves the identity of the list non-normative, and an
// already-validated list is available.
var Stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true, "were": true,
	"i": true, "me": true, "my": true, "can": true, "you": true, "your": true, "we": true,
	"they": true, "it": true, "its": true, "this": true, "that": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "with": true, "and": true, "or": true,
	"but": true, "not": true, "no": true, "do": true, "does": true, "did": true, "has": true,
	"have": true, "had": true, "be": true, "been": true, "being": true, "will": true,
	"would": true, "could": true, "should": true, "may": true, "might": true, "shall": true,
	"so": true, "if": true, "then": true, "than": true, "too": true, "very": true, "just": true,
	"about": true, "up": true, "out": true, "how": true, "what": true, "when": true,
	"where": true, "who": true, "which": true, "there": true, "here": true, "all": true,
	"each": true, "every": true, "both": true, "few": true, "more": true, "most": true,
	"other": true, "some": true, "such": true, "only": true, "own": true, "same": true,
	"also": true, "into": true, "over": true, "after": true, "before": true, "between": true,
}

// KeywordTerms tokenises a query the way Store.SearchKeyword does: lowercase
// split on whitespace, drop stopwords and tokens of length <= 2, keep at most
// the first 10 remaining terms.
func KeywordTerms(query string) []string {
	fields := splitWords(query)
	terms := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) <= 2 || Stopwords[w] {
			continue
		}
		terms = append(terms, w)
		if len(terms) == 10 {
			break
		}
	}
	return terms
}
