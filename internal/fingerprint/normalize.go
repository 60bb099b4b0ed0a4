package fingerprint

import (
	"strings"
	"unicode"
)

// synonyms folds common abbreviations so postings that spell seniority or
// role names differently still collide on the same fingerprint.
var synonyms = map[string]string{
	"sr":    "senior",
	"snr":   "senior",
	"jr":    "junior",
	"eng":   "engineer",
	"engr":  "engineer",
	"dev":   "developer",
	"mgr":   "manager",
	"assoc": "associate",
	"inc":   "incorporated",
	"corp":  "corporation",
	"co":    "company",
	"llc":   "llc",
}

// Normalize lowercases the input, collapses whitespace and punctuation,
// and folds known abbreviations token-wise. It is deterministic: equal
// inputs up to case, spacing and folded synonyms normalize identically.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	tokens := strings.Fields(b.String())
	for i, tok := range tokens {
		if folded, ok := synonyms[tok]; ok {
			tokens[i] = folded
		}
	}
	return strings.Join(tokens, " ")
}
