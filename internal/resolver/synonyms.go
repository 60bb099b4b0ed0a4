package resolver

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// fieldSynonyms maps each canonical field to the attribute/label spellings
// destination forms use for it. Matching is case-insensitive substring
// first, with an edit-distance fallback for near-misses.
var fieldSynonyms = map[apply.CanonicalField][]string{
	apply.FieldFirstName: {"first name", "firstname", "first_name", "given name", "fname"},
	apply.FieldLastName:  {"last name", "lastname", "last_name", "family name", "surname", "lname"},
	apply.FieldFullName:  {"full name", "fullname", "your name", "candidate name"},
	apply.FieldEmail:     {"email", "e-mail", "email address"},
	apply.FieldPhone:     {"phone", "telephone", "mobile", "cell"},
	apply.FieldResumeUpload: {
		"resume", "résumé", "cv", "curriculum vitae", "upload resume", "attach resume",
	},
	apply.FieldCoverLetter: {"cover letter", "coverletter", "cover_letter", "motivation letter"},
	apply.FieldLinkedIn:    {"linkedin", "linkedin url", "linkedin profile"},
	apply.FieldGitHub:      {"github", "github url", "portfolio url"},
	apply.FieldWebsite:     {"website", "personal site", "web site", "homepage"},
	apply.FieldWorkAuthorization: {
		"work authorization", "work authorisation", "authorized to work",
		"right to work", "work permit", "visa status", "sponsorship",
	},
	apply.FieldLocation: {"location", "city", "current location", "address"},
}

// maxEditDistance bounds the levenshtein fallback; anything further than
// this from every synonym is not a match.
const maxEditDistance = 2

// matchField returns the canonical field best matching the element's
// descriptive texts, with a score usable for tie-breaking. Substring hits
// outrank edit-distance hits.
func matchField(texts []string) (apply.CanonicalField, int, bool) {
	bestScore := 0
	var bestField apply.CanonicalField
	for field, names := range fieldSynonyms {
		score := matchScore(texts, names)
		if score > bestScore || (score == bestScore && score > 0 && field < bestField) {
			bestScore = score
			bestField = field
		}
	}
	return bestField, bestScore, bestScore > 0
}

func matchScore(texts, names []string) int {
	best := 0
	for _, raw := range texts {
		text := foldText(raw)
		if text == "" {
			continue
		}
		for _, name := range names {
			if strings.Contains(text, name) {
				if 2 > best {
					best = 2
				}
				continue
			}
			if withinEditDistance(text, name) && 1 > best {
				best = 1
			}
		}
	}
	return best
}

// withinEditDistance checks the whole text and its individual tokens
// against the synonym, so "emial" on an input name still maps to email.
func withinEditDistance(text, name string) bool {
	if levenshtein.Distance(text, name, nil) <= maxEditDistance {
		return true
	}
	for _, tok := range strings.Fields(text) {
		if levenshtein.Distance(tok, name, nil) <= maxEditDistance {
			return true
		}
	}
	return false
}

// foldText lowercases and replaces separators with spaces so attribute
// spellings like "firstName" and "first-name" compare equal.
func foldText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteRune(' ')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = unicode.IsLower(r)
		default:
			b.WriteRune(' ')
			prevLower = false
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
