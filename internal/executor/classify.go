package executor

import (
	"strings"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// Indicator phrases destination sites show after a submission. Checked in
// order of specificity: a duplicate notice also contains the word
// "application", so duplicates are classified before generic success.
var (
	duplicateIndicators = []string{
		"already applied",
		"application already exists",
		"duplicate application",
		"you have an existing application",
	}
	permanentIndicators = []string{
		"no longer accepting applications",
		"position has been filled",
		"posting closed",
		"job is no longer available",
		"this job is closed",
	}
	manualIndicators = []string{
		"captcha",
		"verification code",
		"verify your identity",
		"additional questions",
		"sign in to continue",
		"log in to apply",
		"create an account",
	}
	successIndicators = []string{
		"application submitted",
		"thank you for applying",
		"thank you for your application",
		"we have received your application",
		"successfully submitted",
	}
	failureIndicators = []string{
		"something went wrong",
		"an error occurred",
		"invalid",
		"submission failed",
	}
)

// classifyPage maps post-submit page text onto the outcome taxonomy.
func classifyPage(pageText string) (apply.Outcome, string) {
	text := strings.ToLower(pageText)
	if phrase, ok := containsAny(text, duplicateIndicators); ok {
		return apply.OutcomeDuplicate, "site reports an existing application: " + phrase
	}
	if phrase, ok := containsAny(text, permanentIndicators); ok {
		return apply.OutcomePermanentError, "posting withdrawn: " + phrase
	}
	if phrase, ok := containsAny(text, manualIndicators); ok {
		return apply.OutcomeRequiresManual, "site requires a manual step: " + phrase
	}
	if phrase, ok := containsAny(text, successIndicators); ok {
		return apply.OutcomeSubmitted, "submission confirmed: " + phrase
	}
	if phrase, ok := containsAny(text, failureIndicators); ok {
		return apply.OutcomeTransientError, "site reported an error: " + phrase
	}
	// No recognizable confirmation. Treat as a manual follow-up rather
	// than guessing success.
	return apply.OutcomeRequiresManual, "no submission confirmation detected"
}

func containsAny(text string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}
