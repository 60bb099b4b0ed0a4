package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

func TestClassifyPage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want apply.Outcome
	}{
		{
			name: "submission confirmed",
			text: "Thank You For Applying! We will be in touch.",
			want: apply.OutcomeSubmitted,
		},
		{
			name: "duplicate wins over generic success",
			text: "You have already applied. Your application submitted earlier is on file.",
			want: apply.OutcomeDuplicate,
		},
		{
			name: "posting withdrawn",
			text: "This position has been filled.",
			want: apply.OutcomePermanentError,
		},
		{
			name: "captcha gate",
			text: "Please complete the CAPTCHA to continue.",
			want: apply.OutcomeRequiresManual,
		},
		{
			name: "login wall",
			text: "Sign in to continue with your application.",
			want: apply.OutcomeRequiresManual,
		},
		{
			name: "site error",
			text: "Something went wrong. Please try again later.",
			want: apply.OutcomeTransientError,
		},
		{
			name: "unrecognized page never counts as success",
			text: "Welcome to our careers portal.",
			want: apply.OutcomeRequiresManual,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			outcome, note := classifyPage(tc.text)
			require.Equal(t, tc.want, outcome)
			require.NotEmpty(t, note)
		})
	}
}

func TestClassifyPageUnrecognizedNote(t *testing.T) {
	t.Parallel()

	outcome, note := classifyPage("nothing of interest here")
	require.Equal(t, apply.OutcomeRequiresManual, outcome)
	require.Equal(t, "no submission confirmation detected", note)
}
