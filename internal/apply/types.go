// Package apply defines core types shared across subsystems.
package apply

import (
	"time"
)

// Posting is the canonical, deduplicated form of a scraped job posting.
// A Posting is immutable once stored except for append-only merges.
type Posting struct {
	Fingerprint string    `json:"fingerprint"`
	Sources     []string  `json:"sources"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	SalaryMin   *int      `json:"salary_min,omitempty"`
	SalaryMax   *int      `json:"salary_max,omitempty"`
	Description string    `json:"description"`
	ScrapedAt   time.Time `json:"scraped_at"`
	MatchScore  float64   `json:"match_score"`
}

// RawPosting is a posting as delivered by a scraping connector, before
// fingerprinting and merge.
type RawPosting struct {
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	SalaryMin   *int      `json:"salary_min,omitempty"`
	SalaryMax   *int      `json:"salary_max,omitempty"`
	Description string    `json:"description"`
	PostedAt    time.Time `json:"posted_at"`
	MatchScore  float64   `json:"match_score"`
}

// PostingMerger combines two postings that share a fingerprint. The result
// must be commutative and idempotent.
type PostingMerger func(a, b Posting) Posting

// CanonicalField names an applicant-profile field a form element can map to.
type CanonicalField string

// Canonical fields recognized by the resolver and executor.
const (
	FieldFirstName         CanonicalField = "first_name"
	FieldLastName          CanonicalField = "last_name"
	FieldFullName          CanonicalField = "full_name"
	FieldEmail             CanonicalField = "email"
	FieldPhone             CanonicalField = "phone"
	FieldResumeUpload      CanonicalField = "resume_upload"
	FieldCoverLetter       CanonicalField = "cover_letter"
	FieldLinkedIn          CanonicalField = "linkedin"
	FieldGitHub            CanonicalField = "github"
	FieldWebsite           CanonicalField = "website"
	FieldWorkAuthorization CanonicalField = "work_authorization"
	FieldLocation          CanonicalField = "location"
)

// MandatoryFields are the fields a mapping must cover before the executor
// will attempt a submission.
var MandatoryFields = []CanonicalField{
	FieldFirstName,
	FieldLastName,
	FieldEmail,
	FieldResumeUpload,
	FieldWorkAuthorization,
}

// ElementKind describes how a mapped form element is populated.
type ElementKind string

// Supported form element kinds.
const (
	ElementText     ElementKind = "text"
	ElementUpload   ElementKind = "upload"
	ElementSelect   ElementKind = "select"
	ElementCheckbox ElementKind = "checkbox"
)

// ElementDescriptor locates and types one form element on the destination page.
type ElementDescriptor struct {
	Selector string      `json:"selector"`
	Kind     ElementKind `json:"kind"`
}

// FieldMapping maps canonical fields to destination form elements.
type FieldMapping map[CanonicalField]ElementDescriptor

// Covers reports whether every listed field has a mapped element.
func (m FieldMapping) Covers(fields []CanonicalField) bool {
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the subset of fields without a mapped element.
func (m FieldMapping) Missing(fields []CanonicalField) []CanonicalField {
	var out []CanonicalField
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// StrategyKind distinguishes cached strategies from freshly inferred ones.
type StrategyKind string

// Strategy kinds.
const (
	StrategyKnown    StrategyKind = "known"
	StrategyInferred StrategyKind = "inferred"
)

// Strategy is a resolved plan for automating one domain's application form.
// Dispatch happens through the declared mapping table, never through runtime
// inspection of the destination page.
type Strategy struct {
	ID             string       `json:"id"`
	Domain         string       `json:"domain"`
	Kind           StrategyKind `json:"kind"`
	Mapping        FieldMapping `json:"mapping"`
	SubmitSelector string       `json:"submit_selector"`
	Confidence     float64      `json:"confidence"`
	UsageCount     int          `json:"usage_count"`
}

// Steps counts the actions the strategy performs (one per mapped field plus
// the submit click). Used as the resolver's final tie-break.
func (s Strategy) Steps() int {
	return len(s.Mapping) + 1
}

// PatternRecord is the durable form of a strategy with its statistics.
type PatternRecord struct {
	Domain       string       `json:"domain"`
	StrategyID   string       `json:"strategy_id"`
	Mapping      FieldMapping `json:"field_mapping"`
	SubmitSel    string       `json:"submit_selector"`
	Confidence   float64      `json:"confidence_score"`
	UsageCount   int          `json:"usage_count"`
	SuccessCount int          `json:"success_count"`
	LastUsed     time.Time    `json:"last_used"`
	Deprecated   bool         `json:"deprecated"`
}

// Outcome classifies the terminal state of one application attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSubmitted      Outcome = "submitted"
	OutcomeDuplicate      Outcome = "duplicate_submission_detected"
	OutcomeRequiresManual Outcome = "requires_manual_step"
	OutcomeTransientError Outcome = "transient_error"
	OutcomePermanentError Outcome = "permanent_error"
	OutcomeCannotAutomate Outcome = "cannot_automate"
)

// Retryable reports whether the scheduler may re-queue after this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeTransientError
}

// Success reports whether the outcome counts as a completed application.
// A duplicate detection means an application already exists, so it is
// treated as terminal success.
func (o Outcome) Success() bool {
	return o == OutcomeSubmitted || o == OutcomeDuplicate
}

// SuccessIndicator is the weight the outcome contributes to the confidence
// update: 1 for a clean submission, 0.5 for a manual-intervention outcome,
// 0 for a failure.
func (o Outcome) SuccessIndicator() float64 {
	switch {
	case o.Success():
		return 1
	case o == OutcomeRequiresManual:
		return 0.5
	default:
		return 0
	}
}

// ApplicationAttempt is the append-only audit record for one executor run.
type ApplicationAttempt struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Domain      string    `json:"domain"`
	StrategyID  string    `json:"strategy_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     Outcome   `json:"outcome"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RetryCount  int       `json:"retry_count"`
}

// TicketState is the lifecycle state of a schedule ticket.
type TicketState string

// Ticket states. Abandoned, succeeded, requires-manual and canceled are
// terminal; failed and error re-queue while retries remain.
const (
	TicketQueued         TicketState = "queued"
	TicketRunning        TicketState = "running"
	TicketSucceeded      TicketState = "succeeded"
	TicketFailed         TicketState = "failed"
	TicketRequiresManual TicketState = "requires_manual"
	TicketError          TicketState = "error"
	TicketAbandoned      TicketState = "abandoned"
	TicketCanceled       TicketState = "canceled"
)

// Terminal reports whether a ticket can never leave this state.
func (s TicketState) Terminal() bool {
	switch s {
	case TicketSucceeded, TicketRequiresManual, TicketAbandoned, TicketCanceled:
		return true
	default:
		return false
	}
}

// ScheduleTicket is one unit of scheduled application work.
type ScheduleTicket struct {
	Fingerprint string      `json:"fingerprint"`
	URL         string      `json:"url"`
	Domain      string      `json:"domain"`
	Priority    float64     `json:"priority_score"`
	State       TicketState `json:"state"`
	RetryCount  int         `json:"retry_count"`
	Reason      string      `json:"reason,omitempty"`
	NotBefore   time.Time   `json:"not_before,omitempty"`
	EnqueuedSeq uint64      `json:"-"`
}

// Profile carries the applicant contact fields and document references
// supplied by the external profile service.
type Profile struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	LinkedIn          string `json:"linkedin,omitempty"`
	GitHub            string `json:"github,omitempty"`
	Website           string `json:"website,omitempty"`
	Location          string `json:"location,omitempty"`
	WorkAuthorization string `json:"work_authorization"`
	ResumeRef         string `json:"resume_blob_ref"`
	CoverLetterRef    string `json:"cover_letter_blob_ref,omitempty"`
}

// Value returns the profile value for a canonical field. Upload fields
// return their blob reference.
func (p Profile) Value(field CanonicalField) (string, bool) {
	switch field {
	case FieldFirstName:
		return p.FirstName, p.FirstName != ""
	case FieldLastName:
		return p.LastName, p.LastName != ""
	case FieldFullName:
		full := p.FirstName + " " + p.LastName
		return full, p.FirstName != "" || p.LastName != ""
	case FieldEmail:
		return p.Email, p.Email != ""
	case FieldPhone:
		return p.Phone, p.Phone != ""
	case FieldLinkedIn:
		return p.LinkedIn, p.LinkedIn != ""
	case FieldGitHub:
		return p.GitHub, p.GitHub != ""
	case FieldWebsite:
		return p.Website, p.Website != ""
	case FieldLocation:
		return p.Location, p.Location != ""
	case FieldWorkAuthorization:
		return p.WorkAuthorization, p.WorkAuthorization != ""
	case FieldResumeUpload:
		return p.ResumeRef, p.ResumeRef != ""
	case FieldCoverLetter:
		return p.CoverLetterRef, p.CoverLetterRef != ""
	default:
		return "", false
	}
}

// ExecutionRequest captures everything needed to run one application
// attempt.
type ExecutionRequest struct {
	Strategy   Strategy
	Posting    Posting
	Profile    Profile
	RetryCount int
}

// ExecutionResult is what the executor reports back to the scheduler after
// one attempt reaches a terminal state.
type ExecutionResult struct {
	Outcome    Outcome
	ErrorKind  ErrorKind
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}
