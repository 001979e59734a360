// Package feasibility defines the shared data model of the federated
// feasibility protocol: studies, cohorts, participants, per-site results
// and the aggregated cross-site results handed back to the requester.
package feasibility

import (
	"errors"
	"fmt"
)

// Mode selects what a site returns for each cohort query.
type Mode int

const (
	// CountMode returns one patient count per cohort.
	CountMode Mode = iota
	// IdentifierMode returns the raw identifier result set per cohort so
	// that the TTP can deduplicate patients across sites.
	IdentifierMode
)

func (m Mode) String() string {
	switch m {
	case CountMode:
		return "count"
	case IdentifierMode:
		return "identifier"
	default:
		return "unknown"
	}
}

// Cohort is a named, opaque patient-selection query. The ID is
// site-qualified (e.g. "Group/42") and immutable once a batch starts.
type Cohort struct {
	ID    string `json:"id"`
	Query string `json:"query"`
}

// Study describes one feasibility request: the cohorts to evaluate, the
// participating organizations and, if record linkage is needed, the
// trusted third party that performs the matching.
type Study struct {
	ID                 string   `json:"id"`
	Cohorts            []Cohort `json:"cohorts"`
	MedicRefs          []string `json:"medicRefs"`
	TTPRef             string   `json:"ttpRef,omitempty"`
	NeedsRecordLinkage bool     `json:"needsRecordLinkage"`
}

// Mode derives the batch mode from the study definition. The mode is
// fixed at resolve time and never changes for the lifetime of a batch.
func (s *Study) Mode() Mode {
	if s.NeedsRecordLinkage {
		return IdentifierMode
	}
	return CountMode
}

// Participant is one organization taking part in a batch, paired with the
// correlation key minted for it. Keys are batch scoped and never reused.
type Participant struct {
	OrganizationID string `json:"organizationId"`
	CorrelationKey string `json:"correlationKey"`
}

// ResultSet is a raw identifier result set as returned by a site's data
// repository on the identifier path. Columns name the identifier fields,
// rows hold one cell per column.
type ResultSet struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ResultKind tags the payload variant of a SiteResult.
type ResultKind int

const (
	// CountResult carries a scalar cohort size.
	CountResult ResultKind = iota
	// IDResult carries a raw identifier result set.
	IDResult
	// ErrorResult marks a site that failed to produce a usable payload.
	ErrorResult
)

func (k ResultKind) String() string {
	switch k {
	case CountResult:
		return "count"
	case IDResult:
		return "id"
	case ErrorResult:
		return "error"
	default:
		return "unknown"
	}
}

// SiteResult is one site's answer for one cohort. The payload is exactly
// one of a count, a result set or an error marker, selected by Kind.
// Consumers must handle all three kinds.
type SiteResult struct {
	SiteID   string     `json:"siteId"`
	CohortID string     `json:"cohortId"`
	Kind     ResultKind `json:"kind"`
	Count    int        `json:"count,omitempty"`
	Set      *ResultSet `json:"set,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// NewCountResult builds a count-mode site result.
func NewCountResult(siteID, cohortID string, count int) SiteResult {
	return SiteResult{SiteID: siteID, CohortID: cohortID, Kind: CountResult, Count: count}
}

// NewIDResult builds an identifier-mode site result.
func NewIDResult(siteID, cohortID string, set *ResultSet) SiteResult {
	return SiteResult{SiteID: siteID, CohortID: cohortID, Kind: IDResult, Set: set}
}

// NewErrorResult builds an error-tagged site result. The message is kept
// for the audit trail, the site still counts as a non-contributing
// participant downstream.
func NewErrorResult(siteID, cohortID, message string) SiteResult {
	return SiteResult{SiteID: siteID, CohortID: cohortID, Kind: ErrorResult, Message: message}
}

// CohortResult is the aggregated cross-site result for one cohort.
// ParticipatingMedics is the number of distinct sites that contributed a
// non-error result; CohortSize is the summed count or, on the identifier
// path, the deduplicated distinct-patient count.
type CohortResult struct {
	CohortID            string `json:"cohortId"`
	ParticipatingMedics int    `json:"participatingMedics"`
	CohortSize          int    `json:"cohortSize"`
}

// BloomFilterConfig is the shared secret material for one study's record
// linkage: a permutation seed and two HMAC keys. It is a capability, not
// data. It must be minted fresh per study; reuse across studies allows
// linkage-based deanonymization.
type BloomFilterConfig struct {
	PermutationSeed int64
	HmacSHA2Key     []byte
	HmacSHA3Key     []byte
}

// AuditRecord is one human-readable error or audit entry emitted for a
// dropped cohort, a malformed query or a protocol anomaly.
type AuditRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a AuditRecord) String() string {
	return fmt.Sprintf("%s: %s", a.Code, a.Message)
}

// Audit codes used across the pipeline.
const (
	CodeInvalidQuery         = "invalid-query"
	CodeTranslationError     = "translation-error"
	CodeSiteError            = "site-error"
	CodeNotEnoughMedics      = "not-enough-participating-medics"
	CodeUnknownCorrelation   = "unknown-correlation-key"
	CodeDuplicateSubmission  = "duplicate-submission"
	CodeUnknownCohort        = "unknown-cohort"
	CodeMultiMedicResultFail = "multi-medic-result-failure"
)

// BatchResult is the terminal output of one batch: the surviving cohort
// results plus the audit trail. A hard batch failure is signalled through
// an error, not through an empty Results slice.
type BatchResult struct {
	BatchID string         `json:"batchId"`
	Results []CohortResult `json:"results"`
	Audit   []AuditRecord  `json:"audit,omitempty"`
}

// Errors shared across the protocol stages.
var (
	// ErrReferenceNotFound marks an organization reference that cannot be
	// resolved. Upstream validation should have rejected the study, so
	// hitting this is an invariant violation rather than a user error.
	ErrReferenceNotFound = errors.New("organization reference not found")

	// ErrNotEnoughMedics fails a batch before dispatch when the study
	// lists fewer organizations than the configured minimum.
	ErrNotEnoughMedics = errors.New("not enough participating organizations")

	// ErrNotEnoughCohorts fails a batch before dispatch when the study
	// defines fewer cohorts than the configured minimum.
	ErrNotEnoughCohorts = errors.New("not enough cohort definitions")

	// ErrNoValidQueries fails a batch before dispatch when validation
	// rejected every cohort query. Distinct from ErrNoCohorts: nothing
	// was ever sent to a site.
	ErrNoValidQueries = errors.New("no valid cohort query to dispatch")

	// ErrNoCohorts is the hard batch failure raised when no cohort
	// survives the privacy gate.
	ErrNoCohorts = errors.New("no cohort result with enough participating organizations")

	// ErrUnknownCorrelationKey marks a submission under a key that was
	// never minted for the batch.
	ErrUnknownCorrelationKey = errors.New("unknown correlation key")

	// ErrDuplicateSubmission marks a second submission under an already
	// satisfied correlation key.
	ErrDuplicateSubmission = errors.New("correlation key already satisfied")

	// ErrUnknownCohort marks a site result whose cohort id is not part of
	// the batch's fixed cohort set.
	ErrUnknownCohort = errors.New("unknown cohort id")

	// ErrBatchClosed marks a submission after the batch reached a
	// terminal state.
	ErrBatchClosed = errors.New("batch already closed")
)
