// Package query validates and normalizes cohort queries before dispatch.
// Queries are opaque strings; the only syntactic contract is the required
// prefix. On the identifier path the count projection is rewritten into
// an identifier projection so sites return row sets instead of scalars.
package query

import (
	"fmt"
	"strings"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// IdentifierProjection replaces the count projection when a batch needs
// per-patient identifiers.
const IdentifierProjection = "e/ehr_id/value"

// Validator checks cohort queries against the required prefix.
type Validator struct {
	prefix string
	log    *logging.Logger
}

// NewValidator creates a validator for the given query prefix. The
// prefix comparison is case-insensitive.
func NewValidator(prefix string, log *logging.Logger) *Validator {
	if log == nil {
		log = logging.Default()
	}
	return &Validator{prefix: strings.ToLower(prefix), log: log.WithComponent("query")}
}

// Validate checks each cohort's query against the required prefix and
// returns the cohort-id to query map of accepted queries plus one audit
// record per rejected cohort. A malformed query never aborts the batch;
// the cohort is simply excluded from dispatch.
//
// Validation is a pure function of the input: the same raw query always
// yields the same decision.
func (v *Validator) Validate(cohorts []feasibility.Cohort) (map[string]string, []feasibility.AuditRecord) {
	queries := make(map[string]string, len(cohorts))
	var audit []feasibility.AuditRecord

	for _, cohort := range cohorts {
		trimmed := strings.TrimSpace(cohort.Query)
		if !strings.HasPrefix(strings.ToLower(trimmed), v.prefix) {
			v.log.Warn("excluding cohort with malformed query", map[string]any{
				"cohort": cohort.ID,
			})
			audit = append(audit, feasibility.AuditRecord{
				Code: feasibility.CodeInvalidQuery,
				Message: fmt.Sprintf("query of cohort %s does not start with %q and was excluded",
					cohort.ID, v.prefix),
			})
			continue
		}
		queries[cohort.ID] = trimmed
	}

	return queries, audit
}

// ValidateAndRewrite validates like Validate and, when mode is
// IdentifierMode, rewrites every surviving query from its count
// projection to the identifier projection.
func (v *Validator) ValidateAndRewrite(cohorts []feasibility.Cohort, mode feasibility.Mode) (map[string]string, []feasibility.AuditRecord) {
	queries, audit := v.Validate(cohorts)
	if mode != feasibility.IdentifierMode {
		return queries, audit
	}

	for id, q := range queries {
		rewritten, err := RewriteForIdentifiers(q)
		if err != nil {
			delete(queries, id)
			v.log.Warn("excluding cohort, count projection could not be rewritten", map[string]any{
				"cohort": id,
			})
			audit = append(audit, feasibility.AuditRecord{
				Code:    feasibility.CodeInvalidQuery,
				Message: fmt.Sprintf("query of cohort %s could not be rewritten for record linkage: %v", id, err),
			})
			continue
		}
		queries[id] = rewritten
	}
	return queries, audit
}

// RewriteForIdentifiers substitutes a query's count projection with the
// identifier projection. The rewrite is purely textual and idempotent: a
// query that already carries an identifier projection is returned
// unchanged, anything else fails closed.
//
//	select count(e/ehr_id/value) from ehr e  ->  select e/ehr_id/value from ehr e
func RewriteForIdentifiers(q string) (string, error) {
	trimmed := strings.TrimSpace(q)
	lower := strings.ToLower(trimmed)

	const selectKeyword = "select"
	if !strings.HasPrefix(lower, selectKeyword) {
		return "", fmt.Errorf("query does not start with %q", selectKeyword)
	}

	rest := strings.TrimLeft(trimmed[len(selectKeyword):], " \t\r\n")
	restLower := strings.ToLower(rest)

	if !strings.HasPrefix(restLower, "count") {
		// Already an identifier projection; rewriting twice is a no-op.
		return trimmed, nil
	}

	afterCount := strings.TrimLeft(rest[len("count"):], " \t\r\n")
	if !strings.HasPrefix(afterCount, "(") {
		return "", fmt.Errorf("count projection without argument list")
	}

	closing := strings.Index(afterCount, ")")
	if closing < 0 {
		return "", fmt.Errorf("count projection not closed")
	}

	inner := strings.TrimSpace(afterCount[1:closing])
	if inner == "" {
		inner = IdentifierProjection
	}

	return selectKeyword + " " + inner + afterCount[closing+1:], nil
}
