// Package pipeline sequences the protocol stages of one batch instance.
// Each stage runs as an independent step that reads and writes named
// variables, so an external scheduler can invoke steps one at a time and
// persist the variable bag in between. One batch makes forward progress
// through one step at a time; sibling batch instances are fully
// independent.
package pipeline

import (
	"github.com/openmedex/fedquery/pkg/feasibility"
)

// Variable names shared between steps.
const (
	VarStudy        = "study"
	VarBatchID      = "batchId"
	VarTargets      = "targets"
	VarQueries      = "queries"
	VarQueryResults = "queryResults"
	VarFinalResults = "finalQueryResults"
	VarAudit        = "audit"
)

// Variables is the named state passed between steps. Not safe for
// concurrent use; a batch instance is single threaded by design.
type Variables struct {
	values map[string]any
}

// NewVariables creates an empty variable bag.
func NewVariables() *Variables {
	return &Variables{values: make(map[string]any)}
}

// Set stores a value under a name, replacing any previous value.
func (v *Variables) Set(name string, value any) {
	v.values[name] = value
}

// Get returns the value stored under a name.
func (v *Variables) Get(name string) (any, bool) {
	value, ok := v.values[name]
	return value, ok
}

// Lookup returns the value stored under name if it has type T.
func Lookup[T any](v *Variables, name string) (T, bool) {
	var zero T
	raw, ok := v.values[name]
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// AppendAudit adds records to the batch's audit trail variable.
func AppendAudit(v *Variables, records ...feasibility.AuditRecord) {
	if len(records) == 0 {
		return
	}
	existing, _ := Lookup[[]feasibility.AuditRecord](v, VarAudit)
	v.Set(VarAudit, append(existing, records...))
}

// AuditTrail returns the accumulated audit records.
func AuditTrail(v *Variables) []feasibility.AuditRecord {
	records, _ := Lookup[[]feasibility.AuditRecord](v, VarAudit)
	return records
}
