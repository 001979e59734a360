package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmedex/fedquery/pkg/feasibility"
)

type recordingStep struct {
	name string
	err  error
	ran  *[]string
}

func (s *recordingStep) Name() string { return s.name }

func (s *recordingStep) Execute(ctx context.Context, vars *Variables) error {
	*s.ran = append(*s.ran, s.name)
	return s.err
}

func TestRunnerExecutesInOrder(t *testing.T) {
	var ran []string
	r := NewRunner(testLogger(),
		&recordingStep{name: "first", ran: &ran},
		&recordingStep{name: "second", ran: &ran},
		&recordingStep{name: "third", ran: &ran},
	)

	require.NoError(t, r.Run(context.Background(), NewVariables()))
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestRunnerStopsAtFirstError(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	r := NewRunner(testLogger(),
		&recordingStep{name: "first", ran: &ran},
		&recordingStep{name: "second", err: boom, ran: &ran},
		&recordingStep{name: "third", ran: &ran},
	)

	err := r.Run(context.Background(), NewVariables())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestRunnerHonorsContext(t *testing.T) {
	var ran []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(testLogger(), &recordingStep{name: "first", ran: &ran})
	err := r.Run(ctx, NewVariables())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ran)
}

func TestVariablesLookup(t *testing.T) {
	vars := NewVariables()
	vars.Set(VarBatchID, "batch-1")

	id, ok := Lookup[string](vars, VarBatchID)
	assert.True(t, ok)
	assert.Equal(t, "batch-1", id)

	_, ok = Lookup[int](vars, VarBatchID)
	assert.False(t, ok, "type mismatch must not panic")

	_, ok = Lookup[string](vars, "missing")
	assert.False(t, ok)
}

func TestAuditTrailAccumulates(t *testing.T) {
	vars := NewVariables()
	assert.Empty(t, AuditTrail(vars))

	AppendAudit(vars, feasibility.AuditRecord{Code: "a", Message: "one"})
	AppendAudit(vars)
	AppendAudit(vars, feasibility.AuditRecord{Code: "b", Message: "two"})

	trail := AuditTrail(vars)
	require.Len(t, trail, 2)
	assert.Equal(t, "a", trail[0].Code)
	assert.Equal(t, "b", trail[1].Code)
}
