package execute

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.ErrorLevel, io.Discard)
}

// mockRepository answers queries from fixed maps.
type mockRepository struct {
	counts map[string]int
	sets   map[string]*feasibility.ResultSet
	err    error
}

func (m *mockRepository) Count(ctx context.Context, query string) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[query], nil
}

func (m *mockRepository) Search(ctx context.Context, query string) (*feasibility.ResultSet, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.sets[query], nil
}

func TestExecuteCount(t *testing.T) {
	repo := &mockRepository{counts: map[string]int{"select count(e) from ehr e": 42}}
	e := NewExecutor("org-a", repo, testLogger())

	r := e.Execute(context.Background(), "Group/1", "select count(e) from ehr e", feasibility.CountMode)

	assert.Equal(t, feasibility.CountResult, r.Kind)
	assert.Equal(t, 42, r.Count)
	assert.Equal(t, "org-a", r.SiteID)
	assert.Equal(t, "Group/1", r.CohortID)
}

func TestExecuteFoldsFailureIntoErrorResult(t *testing.T) {
	repo := &mockRepository{err: errors.New("connection refused")}
	e := NewExecutor("org-a", repo, testLogger())

	r := e.Execute(context.Background(), "Group/1", "select count(e) from ehr e", feasibility.CountMode)

	assert.Equal(t, feasibility.ErrorResult, r.Kind)
	assert.Contains(t, r.Message, "connection refused")
}

func TestExecuteRejectsNegativeCount(t *testing.T) {
	repo := &mockRepository{counts: map[string]int{"q": -1}}
	e := NewExecutor("org-a", repo, testLogger())

	r := e.Execute(context.Background(), "Group/1", "q", feasibility.CountMode)
	assert.Equal(t, feasibility.ErrorResult, r.Kind)
}

func TestExecuteIdentifierMode(t *testing.T) {
	set := &feasibility.ResultSet{Columns: []string{"first_name"}, Rows: [][]string{{"Jane"}}}
	repo := &mockRepository{sets: map[string]*feasibility.ResultSet{"q": set}}
	e := NewExecutor("org-a", repo, testLogger())

	r := e.Execute(context.Background(), "Group/1", "q", feasibility.IdentifierMode)

	require.Equal(t, feasibility.IDResult, r.Kind)
	assert.Equal(t, set, r.Set)
}

func TestExecuteIdentifierModeNilSet(t *testing.T) {
	repo := &mockRepository{}
	e := NewExecutor("org-a", repo, testLogger())

	r := e.Execute(context.Background(), "Group/1", "q", feasibility.IdentifierMode)
	assert.Equal(t, feasibility.ErrorResult, r.Kind)
}

func TestExecuteAll(t *testing.T) {
	repo := &mockRepository{counts: map[string]int{"q1": 5, "q2": 7}}
	e := NewExecutor("org-a", repo, testLogger())

	results := e.ExecuteAll(context.Background(),
		map[string]string{"Group/1": "q1", "Group/2": "q2"},
		feasibility.CountMode, NewPool(2))

	require.Len(t, results, 2)
	byCohort := map[string]int{}
	for _, r := range results {
		assert.Equal(t, feasibility.CountResult, r.Kind)
		byCohort[r.CohortID] = r.Count
	}
	assert.Equal(t, map[string]int{"Group/1": 5, "Group/2": 7}, byCohort)
}
