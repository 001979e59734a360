package query

import (
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

func TestValidateAcceptsPrefixedQueries(t *testing.T) {
	v := NewValidator("select count", testLogger())

	queries, audit := v.Validate([]feasibility.Cohort{
		{ID: "Group/1", Query: "select count(e) from ehr e"},
		{ID: "Group/2", Query: "SELECT COUNT(e) FROM EHR e"},
		{ID: "Group/3", Query: "  select count(e) from ehr e  "},
	})

	assert.Empty(t, audit)
	assert.Len(t, queries, 3)
	assert.Equal(t, "select count(e) from ehr e", queries["Group/3"], "queries are trimmed")
}

func TestValidateExcludesMalformedQuery(t *testing.T) {
	v := NewValidator("select count", testLogger())

	// One bad cohort never aborts the batch; the rest proceed.
	queries, audit := v.Validate([]feasibility.Cohort{
		{ID: "Group/1", Query: "select count(e) from ehr e"},
		{ID: "Group/2", Query: "drop table ehr"},
		{ID: "Group/3", Query: "select count(e) from ehr e where x"},
	})

	assert.Len(t, queries, 2)
	assert.NotContains(t, queries, "Group/2")

	require.Len(t, audit, 1)
	assert.Equal(t, feasibility.CodeInvalidQuery, audit[0].Code)
	assert.Contains(t, audit[0].Message, "Group/2")
}

func TestValidateIsPure(t *testing.T) {
	v := NewValidator("select count", testLogger())
	cohorts := []feasibility.Cohort{
		{ID: "Group/1", Query: "select count(e) from ehr e"},
		{ID: "Group/2", Query: "bogus"},
	}

	first, firstAudit := v.Validate(cohorts)
	second, secondAudit := v.Validate(cohorts)

	assert.Equal(t, first, second)
	assert.Equal(t, firstAudit, secondAudit)
}

func TestRewriteForIdentifiers(t *testing.T) {
	rewritten, err := RewriteForIdentifiers("select count(e/ehr_id/value) from ehr e")
	require.NoError(t, err)
	assert.Equal(t, "select e/ehr_id/value from ehr e", rewritten)
}

func TestRewriteEmptyCountArgument(t *testing.T) {
	rewritten, err := RewriteForIdentifiers("select count() from ehr e")
	require.NoError(t, err)
	assert.Equal(t, "select "+IdentifierProjection+" from ehr e", rewritten)
}

func TestRewriteIsIdempotent(t *testing.T) {
	once, err := RewriteForIdentifiers("select count(e/ehr_id/value) from ehr e")
	require.NoError(t, err)

	twice, err := RewriteForIdentifiers(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRewriteFailsClosed(t *testing.T) {
	for _, q := range []string{
		"update ehr set x = 1",
		"select count from ehr e",
		"select count(e from ehr e",
	} {
		_, err := RewriteForIdentifiers(q)
		assert.Error(t, err, "query %q must not be rewritten", q)
	}
}

func TestValidateAndRewriteCountMode(t *testing.T) {
	v := NewValidator("select count", testLogger())

	queries, audit := v.ValidateAndRewrite([]feasibility.Cohort{
		{ID: "Group/1", Query: "select count(e) from ehr e"},
	}, feasibility.CountMode)

	assert.Empty(t, audit)
	assert.Equal(t, "select count(e) from ehr e", queries["Group/1"], "count mode leaves the projection alone")
}

func TestValidateAndRewriteIdentifierMode(t *testing.T) {
	v := NewValidator("select count", testLogger())

	queries, audit := v.ValidateAndRewrite([]feasibility.Cohort{
		{ID: "Group/1", Query: "select count(e/ehr_id/value) from ehr e"},
	}, feasibility.IdentifierMode)

	assert.Empty(t, audit)
	assert.Equal(t, "select e/ehr_id/value from ehr e", queries["Group/1"])
}
