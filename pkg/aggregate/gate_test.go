package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmedex/fedquery/pkg/feasibility"
)

func TestGateKeepsCohortsAtThreshold(t *testing.T) {
	g := NewGate(3, testLogger())

	kept, audit, err := g.Filter([]feasibility.CohortResult{
		{CohortID: "Group/42", ParticipatingMedics: 3, CohortSize: 15},
	})

	require.NoError(t, err)
	assert.Empty(t, audit)
	require.Len(t, kept, 1)
	assert.Equal(t, 15, kept[0].CohortSize)
}

func TestGateDropsBelowThreshold(t *testing.T) {
	g := NewGate(3, testLogger())

	// Two sites with counts 5 and 7: the aggregate (2 sites, 12) exists
	// but must never be disclosed. With only two contributors each site
	// could subtract its own count from the total.
	kept, audit, err := g.Filter([]feasibility.CohortResult{
		{CohortID: "Group/1", ParticipatingMedics: 2, CohortSize: 12},
	})

	assert.ErrorIs(t, err, feasibility.ErrNoCohorts)
	assert.Empty(t, kept)

	require.Len(t, audit, 2)
	assert.Equal(t, feasibility.CodeNotEnoughMedics, audit[0].Code)
	assert.Contains(t, audit[0].Message, "Group/1")
	assert.Equal(t, feasibility.CodeMultiMedicResultFail, audit[1].Code)
}

func TestGateDropsOnlyUnderpopulatedCohorts(t *testing.T) {
	g := NewGate(3, testLogger())

	kept, audit, err := g.Filter([]feasibility.CohortResult{
		{CohortID: "Group/42", ParticipatingMedics: 3, CohortSize: 15},
		{CohortID: "Group/99", ParticipatingMedics: 2, CohortSize: 9},
	})

	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "Group/42", kept[0].CohortID)

	require.Len(t, audit, 1)
	assert.Equal(t, feasibility.CodeNotEnoughMedics, audit[0].Code)
	assert.Contains(t, audit[0].Message, "Group/99")
}

func TestGateEmptyInputIsHardFailure(t *testing.T) {
	g := NewGate(3, testLogger())

	kept, audit, err := g.Filter(nil)

	assert.ErrorIs(t, err, feasibility.ErrNoCohorts)
	assert.Empty(t, kept)
	require.Len(t, audit, 1)
	assert.Equal(t, feasibility.CodeMultiMedicResultFail, audit[0].Code)
}
