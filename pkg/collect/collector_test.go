package collect

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmedex/fedquery/pkg/aggregate"
	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.ErrorLevel, io.Discard)
}

func testCollector(keys ...string) *Collector {
	participants := make([]feasibility.Participant, 0, len(keys))
	for i, key := range keys {
		participants = append(participants, feasibility.Participant{
			OrganizationID: fmt.Sprintf("org-%d", i),
			CorrelationKey: key,
		})
	}
	return New("batch-1", participants, []string{"Group/1", "Group/2"}, testLogger())
}

func TestRecordAccepts(t *testing.T) {
	c := testCollector("key-a", "key-b")

	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5)))

	results, done := c.Results()
	assert.False(t, done)
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Count)
}

func TestDuplicateSubmissionRejectedIdempotently(t *testing.T) {
	c := testCollector("key-a", "key-b")

	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5)))

	// Replays never merge and never change the accepted set, no matter
	// how often they arrive.
	for i := 0; i < 3; i++ {
		err := c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 500))
		assert.ErrorIs(t, err, feasibility.ErrDuplicateSubmission)
	}

	results, _ := c.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Count)
}

func TestUnknownCorrelationKeyDiscarded(t *testing.T) {
	c := testCollector("key-a")

	err := c.Record("key-forged", feasibility.NewCountResult("org-x", "Group/1", 99))
	assert.ErrorIs(t, err, feasibility.ErrUnknownCorrelationKey)

	results, _ := c.Results()
	assert.Empty(t, results, "forged submissions must not reach the batch")
	assert.Equal(t, 1, c.Pending())
}

func TestUnknownCohortDiscarded(t *testing.T) {
	c := testCollector("key-a")

	err := c.Record("key-a", feasibility.NewCountResult("org-0", "Group/99", 5))
	assert.ErrorIs(t, err, feasibility.ErrUnknownCohort)

	// The key stays unsatisfied; the site may resubmit correctly.
	assert.Equal(t, 1, c.Pending())
	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5)))
}

func TestStateTransitions(t *testing.T) {
	c := testCollector("key-a", "key-b", "key-c")
	assert.Equal(t, Waiting, c.State())

	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 1)))
	assert.Equal(t, Partial, c.State())

	require.NoError(t, c.Record("key-b", feasibility.NewCountResult("org-1", "Group/1", 2)))
	assert.Equal(t, Partial, c.State())

	require.NoError(t, c.Record("key-c", feasibility.NewCountResult("org-2", "Group/1", 3)))
	assert.Equal(t, Complete, c.State())

	_, done := c.Results()
	assert.True(t, done)
}

func TestForceClosesPartialBatch(t *testing.T) {
	c := testCollector("key-a", "key-b", "key-c")

	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 1)))

	results := c.Force()
	assert.Len(t, results, 1)
	assert.Equal(t, Complete, c.State())

	// Late submissions after the deadline are rejected.
	err := c.Record("key-b", feasibility.NewCountResult("org-1", "Group/1", 2))
	assert.ErrorIs(t, err, feasibility.ErrBatchClosed)
}

func TestRecordAllAcceptsWholeSubmission(t *testing.T) {
	c := testCollector("key-a", "key-b")

	err := c.RecordAll("key-a", []feasibility.SiteResult{
		feasibility.NewCountResult("org-0", "Group/1", 5),
		feasibility.NewCountResult("org-0", "Group/2", 7),
	})
	require.NoError(t, err)

	results, _ := c.Results()
	assert.Len(t, results, 2)
	assert.Equal(t, 1, c.Pending())
}

func TestRecordAllDiscardsUnknownCohortEntries(t *testing.T) {
	c := testCollector("key-a")

	err := c.RecordAll("key-a", []feasibility.SiteResult{
		feasibility.NewCountResult("org-0", "Group/1", 5),
		feasibility.NewCountResult("org-0", "Group/99", 7),
	})
	require.NoError(t, err)

	results, _ := c.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "Group/1", results[0].CohortID)

	// The key is satisfied by the submission as a whole.
	err = c.RecordAll("key-a", []feasibility.SiteResult{
		feasibility.NewCountResult("org-0", "Group/2", 1),
	})
	assert.ErrorIs(t, err, feasibility.ErrDuplicateSubmission)
}

func TestRecordAllDiscardsRepeatedCohortEntries(t *testing.T) {
	c := testCollector("key-a", "key-b")

	err := c.RecordAll("key-a", []feasibility.SiteResult{
		feasibility.NewCountResult("org-0", "Group/1", 7),
		feasibility.NewCountResult("org-0", "Group/1", 7),
		feasibility.NewCountResult("org-0", "Group/2", 4),
	})
	require.NoError(t, err)

	results, _ := c.Results()
	require.Len(t, results, 2, "one entry per cohort per submission")

	counts := map[string]int{}
	for _, r := range results {
		counts[r.CohortID]++
	}
	assert.Equal(t, map[string]int{"Group/1": 1, "Group/2": 1}, counts)
}

func TestEchoedCohortEntryCannotPassGate(t *testing.T) {
	c := testCollector("key-a", "key-b")

	// Two distinct sites report for Group/1; the second pads its
	// submission with a repeated entry. The echoed entry must not count
	// as a third participant, so the k=3 gate still withholds the cohort.
	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5)))
	require.NoError(t, c.RecordAll("key-b", []feasibility.SiteResult{
		feasibility.NewCountResult("org-1", "Group/1", 7),
		feasibility.NewCountResult("org-1", "Group/1", 7),
	}))

	results, done := c.Results()
	assert.True(t, done)

	aggregated, _ := aggregate.NewAggregator(testLogger()).Aggregate(results)
	require.Len(t, aggregated, 1)
	assert.Equal(t, 2, aggregated[0].ParticipatingMedics)
	assert.Equal(t, 12, aggregated[0].CohortSize)

	kept, _, err := aggregate.NewGate(3, testLogger()).Filter(aggregated)
	assert.ErrorIs(t, err, feasibility.ErrNoCohorts)
	assert.Empty(t, kept)
}

func TestLateReplayRejectedAfterForce(t *testing.T) {
	c := testCollector("key-a", "key-b")
	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5)))

	c.Force()

	// Replays from a satisfied participant and forged keys are both
	// rejected once the batch is terminal.
	err := c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5))
	assert.ErrorIs(t, err, feasibility.ErrBatchClosed)

	err = c.Record("key-forged", feasibility.NewCountResult("org-x", "Group/1", 5))
	assert.ErrorIs(t, err, feasibility.ErrBatchClosed)

	results, _ := c.Results()
	assert.Len(t, results, 1)
}

func TestConcurrentSubmissions(t *testing.T) {
	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	c := testCollector(keys...)

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			// Each participant submits twice; exactly one attempt wins.
			c.Record(key, feasibility.NewCountResult(fmt.Sprintf("org-%d", i), "Group/1", 1))
			c.Record(key, feasibility.NewCountResult(fmt.Sprintf("org-%d", i), "Group/1", 1))
		}(i, key)
	}
	wg.Wait()

	results, done := c.Results()
	assert.True(t, done)
	assert.Len(t, results, len(keys))
	assert.Equal(t, 0, c.Pending())
}

func TestResultsReturnsCopy(t *testing.T) {
	c := testCollector("key-a", "key-b")
	require.NoError(t, c.Record("key-a", feasibility.NewCountResult("org-0", "Group/1", 5)))

	results, _ := c.Results()
	results[0].Count = 999

	again, _ := c.Results()
	assert.Equal(t, 5, again[0].Count)
}
