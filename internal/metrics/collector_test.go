package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestCollector_Snapshot(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 4; i++ {
		c.RecordStart()
	}
	c.RecordCompletion(OutcomeCompleted, 100*time.Millisecond)
	c.RecordCompletion(OutcomeCompleted, 300*time.Millisecond)
	c.RecordCompletion(OutcomeFailed, 50*time.Millisecond)
	c.RecordRetry()
	c.RecordActions(3, 1)
	c.RecordActions(2, 0)
	c.RecordPersistenceFailure()

	s := c.Snapshot()
	assert.Equal(t, int64(4), s.Started)
	assert.Equal(t, int64(1), s.InFlight)
	assert.Equal(t, int64(2), s.Completed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(3), s.Finished())
	assert.Equal(t, int64(1), s.Retries)
	assert.Equal(t, int64(5), s.ActionsExecuted)
	assert.Equal(t, int64(1), s.ActionsSkipped)
	assert.Equal(t, int64(1), s.PersistenceFailures)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)

	done := s.Durations[OutcomeCompleted]
	assert.Equal(t, int64(2), done.Count)
	assert.Equal(t, 100*time.Millisecond, done.Min)
	assert.Equal(t, 300*time.Millisecond, done.Max)
	assert.Equal(t, 200*time.Millisecond, done.Avg)
	assert.Equal(t, 400*time.Millisecond, done.Total)
}

func TestCollector_EmptySnapshot(t *testing.T) {
	s := NewCollector().Snapshot()
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.InFlight)
	assert.Empty(t, s.Durations)
	assert.False(t, s.Since.IsZero())
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := NewCollector()
	c.RecordStart()
	c.RecordCompletion(OutcomeTimeout, time.Second)

	s := c.Snapshot()
	s.Durations[OutcomeTimeout] = Timing{Count: 99}

	assert.Equal(t, int64(1), c.Snapshot().Durations[OutcomeTimeout].Count)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	const workers, perWorker = 50, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.RecordStart()
				outcome := OutcomeCompleted
				if i%4 == 0 {
					outcome = OutcomeFailed
				}
				c.RecordCompletion(outcome, time.Duration(i)*time.Millisecond)
				c.RecordActions(2, 1)
				if w%10 == 0 {
					_ = c.Snapshot()
				}
			}
		}(w)
	}
	wg.Wait()

	s := c.Snapshot()
	total := int64(workers * perWorker)
	require.Equal(t, total, s.Started)
	assert.Equal(t, total, s.Finished())
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, total/4, s.Failed)
	assert.Equal(t, 2*total, s.ActionsExecuted)
	assert.Equal(t, total, s.ActionsSkipped)
	assert.Equal(t, s.Completed, s.Durations[OutcomeCompleted].Count)
}

func TestOutcomeOf(t *testing.T) {
	o, ok := OutcomeOf(schema.ExecutionStatusTimeout)
	assert.True(t, ok)
	assert.Equal(t, OutcomeTimeout, o)

	_, ok = OutcomeOf(schema.ExecutionStatusRunning)
	assert.False(t, ok)
}
