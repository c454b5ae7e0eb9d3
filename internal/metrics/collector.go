// Package metrics aggregates execution counters and durations for the engine.
package metrics

import (
	"sync"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Outcome is the terminal result of an execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeOf maps a terminal execution status to its Outcome.
func OutcomeOf(status schema.ExecutionStatus) (Outcome, bool) {
	switch status {
	case schema.ExecutionStatusCompleted:
		return OutcomeCompleted, true
	case schema.ExecutionStatusFailed:
		return OutcomeFailed, true
	case schema.ExecutionStatusTimeout:
		return OutcomeTimeout, true
	case schema.ExecutionStatusCancelled:
		return OutcomeCancelled, true
	}
	return "", false
}

// Timing summarizes the durations recorded for one outcome.
type Timing struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

func (t *Timing) add(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
	t.Avg = t.Total / time.Duration(t.Count)
}

// Snapshot is a consistent point-in-time copy of the collector.
type Snapshot struct {
	Started             int64              `json:"started"`
	InFlight            int64              `json:"in_flight"`
	Completed           int64              `json:"completed"`
	Failed              int64              `json:"failed"`
	TimedOut            int64              `json:"timed_out"`
	Cancelled           int64              `json:"cancelled"`
	Retries             int64              `json:"retries"`
	ActionsExecuted     int64              `json:"actions_executed"`
	ActionsSkipped      int64              `json:"actions_skipped"`
	PersistenceFailures int64              `json:"persistence_failures"`
	SuccessRate         float64            `json:"success_rate"` // completed / finished, 0 when nothing finished
	Durations           map[Outcome]Timing `json:"durations"`
	Since               time.Time          `json:"since"`
}

// Finished is the number of executions that reached a terminal state.
func (s Snapshot) Finished() int64 {
	return s.Completed + s.Failed + s.TimedOut + s.Cancelled
}

// Collector is a concurrency-safe metrics aggregator. A single mutex guards
// every counter so snapshots are always internally consistent.
type Collector struct {
	mu        sync.Mutex
	started   int64
	outcomes  map[Outcome]int64
	durations map[Outcome]*Timing
	retries   int64
	executed  int64
	skipped   int64
	persist   int64
	since     time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		outcomes:  make(map[Outcome]int64, 4),
		durations: make(map[Outcome]*Timing, 4),
		since:     time.Now().UTC(),
	}
}

// RecordStart counts a new execution.
func (c *Collector) RecordStart() {
	c.mu.Lock()
	c.started++
	c.mu.Unlock()
}

// RecordCompletion counts a terminal transition and its duration.
func (c *Collector) RecordCompletion(outcome Outcome, d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
	t, ok := c.durations[outcome]
	if !ok {
		t = &Timing{}
		c.durations[outcome] = t
	}
	t.add(d)
}

// RecordRetry counts a scheduled retry.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

// RecordActions adds the action counts of one finished execution.
func (c *Collector) RecordActions(executed, skipped int) {
	c.mu.Lock()
	c.executed += int64(executed)
	c.skipped += int64(skipped)
	c.mu.Unlock()
}

// RecordPersistenceFailure counts a write that exhausted its retries.
func (c *Collector) RecordPersistenceFailure() {
	c.mu.Lock()
	c.persist++
	c.mu.Unlock()
}

// Snapshot copies the current values.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Started:             c.started,
		Completed:           c.outcomes[OutcomeCompleted],
		Failed:              c.outcomes[OutcomeFailed],
		TimedOut:            c.outcomes[OutcomeTimeout],
		Cancelled:           c.outcomes[OutcomeCancelled],
		Retries:             c.retries,
		ActionsExecuted:     c.executed,
		ActionsSkipped:      c.skipped,
		PersistenceFailures: c.persist,
		Durations:           make(map[Outcome]Timing, len(c.durations)),
		Since:               c.since,
	}
	for o, t := range c.durations {
		s.Durations[o] = *t
	}
	s.InFlight = s.Started - s.Finished()
	if s.InFlight < 0 {
		s.InFlight = 0
	}
	if n := s.Finished(); n > 0 {
		s.SuccessRate = float64(s.Completed) / float64(n)
	}
	return s
}
