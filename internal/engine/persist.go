package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

const persistTimeout = 5 * time.Second

// persist runs a store write with bounded retries. A write that still fails
// is reported through the logger, metrics and a persistence_failed
// notification; the in-memory outcome is never rolled back.
func (e *Engine) persist(ctx context.Context, op, executionID string, write func(context.Context) error) error {
	if e.store == nil {
		return nil
	}
	base := context.WithoutCancel(ctx)

	var err error
	attempts := 0
	for attempts < e.cfg.PersistAttempts {
		if attempts > 0 {
			_ = WaitForBackoff(base, e.cfg.PersistBackoff<<(attempts-1))
		}
		attempts++
		wctx, cancel := context.WithTimeout(base, persistTimeout)
		err = write(wctx)
		cancel()
		if err == nil {
			return nil
		}
		if permanentStoreError(err) {
			break
		}
	}

	e.logger.ErrorContext(ctx, "persistence write failed",
		"operation", op, "execution", executionID, "attempts", attempts, "error", err)
	e.metrics.RecordPersistenceFailure()
	e.publish(ctx, streaming.StreamEvent{
		Type:        schema.EventPersistenceFailed,
		ExecutionID: executionID,
		Payload: map[string]any{
			"operation": op,
			"attempts":  attempts,
			"error":     schema.PublicMessage(err),
		},
	})
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func permanentStoreError(err error) bool {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound, schema.ErrCodeInvalidTransition, schema.ErrCodeValidation:
		return true
	}
	return false
}

// saveExecution writes snap, creating the row on first use.
func (e *Engine) saveExecution(ctx context.Context, x *execution, snap *store.Execution) {
	if e.store == nil {
		return
	}
	x.mu.Lock()
	persisted := x.persisted
	x.mu.Unlock()

	if !persisted {
		err := e.persist(ctx, "create_execution", snap.ID, func(c context.Context) error {
			err := e.store.CreateExecution(c, snap.Clone())
			if schema.HasCode(err, schema.ErrCodeConflict) {
				// an earlier attempt landed before its error surfaced
				return e.store.UpdateExecution(c, snap.ID, store.UpdateFrom(snap))
			}
			return err
		})
		if err == nil {
			x.mu.Lock()
			x.persisted = true
			x.mu.Unlock()
		}
		return
	}
	_ = e.persist(ctx, "update_execution", snap.ID, func(c context.Context) error {
		return e.store.UpdateExecution(c, snap.ID, store.UpdateFrom(snap))
	})
}

// appendLog adds a diagnostic entry to an execution's log.
func (e *Engine) appendLog(ctx context.Context, executionID string, level schema.LogLevel, msg string, meta map[string]any) {
	if e.store == nil {
		return
	}
	entry := &store.ExecutionLog{ExecutionID: executionID, Level: level, Message: msg}
	if meta != nil {
		entry.Metadata, _ = json.Marshal(meta)
	}
	_ = persistentLogs{e: e}.AppendLog(ctx, entry)
}

// persistentLogs appends log entries with the engine's persistence retries.
type persistentLogs struct {
	e *Engine
}

func (p persistentLogs) AppendLog(ctx context.Context, entry *store.ExecutionLog) error {
	return p.e.persist(ctx, "append_log", entry.ExecutionID, func(c context.Context) error {
		cp := *entry
		return p.e.store.AppendLog(c, &cp)
	})
}

// --- FSM hooks ---

func (e *Engine) onRunning(ctx context.Context, x *execution, snap *store.Execution, _ schema.ExecutionStatus) {
	e.history.update(snap)
	e.saveExecution(ctx, x, snap)
	e.logger.InfoContext(ctx, "execution started",
		"execution", snap.ID, "workflow", snap.WorkflowName, "retry_count", snap.RetryCount)
	e.publish(ctx, streaming.StreamEvent{
		Type:        schema.EventExecutionStarted,
		Workflow:    snap.WorkflowName,
		ExecutionID: snap.ID,
		Payload:     map[string]any{"correlation_id": snap.ExecutionID, "retry_count": snap.RetryCount},
	})
}

func (e *Engine) onTerminal(ctx context.Context, x *execution, snap *store.Execution, from schema.ExecutionStatus) {
	e.mu.Lock()
	delete(e.active, snap.ID)
	e.mu.Unlock()

	e.history.update(snap)
	if outcome, ok := metrics.OutcomeOf(snap.Status); ok {
		e.metrics.RecordCompletion(outcome, snap.Duration())
	}
	e.metrics.RecordActions(snap.ActionsExecuted, snap.ActionsSkipped)
	e.saveExecution(ctx, x, snap)

	level := e.logger.InfoContext
	if snap.Status != schema.ExecutionStatusCompleted {
		level = e.logger.WarnContext
	}
	level(ctx, "execution finished",
		"execution", snap.ID, "workflow", snap.WorkflowName, "status", snap.Status,
		"from", from, "duration", snap.Duration().String(), "error_code", snap.ErrorCode)

	payload := map[string]any{
		"correlation_id":   snap.ExecutionID,
		"retry_count":      snap.RetryCount,
		"actions_executed": snap.ActionsExecuted,
		"actions_skipped":  snap.ActionsSkipped,
		"duration_ms":      snap.Duration().Milliseconds(),
	}
	if snap.ErrorCode != "" {
		payload["error_code"] = snap.ErrorCode
		payload["error"] = snap.ErrorMessage
	}
	e.publish(ctx, streaming.StreamEvent{
		Type:        statusEventType(snap.Status),
		Workflow:    snap.WorkflowName,
		ExecutionID: snap.ID,
		Payload:     payload,
	})
}
