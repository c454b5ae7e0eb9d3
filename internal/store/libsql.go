package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hookflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/hookflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, "://") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, name, version, status, definition, created_at, updated_at`

// UpsertWorkflow stores wf keyed by name. A new name is inserted at version 1
// (or wf.Version when set); an existing name keeps its ID and has its version
// bumped when the definition changed. wf is updated with the stored identity.
func (s *LibSQLStore) UpsertWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.Name == "" {
		wf.Name = wf.Definition.Name
	}
	if wf.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if wf.Status == "" {
		wf.Status = wf.Definition.Status
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusActive
	}
	def, err := canonicalDefinition(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		id, prevDef string
		version     int
		createdAt   time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, version, definition, created_at FROM workflows WHERE name = ?`, wf.Name,
	).Scan(&id, &version, &prevDef, &createdAt)

	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if wf.ID == "" {
			wf.ID = uuid.New().String()
		}
		if wf.Version < 1 {
			wf.Version = 1
		}
		wf.CreatedAt = timeOrNow(wf.CreatedAt)
		wf.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			wf.ID, wf.Name, wf.Version, string(wf.Status), string(def), wf.CreatedAt, wf.UpdatedAt,
		); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if !bytes.Equal([]byte(prevDef), def) {
			version++
		}
		wf.ID = id
		wf.Version = version
		wf.CreatedAt = createdAt
		wf.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET version = ?, status = ?, definition = ?, updated_at = ? WHERE id = ?`,
			wf.Version, string(wf.Status), string(def), wf.UpdatedAt, wf.ID,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	stampDefinition(wf)
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE name = ?`, name)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", name)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY name"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var status, defJSON string
	if err := r.Scan(&wf.ID, &wf.Name, &wf.Version, &status, &defJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	stampDefinition(wf)
	return wf, nil
}

// canonicalDefinition marshals the definition without the fields owned by
// the row, so version bumps track content changes only.
func canonicalDefinition(def schema.Workflow) ([]byte, error) {
	def.ID = ""
	def.Version = 0
	def.Status = ""
	def.CreatedAt = time.Time{}
	def.UpdatedAt = time.Time{}
	return json.Marshal(def)
}

func stampDefinition(wf *Workflow) {
	wf.Definition.ID = wf.ID
	wf.Definition.Name = wf.Name
	wf.Definition.Version = wf.Version
	wf.Definition.Status = wf.Status
	wf.Definition.CreatedAt = wf.CreatedAt
	wf.Definition.UpdatedAt = wf.UpdatedAt
}

// --- Executions ---

const executionColumns = `id, workflow_id, workflow_name, execution_id, status, event_type, input, result,
	error_message, error_code, retry_count, parent_execution_id, actions_executed, actions_skipped,
	created_at, started_at, completed_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, nullStr(exec.WorkflowID), exec.WorkflowName, exec.ExecutionID, string(exec.Status),
		nullStr(exec.EventType), nullRaw(exec.Input), nullRaw(exec.Result),
		nullStr(exec.ErrorMessage), nullStr(exec.ErrorCode), exec.RetryCount, nullStr(exec.ParentExecutionID),
		exec.ActionsExecuted, exec.ActionsSkipped,
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

// UpdateExecution applies a partial update. Terminal executions never reopen:
// updating one fails with INVALID_TRANSITION, except when the update repeats
// the stored terminal status, which is treated as an idempotent replay.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, nullRaw(update.Result))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, nullStr(*update.ErrorCode))
	}
	if update.ActionsExecuted != nil {
		sets = append(sets, "actions_executed = ?")
		args = append(args, *update.ActionsExecuted)
	}
	if update.ActionsSkipped != nil {
		sets = append(sets, "actions_skipped = ?")
		args = append(args, *update.ActionsSkipped)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE executions SET %s WHERE id = ? AND status NOT IN ('completed', 'failed', 'timeout', 'cancelled')",
		strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	if update.Status != nil && string(*update.Status) == current {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is already %s", id, current)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

// ListExecutions returns executions newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, retry_count DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(r rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		workflowID, eventType, errMsg, errCode, parentID sql.NullString
		input, result                                    sql.NullString
		startedAt, completedAt                           sql.NullTime
		status                                           string
	)
	if err := r.Scan(&e.ID, &workflowID, &e.WorkflowName, &e.ExecutionID, &status, &eventType, &input, &result,
		&errMsg, &errCode, &e.RetryCount, &parentID, &e.ActionsExecuted, &e.ActionsSkipped,
		&e.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	e.WorkflowID = workflowID.String
	e.Status = schema.ExecutionStatus(status)
	e.EventType = eventType.String
	e.Input = rawOrNil(input)
	e.Result = rawOrNil(result)
	e.ErrorMessage = errMsg.String
	e.ErrorCode = errCode.String
	e.ParentExecutionID = parentID.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		if offset > 0 {
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
		}
		return ""
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
