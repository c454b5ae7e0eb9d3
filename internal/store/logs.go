package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/pkg/schema"
)

// AppendLog appends an entry with a monotonically increasing per-execution
// sequence. Entries are never updated afterwards.
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *ExecutionLog) error {
	if entry.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution log requires an execution id")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Level == "" {
		entry.Level = schema.LogLevelInfo
	}
	entry.CreatedAt = timeOrNow(entry.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append log: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_logs (id, execution_id, sequence, level, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, seq, string(entry.Level), entry.Message, nullRaw(entry.Metadata), entry.CreatedAt,
	); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return storeNotFound("execution", entry.ExecutionID)
		}
		return fmt.Errorf("insert execution log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution log: %w", err)
	}
	entry.Sequence = seq
	return nil
}

// ListLogs returns the entries of one execution in sequence order.
func (s *LibSQLStore) ListLogs(ctx context.Context, executionID string, filter LogFilter) ([]*ExecutionLog, error) {
	query := `SELECT id, execution_id, sequence, level, message, metadata, created_at
		FROM execution_logs WHERE execution_id = ? AND sequence > ?`
	args := []any{executionID, filter.Since}
	if filter.Level != nil {
		query += " AND level = ?"
		args = append(args, string(*filter.Level))
	}
	query += " ORDER BY sequence ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		var level string
		var metadata sql.NullString
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &level, &l.Message, &metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Level = schema.LogLevel(level)
		l.Metadata = rawOrNil(metadata)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PruneLogs deletes entries created before the cutoff and reports how many
// were removed.
func (s *LibSQLStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
