package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHistory persists executions in SQLite. Steps, context, warnings and
// error are stored as JSON columns.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a SQLite-backed store and ensures the schema.
func NewSQLiteHistory(db *sql.DB) (*SQLiteHistory, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureHistorySchema(db); err != nil {
		return nil, err
	}
	return &SQLiteHistory{db: db}, nil
}

// Save inserts or replaces an execution.
func (s *SQLiteHistory) Save(ctx context.Context, exec *Execution) error {
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return err
	}
	execCtx, err := json.Marshal(exec.Context)
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(exec.Warnings)
	if err != nil {
		return err
	}
	var errJSON []byte
	if exec.Error != nil {
		if errJSON, err = json.Marshal(exec.Error); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflow_executions (
			id, workflow, input, status, result, steps_json, context_json, warnings_json, error_json, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.Workflow,
		exec.Input,
		string(exec.Status),
		exec.Result,
		string(steps),
		string(execCtx),
		string(warnings),
		string(errJSON),
		exec.StartedAt.UTC(),
		nullTime(exec.EndedAt),
	)
	return err
}

// Get returns the execution with id.
func (s *SQLiteHistory) Get(ctx context.Context, id string) (*Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecutions+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	execs, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, errNoExecution(id)
	}
	return execs[0], nil
}

// List returns executions matching the filter, newest first.
func (s *SQLiteHistory) List(ctx context.Context, filter HistoryFilter) ([]*Execution, error) {
	query := selectExecutions
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Workflow != "" {
		addFilter("workflow = ?", filter.Workflow)
	}
	if filter.Status != "" {
		addFilter("status = ?", string(filter.Status))
	}
	query += where + " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

const selectExecutions = `
	SELECT id, workflow, input, status, result, steps_json, context_json, warnings_json, error_json, started_at, ended_at
	FROM workflow_executions`

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		var (
			e                                   Execution
			status                              string
			stepsJSON, ctxJSON, warnJSON, errJS string
			started                             sql.NullTime
			ended                               sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.Workflow,
			&e.Input,
			&status,
			&e.Result,
			&stepsJSON,
			&ctxJSON,
			&warnJSON,
			&errJS,
			&started,
			&ended,
		); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		if err := decodeColumn(stepsJSON, &e.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for %s: %w", e.ID, err)
		}
		if err := decodeColumn(ctxJSON, &e.Context); err != nil {
			return nil, fmt.Errorf("decode context for %s: %w", e.ID, err)
		}
		if err := decodeColumn(warnJSON, &e.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings for %s: %w", e.ID, err)
		}
		if errJS != "" {
			e.Error = &ErrorDetail{}
			if err := decodeColumn(errJS, e.Error); err != nil {
				return nil, fmt.Errorf("decode error for %s: %w", e.ID, err)
			}
		}
		if started.Valid {
			e.StartedAt = started.Time
		}
		if ended.Valid {
			e.EndedAt = ended.Time
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeColumn(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func ensureHistorySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			input TEXT,
			status TEXT NOT NULL,
			result TEXT,
			steps_json TEXT,
			context_json TEXT,
			warnings_json TEXT,
			error_json TEXT,
			started_at TIMESTAMP,
			ended_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions(workflow);
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status);
	`)
	return err
}
