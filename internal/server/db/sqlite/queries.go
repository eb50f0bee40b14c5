package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/db"
)

const defaultListLimit = 100

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Commands() db.CommandRepository {
	return &commandRepository{exec: q.exec}
}

func (q *queries) StateChanges() db.StateChangeRepository {
	return &stateChangeRepository{exec: q.exec}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type commandRepository struct {
	exec executor
}

var _ db.CommandRepository = (*commandRepository)(nil)

func (r *commandRepository) Append(ctx context.Context, rec *db.CommandRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("append command: record required")
	}
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO command_journal (kind, vm_name, success, message, started_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?);`,
		string(rec.Kind),
		rec.VMName,
		boolToInt(rec.Success),
		rec.Message,
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("command last insert id: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (r *commandRepository) Recent(ctx context.Context, limit int) ([]db.CommandRecord, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, kind, vm_name, success, message, started_at, finished_at
        FROM command_journal ORDER BY id DESC LIMIT ?;`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	return collectCommands(rows)
}

func (r *commandRepository) ForVM(ctx context.Context, name string, limit int) ([]db.CommandRecord, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, kind, vm_name, success, message, started_at, finished_at
        FROM command_journal WHERE vm_name = ? ORDER BY id DESC LIMIT ?;`, name, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query commands for %s: %w", name, err)
	}
	return collectCommands(rows)
}

func (r *commandRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.exec.ExecContext(ctx, `DELETE FROM command_journal WHERE finished_at < ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	return res.RowsAffected()
}

func collectCommands(rows *sql.Rows) ([]db.CommandRecord, error) {
	defer rows.Close()
	var out []db.CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}

func scanCommand(row rowScanner) (db.CommandRecord, error) {
	var (
		rec      db.CommandRecord
		kind     string
		success  int
		started  string
		finished string
	)
	if err := row.Scan(&rec.ID, &kind, &rec.VMName, &success, &rec.Message, &started, &finished); err != nil {
		return db.CommandRecord{}, fmt.Errorf("scan command: %w", err)
	}
	rec.Kind = db.CommandKind(kind)
	rec.Success = success != 0
	rec.StartedAt, _ = parseTime(started)
	rec.FinishedAt, _ = parseTime(finished)
	return rec, nil
}

type stateChangeRepository struct {
	exec executor
}

var _ db.StateChangeRepository = (*stateChangeRepository)(nil)

func (r *stateChangeRepository) Append(ctx context.Context, change *db.StateChange) (int64, error) {
	if change == nil {
		return 0, fmt.Errorf("append state change: record required")
	}
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO state_changes (vm_name, state, source, recorded_at) VALUES (?, ?, ?, ?);`,
		change.VMName,
		change.State,
		string(change.Source),
		formatTime(change.RecordedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert state change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("state change last insert id: %w", err)
	}
	change.ID = id
	return id, nil
}

func (r *stateChangeRepository) Recent(ctx context.Context, limit int) ([]db.StateChange, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, vm_name, state, source, recorded_at
        FROM state_changes ORDER BY id DESC LIMIT ?;`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query state changes: %w", err)
	}
	return collectStateChanges(rows)
}

func (r *stateChangeRepository) ForVM(ctx context.Context, name string, limit int) ([]db.StateChange, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, vm_name, state, source, recorded_at
        FROM state_changes WHERE vm_name = ? ORDER BY id DESC LIMIT ?;`, name, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query state changes for %s: %w", name, err)
	}
	return collectStateChanges(rows)
}

func (r *stateChangeRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.exec.ExecContext(ctx, `DELETE FROM state_changes WHERE recorded_at < ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune state changes: %w", err)
	}
	return res.RowsAffected()
}

func collectStateChanges(rows *sql.Rows) ([]db.StateChange, error) {
	defer rows.Close()
	var out []db.StateChange
	for rows.Next() {
		var (
			change   db.StateChange
			source   string
			recorded string
		)
		if err := rows.Scan(&change.ID, &change.VMName, &change.State, &source, &recorded); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		change.Source = db.ChangeSource(source)
		change.RecordedAt, _ = parseTime(recorded)
		out = append(out, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state changes: %w", err)
	}
	return out, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// formatTime stores timestamps as fixed-width UTC text so that string
// comparison in SQL matches chronological order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
