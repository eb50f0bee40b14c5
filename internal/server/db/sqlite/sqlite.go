// Package sqlite implements the journal store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ccheshirecat/hostagent/internal/server/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private journal that lives only as long as the Store.
const MemoryPath = ":memory:"

const busyTimeout = 5 * time.Second

// Store is the journal database. It holds a single connection: SQLite has
// one writer and an in-memory journal exists only on its own connection.
type Store struct {
	db     *sql.DB
	memory bool
}

var _ db.Store = (*Store)(nil)

// Open connects to the journal at path and brings its schema up to date.
// The directory holding path must already exist.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("sqlite: journal path required")
	}
	conn, err := sql.Open("sqlite3", dataSource(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{db: conn, memory: dbPath == MemoryPath}, nil
}

func dataSource(dbPath string) string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	if dbPath == MemoryPath {
		return "file::memory:?" + params.Encode()
	}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	return "file:" + dbPath + "?" + params.Encode()
}

// Close folds the write-ahead log back into the database file and closes
// the connection. A checkpoint failure does not keep the connection open.
func (s *Store) Close(ctx context.Context) error {
	var checkpointErr error
	if !s.memory {
		if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
			checkpointErr = fmt.Errorf("checkpoint journal: %w", err)
		}
	}
	return errors.Join(checkpointErr, s.db.Close())
}

// Queries returns repository accessors bound to the root connection.
func (s *Store) Queries() db.Queries {
	return &queries{exec: s.db}
}

// WithTx runs fn in a transaction. Anything fn returns rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(db.Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("rollback tx after error %v: %w", err, rbErr)
		}
	}()

	if err = fn(&queries{exec: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Prune deletes command outcomes that finished and state changes recorded
// before cutoff. Both tables are trimmed in one transaction.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (db.PruneResult, error) {
	var res db.PruneResult
	err := s.WithTx(ctx, func(q db.Queries) error {
		var err error
		if res.Commands, err = q.Commands().PruneBefore(ctx, cutoff); err != nil {
			return err
		}
		res.StateChanges, err = q.StateChanges().PruneBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return db.PruneResult{}, err
	}
	return res, nil
}

// SchemaVersion reports the highest migration applied to the journal.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Schema versions live in SQLite's user_version header field, so each
// migration and its version bump commit together.
type migration struct {
	version int
	file    string
}

func migrate(ctx context.Context, conn *sql.DB) error {
	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	pending, err := migrationsAfter(current)
	if err != nil {
		return err
	}
	for _, m := range pending {
		body, err := fs.ReadFile(migrationsFS, m.file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", m.file, err)
		}
		if err := applyMigration(ctx, conn, m.version, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.file, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func applyMigration(ctx context.Context, conn *sql.DB, version int, body string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return err
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, version)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// migrationsAfter lists embedded migrations newer than version, oldest
// first. Files are named NNNN_description.sql.
func migrationsAfter(version int) ([]migration, error) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var out []migration
	for _, file := range files {
		prefix, _, ok := strings.Cut(path.Base(file), "_")
		if !ok {
			return nil, fmt.Errorf("invalid migration filename: %s", file)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid migration version in %s", file)
		}
		if v > version {
			out = append(out, migration{version: v, file: file})
		}
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].version)
		}
	}
	return out, nil
}
