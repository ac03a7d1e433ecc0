// Package history persists branchable conversation state: a tree of
// contexts, each owning an ordered list of messages. Exactly one sibling
// context subtree is active per fork point, which is how alternative
// conversation branches coexist in one store.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Sentinel errors for the history package.
var (
	ErrPersistence   = errors.New("persistence failure")
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("name already exists")
)

// Store is the statement-level persistence contract consumed by the
// history adapter. Implementations own connection handling; callers own
// the SQL.
type Store interface {
	// Execute runs a statement that returns no rows.
	Execute(ctx context.Context, stmt string, args ...any) error
	// ReadScalar returns the first column of the first row, or ErrNotFound.
	ReadScalar(ctx context.Context, stmt string, args ...any) (any, error)
	// ReadRows returns all rows as generic value slices.
	ReadRows(ctx context.Context, stmt string, args ...any) ([][]any, error)
	// Close releases the underlying resources.
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id     INTEGER REFERENCES contexts(id),
	branch_msg_id INTEGER,
	active        INTEGER NOT NULL DEFAULT 1,
	kind          TEXT    NOT NULL DEFAULT 'CHAT',
	name          TEXT    NOT NULL DEFAULT '',
	config        TEXT    NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS contexts_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	context_id INTEGER NOT NULL REFERENCES contexts(id),
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	member_id  TEXT    NOT NULL DEFAULT '1',
	log        TEXT    NOT NULL DEFAULT '{}',
	alt_turn   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT    NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_messages_context ON contexts_messages(context_id);
CREATE INDEX IF NOT EXISTS idx_contexts_parent  ON contexts(parent_id);

CREATE TABLE IF NOT EXISTS entities (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid   TEXT NOT NULL,
	name   TEXT NOT NULL UNIQUE,
	kind   TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}'
);
`

// SQLiteStore implements Store over a SQLite database file
// (modernc.org/sqlite, pure Go).
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Compile-time interface compliance check.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite store at path and
// bootstraps the schema. Use ":memory:" for an in-memory store.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// The modernc driver does not support concurrent writers on one
	// connection pool the way server databases do; a conversation is a
	// single-writer resource anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "history_store")),
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap history schema: %w", err)
	}
	s.logger.Info("history store opened", zap.String("path", path))
	return s, nil
}

// NewStoreFromDB wraps an existing database handle. The schema is assumed
// to be present; used by tests that inject mock connections.
func NewStoreFromDB(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "history_store")),
	}
}

// Execute runs a statement that returns no rows.
func (s *SQLiteStore) Execute(ctx context.Context, stmt string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// ReadScalar returns the first column of the first row.
func (s *SQLiteStore) ReadScalar(ctx context.Context, stmt string, args ...any) (any, error) {
	var v any
	err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return v, nil
}

// ReadRows returns every row of the result set as []any slices.
func (s *SQLiteStore) ReadRows(ctx context.Context, stmt string, args ...any) ([][]any, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// asInt64 coerces a scalar read from the store into an int64. SQLite
// reports integer columns as int64 but NULL as nil.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// asString coerces a scalar read from the store into a string.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
