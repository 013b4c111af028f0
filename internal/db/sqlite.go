package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math/big"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside runtime images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

// Store wraps the embedded SQLite database. SQLite serializes writers
// internally; the connection pool is capped at one writer connection
// and readers share WAL snapshots.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database file and applies the
// steady-state pragmas: WAL journaling, NORMAL fsync, foreign keys on.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn; WAL still allows
	// concurrent readers on their own connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	s.log.Info().Str("path", path).Msg("database opened")
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InitSchema executes the embedded DDL. All statements are idempotent.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema migrations: %w", err)
	}
	s.log.Info().Msg("schema initialized")
	return nil
}

// BeginBulkImport relaxes durability for a large ingest run: in-memory
// journal, no fsync. Must be paired with EndBulkImport before serving
// traffic again.
func (s *Store) BeginBulkImport(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bulk import pragma %q: %w", stmt, err)
		}
	}
	s.log.Warn().Msg("bulk import mode: durability relaxed")
	return nil
}

// EndBulkImport restores durable settings, then refreshes the planner
// statistics and reclaims free pages.
func (s *Store) EndBulkImport(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"ANALYZE",
		"VACUUM",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("restore pragma %q: %w", stmt, err)
		}
	}
	s.log.Info().Msg("bulk import mode ended, durable settings restored")
	return nil
}

// Ping reports store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── decimal-string helpers ─────────────────────────────────────────
//
// Amounts are non-negative decimal strings without leading zeros, so
// numeric order equals (length, lexicographic) order. The SQL
// fragments below rely on that; the Go side uses math/big.

// numericGE is the SQL predicate "col >= :v" for decimal-string
// columns. Bind the comparison value three times.
const numericGE = "(length(%[1]s) > length(?) OR (length(%[1]s) = length(?) AND %[1]s >= ?))"

// numericOrderDesc sorts a decimal-string column numerically descending.
const numericOrderDesc = "length(%[1]s) DESC, %[1]s DESC"

func bigFrom(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func bigAdd(a, b string) string {
	return new(big.Int).Add(bigFrom(a), bigFrom(b)).String()
}

func bigDivInt(a string, n int64) string {
	if n == 0 {
		return "0"
	}
	return new(big.Int).Div(bigFrom(a), big.NewInt(n)).String()
}

// RowHook is invoked once per streamed row; a non-nil return aborts
// the scan. The recursive-query guard supplies these.
type RowHook func() error

func noopRow() error { return nil }
