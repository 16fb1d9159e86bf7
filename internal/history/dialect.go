package history

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect abstracts the differences between the SQL backends the store runs on.
type Dialect interface {
	// Name returns the dialect name ("postgres", "sqlite").
	Name() string

	// Rebind rewrites '?' placeholders into the backend's syntax.
	Rebind(query string) string

	// ForUpdate returns the row-locking clause for SELECT, or "" when the
	// backend serializes writers by other means.
	ForUpdate() string

	// TxOptions returns the options for close+insert transactions.
	TxOptions() *sql.TxOptions

	// Retryable reports whether err is a transient conflict after which the
	// whole transaction may be replayed.
	Retryable(err error) bool

	// UniqueViolation reports whether err is a unique or primary key violation.
	UniqueViolation(err error) bool
}

// PostgresDialect targets PostgreSQL through pgx.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (PostgresDialect) ForUpdate() string { return "for update" }

func (PostgresDialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func (PostgresDialect) Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}

func (PostgresDialect) UniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SQLiteDialect targets the pure Go modernc.org/sqlite driver.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) ForUpdate() string { return "" }

// SQLite transactions are serializable; the store also limits the pool to a
// single writer connection.
func (SQLiteDialect) TxOptions() *sql.TxOptions { return nil }

func (SQLiteDialect) Retryable(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (SQLiteDialect) UniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// extended codes disabled on this connection
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return PostgresDialect{}, nil
	case "sqlite", "sqlite3":
		return SQLiteDialect{}, nil
	}
	return nil, errors.New("history: unsupported dialect " + name)
}
