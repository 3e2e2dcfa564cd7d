// Package store persists credential records and workspace metadata in
// SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq). Queries are written
// once with "?" placeholders and rebound for PostgreSQL; timestamps are
// stored as unix nanoseconds so both engines compare them the same way.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Sentinel errors.
var (
	ErrNotFound               = errors.New("store: not found")
	ErrRemoteFolderAlreadySet = errors.New("store: workspace already has a different remote folder")
	ErrUnsupportedDriver      = errors.New("store: unsupported database driver")
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	driver string
	goose  goose.Dialect
}

var (
	sqliteDialect   = dialect{driver: DriverSQLite, goose: goose.DialectSQLite3}
	postgresDialect = dialect{driver: DriverPostgres, goose: goose.DialectPostgres}
)

// rebind rewrites "?" placeholders to "$1", "$2", ... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0

	for i := range len(query) {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteByte(query[i])
	}

	return b.String()
}

// Store is the metadata store. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open connects to the database, applies pending migrations and returns a
// ready-to-use Store. For SQLite, dsn is a file path; the database runs in
// WAL mode with foreign keys enforced.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		d      dialect
		source string
	)

	switch driver {
	case DriverSQLite:
		d = sqliteDialect
		// DSN parameters ensure pragmas apply to every connection from the pool.
		source = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
				"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
			dsn,
		)
	case DriverPostgres:
		d = postgresDialect
		source = dsn
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(d.driver, source)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One writer at a time; busy_timeout covers the rest.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting to %s database: %w", driver, err)
	}

	if err := runMigrations(ctx, db, d, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("metadata store opened", slog.String("driver", driver))

	return &Store{
		db:      db,
		dialect: d,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) now() int64 {
	return s.nowFunc().UnixNano()
}

// nullString maps "" to NULL.
func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// nullTime maps the zero time to NULL and anything else to unix nanos.
func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return fromNanos(n.Int64)
}

// affectedOne returns ErrNotFound when res touched no rows.
func affectedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: reading rows affected: %w", what, err)
	}

	if n == 0 {
		return fmt.Errorf("store: %s: %w", what, ErrNotFound)
	}

	return nil
}
