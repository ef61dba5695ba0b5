// Package store persists issues, their daily occurrence histograms and the
// evaluation results that point at them. It runs on SQLite for local use and
// on Postgres in production through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the relational half of issue persistence.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// Open connects to the database named by driver and dsn.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if d.name == DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY
		// between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	return New(db, driver, logger)
}

// New wraps an existing connection pool.
func New(db *sql.DB, driver string, logger *slog.Logger) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: d, logger: logger}, nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("schema migrated", "driver", s.dialect.name)
	return nil
}

type dialect struct {
	name      string
	sqlDriver string
	// primaryKey is the column definition of an auto-incrementing id.
	primaryKey string
	timestamp  string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{
			name:       DriverSQLite,
			sqlDriver:  "sqlite",
			primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
			timestamp:  "TIMESTAMP",
		}, nil
	case DriverPostgres:
		return dialect{
			name:       DriverPostgres,
			sqlDriver:  "pgx",
			primaryKey: "BIGSERIAL PRIMARY KEY",
			timestamp:  "TIMESTAMPTZ",
		}, nil
	default:
		return dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// rebind rewrites ? placeholders to $n for Postgres. Queries in this package
// never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if d.name != DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func (d dialect) schema() []string {
	pk, ts := d.primaryKey, d.timestamp
	return []string{
		`CREATE TABLE IF NOT EXISTS issues (
			id ` + pk + `,
			uuid TEXT NOT NULL UNIQUE,
			workspace_id BIGINT NOT NULL,
			project_id BIGINT NOT NULL,
			document_uuid TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			centroid TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			resolved_at ` + ts + `,
			ignored_at ` + ts + `,
			merged_at ` + ts + `,
			merged_to_issue_id BIGINT,
			escalating_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS issues_document_idx
			ON issues (workspace_id, project_id, document_uuid)`,
		`CREATE TABLE IF NOT EXISTS issue_histograms (
			id ` + pk + `,
			workspace_id BIGINT NOT NULL,
			project_id BIGINT NOT NULL,
			document_uuid TEXT NOT NULL,
			issue_id BIGINT NOT NULL,
			commit_id BIGINT NOT NULL,
			date TEXT NOT NULL,
			count INTEGER NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			UNIQUE (issue_id, commit_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS issue_histograms_issue_date_idx
			ON issue_histograms (issue_id, date)`,
		`CREATE TABLE IF NOT EXISTS evaluation_results (
			id ` + pk + `,
			uuid TEXT NOT NULL UNIQUE,
			workspace_id BIGINT NOT NULL,
			project_id BIGINT NOT NULL,
			document_uuid TEXT NOT NULL,
			commit_id BIGINT NOT NULL,
			evaluation_uuid TEXT NOT NULL,
			reason TEXT NOT NULL,
			issue_id BIGINT,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS evaluation_results_issue_idx
			ON evaluation_results (issue_id)`,
	}
}
