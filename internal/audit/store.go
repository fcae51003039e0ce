// Package audit keeps a persistent log of executed commands in PostgreSQL
// or SQLite.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultLimit is used by Recent when limit is not positive.
const DefaultLimit = 50

// MaxLimit caps a single Recent query.
const MaxLimit = 500

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a command audit log.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies the bundled migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer keeps SQLite free of "database is locked" errors.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs the embedded migration files in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Debug("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Record stores one command result. Re-recording an ID is a no-op.
func (s *Store) Record(ctx context.Context, res protocol.CommandResult) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("record_command", time.Since(start))
	}()

	recordedAt := time.Now()
	if ts, err := time.Parse(time.RFC3339Nano, res.Timestamp); err == nil {
		recordedAt = ts
	}

	var errText sql.NullString
	if res.Error != nil {
		errText = sql.NullString{String: *res.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO command_history (id, command, stdout, stderr, error, exit_code, duration_ms, executed_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		res.ID, res.Command, res.Stdout, res.Stderr, errText,
		res.ExitCode, res.DurationMs, res.Timestamp, recordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert command %s: %w", res.ID, err)
	}
	return nil
}

// Recent returns up to limit results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]protocol.CommandResult, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("recent_commands", time.Since(start))
	}()

	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, command, stdout, stderr, error, exit_code, duration_ms, executed_at
		 FROM command_history ORDER BY recorded_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	results := make([]protocol.CommandResult, 0, limit)
	for rows.Next() {
		var (
			res     protocol.CommandResult
			errText sql.NullString
		)
		if err := rows.Scan(&res.ID, &res.Command, &res.Stdout, &res.Stderr, &errText,
			&res.ExitCode, &res.DurationMs, &res.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if errText.Valid {
			msg := errText.String
			res.Error = &msg
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return results, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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
