// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlstore implements store.Store on database/sql for PostgreSQL
// (pgx driver) and SQLite (modernc driver).
//
// Queries are written once with ? placeholders and rebound per dialect.
// SQLite timestamps are stored as fixed-width UTC text so that string
// comparison matches time ordering.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tombee/relay/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.IntegrationStore  = (*Store)(nil)
	_ store.RunStore          = (*Store)(nil)
	_ store.ArtifactStore     = (*Store)(nil)
	_ store.SecretStore       = (*Store)(nil)
	_ store.NotificationStore = (*Store)(nil)
	_ store.Store             = (*Store)(nil)
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// Config contains connection configuration.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`

	// DSN is a Postgres connection string or a SQLite file path.
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the Postgres pool. SQLite always uses one connection.
	MaxOpenConns int `yaml:"max_open_conns"`

	// WAL enables write-ahead logging on SQLite.
	WAL bool `yaml:"wal"`

	// AutoMigrate applies pending migrations on Open.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// Store is a SQL storage backend.
type Store struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open connects to the database, configures the connection and optionally
// applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var driverName string
	switch cfg.Driver {
	case DriverPostgres:
		driverName = "pgx"
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn, cfg.WAL)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverPostgres && cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, cfg.Driver); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.Driver == DriverSQLite {
		// SQLite serializes writes, so one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	return &Store{db: db, dialect: cfg.Driver, now: time.Now}, nil
}

// sqliteDSN appends per-connection pragmas understood by modernc.org/sqlite.
func sqliteDSN(path string, wal bool) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
	}
	if wal {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured driver name.
func (s *Store) Dialect() string {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
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

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// timeArg renders t for the dialect.
func (s *Store) timeArg(t time.Time) any {
	t = t.UTC().Truncate(time.Microsecond)
	if s.dialect == DriverSQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func (s *Store) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.timeArg(*t)
}

func (s *Store) stamp() any {
	return s.timeArg(s.now())
}

// nullTime scans timestamps stored either natively or as text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
}

func (n *nullTime) parse(v string) error {
	if v == "" {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	n.Time, n.Valid = t.UTC(), true
	return nil
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
