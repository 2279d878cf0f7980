package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour details that database/sql does not hide.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a *sql.DB tagged with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// ParseDSN maps a DATABASE_URL onto a driver name and driver DSN.
//
//	postgres://… postgresql://…   PostgreSQL, passed through
//	sqlite:///relative.db          SQLite, path relative to the working dir
//	sqlite:////abs/path.db         SQLite, absolute path
//	sqlite:// or :memory:          SQLite, in memory
//	file:…                         SQLite URI, passed through
//	anything else                  SQLite file path
func ParseDSN(raw string) (Dialect, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.New("database url is empty")
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return Postgres, raw, nil
	case strings.HasPrefix(lower, "sqlite://"):
		path := raw[len("sqlite://"):]
		switch {
		case path == "", path == "/", path == "/:memory:":
			return SQLite, ":memory:", nil
		case strings.HasPrefix(path, "/"):
			// sqlite:///rel.db -> rel.db, sqlite:////abs.db -> /abs.db
			return SQLite, path[1:], nil
		default:
			return "", "", fmt.Errorf("sqlite url %q must use three slashes", raw)
		}
	case strings.Contains(lower, "://"):
		return "", "", fmt.Errorf("unsupported database url scheme in %q", raw)
	default:
		return SQLite, raw, nil
	}
}

// Open connects to the database named by rawURL and verifies it answers.
func Open(ctx context.Context, rawURL string, opts ...Option) (*DB, error) {
	cfg := &Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dialect, dsn, err := ParseDSN(rawURL)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case Postgres:
		if db, err = sql.Open("postgres", dsn); err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	case SQLite:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		if db, err = sql.Open("sqlite", sqliteDSN(dsn, cfg.BusyTimeout)); err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		// one connection: writers serialise here and :memory: stays one database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", dialect, err)
	}

	return &DB{DB: db, dialect: dialect}, nil
}

// Dialect reports which SQL flavour the connection speaks.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Rebind rewrites ? placeholders into $n for PostgreSQL.
func (d *DB) Rebind(query string) string {
	return Rebind(d.dialect, query)
}

// Health performs health check.
func (d *DB) Health(ctx context.Context) error {
	return d.PingContext(ctx)
}

// Rebind rewrites ? placeholders for dialect. Queries must not contain a
// literal question mark.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
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

func sqliteDSN(path string, busy time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_time_format=sqlite",
		path, sep, busy.Milliseconds())
}

func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}
