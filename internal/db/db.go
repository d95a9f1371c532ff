package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour behind a connection.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Driver string
	URL    string
}

// Open opens the store. SQLite paths get foreign keys, a busy timeout and
// IMMEDIATE transactions so concurrent writers queue instead of failing.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	switch Dialect(cfg.Driver) {
	case Postgres:
		conn, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, "", err
		}
		return conn, Postgres, nil
	case SQLite, "":
		path := strings.TrimPrefix(cfg.URL, "sqlite://")
		if path == "" {
			path = "intent-normaliser.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", err
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate", path)
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", err
		}
		return conn, SQLite, nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			sb.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Ping reports whether the store is reachable.
func Ping(ctx context.Context, conn *sql.DB) error {
	if conn == nil {
		return fmt.Errorf("database not configured")
	}
	return conn.PingContext(ctx)
}
