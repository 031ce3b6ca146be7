// Package dbopen opens the SQLite files behind textmill: the job database
// (documents and queue) and the optional observability database.
//
// Every pooled connection gets WAL journaling, foreign keys and a 10 s busy
// timeout, so the API and worker processes can share one file. Pragmas travel
// in the DSN as _pragma parameters, which the modernc driver applies on each
// new connection. Callers blank-import modernc.org/sqlite or register their
// own driver name.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type pragma struct{ name, value string }

type config struct {
	driver   string
	pragmas  []pragma
	schemas  []string
	mkdir    bool
	maxConns int
	ping     bool
}

// Option adjusts how Open prepares the database.
type Option func(*config)

// WithDriver opens through another registered database/sql driver, such as
// the tracing wrapper.
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithPragma sets a pragma, replacing the default value if there is one.
func WithPragma(name, value string) Option {
	return func(c *config) {
		for i := range c.pragmas {
			if c.pragmas[i].name == name {
				c.pragmas[i].value = value
				return
			}
		}
		c.pragmas = append(c.pragmas, pragma{name, value})
	}
}

// WithBusyTimeout sets busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return WithPragma("busy_timeout", fmt.Sprint(ms)) }

// WithMkdirAll creates the parent directory of the file.
func WithMkdirAll() Option { return func(c *config) { c.mkdir = true } }

// WithMaxOpenConns caps the pool; zero leaves database/sql's default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxConns = n } }

// WithSchema runs DDL once the pragmas are in place.
func WithSchema(ddl string) Option { return func(c *config) { c.schemas = append(c.schemas, ddl) } }

// WithoutPing returns without checking the connection.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// Open opens the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{
		driver: "sqlite",
		pragmas: []pragma{
			{"foreign_keys", "ON"},
			{"journal_mode", "WAL"},
			{"busy_timeout", "10000"},
			{"synchronous", "NORMAL"},
		},
		ping: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.mkdir && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create directory for %s: %w", path, err)
		}
	}
	db, err := sql.Open(cfg.driver, dsn(path, cfg.pragmas))
	if err != nil {
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	if cfg.maxConns > 0 {
		db.SetMaxOpenConns(cfg.maxConns)
	}
	if err := prepare(db, path, &cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string, pragmas []pragma) string {
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "_pragma=%s(%s)", p.name, p.value)
	}
	return b.String()
}

func prepare(db *sql.DB, path string, cfg *config) error {
	for i, ddl := range cfg.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: schema %d: %w", i, err)
		}
	}
	if cfg.ping {
		if err := db.Ping(); err != nil {
			return fmt.Errorf("dbopen: ping %s: %w", path, err)
		}
	}
	return nil
}

// OpenMemory returns an in-memory database closed at test cleanup. Every
// connection to ":memory:" sees its own database, so the pool holds one.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
