package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// SQL stores values in a table of any database/sql driver. The table has
// the schema created by CreateTable:
//
//	pulse_state(id PRIMARY KEY, data BLOB, updated_at TIMESTAMP)
type SQL struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
	closed    atomic.Bool
}

// SQLDialect selects placeholder and upsert syntax.
type SQLDialect int

const (
	// DialectPostgreSQL uses $n placeholders and ON CONFLICT.
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses ? placeholders and ON DUPLICATE KEY.
	DialectMySQL
	// DialectSQLite uses ? placeholders and ON CONFLICT.
	DialectSQLite
)

// ParseDialect maps "postgres", "mysql" or "sqlite" (and common aliases) to
// a dialect.
func ParseDialect(name string) (SQLDialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgreSQL, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("storage: unknown sql dialect %q", name)
	}
}

// SQLOption configures SQL.
type SQLOption func(*sqlConfig)

type sqlConfig struct {
	tableName string
	dialect   SQLDialect
}

// WithTableName sets the table name. Default: "pulse_state".
func WithTableName(name string) SQLOption {
	return func(c *sqlConfig) {
		c.tableName = name
	}
}

// WithDialect sets the SQL dialect. Default: DialectPostgreSQL.
func WithDialect(d SQLDialect) SQLOption {
	return func(c *sqlConfig) {
		c.dialect = d
	}
}

// NewSQL creates a backend on db. The caller owns db.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	cfg := &sqlConfig{
		tableName: "pulse_state",
		dialect:   DialectPostgreSQL,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &SQL{
		db:        db,
		tableName: cfg.tableName,
		dialect:   cfg.dialect,
	}
}

func (s *SQL) placeholder(n int) string {
	if s.dialect == DialectPostgreSQL {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get implements pulse.Storage.
func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = %s`, s.tableName, s.placeholder(1))
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set implements pulse.Storage.
func (s *SQL) Set(ctx context.Context, key string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if data == nil {
		data = []byte{}
	}

	query := fmt.Sprintf(dialectStatements[s.dialect].upsert, s.tableName)
	_, err := s.db.ExecContext(ctx, query, key, data)
	return err
}

// Remove implements pulse.Storage.
func (s *SQL) Remove(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, s.tableName, s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

// Keys implements Lister.
func (s *SQL) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE id LIKE %s ORDER BY id`, s.tableName, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		// LIKE escaping differs per driver; filter exactly here
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

// likePrefix widens % in the prefix to a single-character wildcard; Keys
// filters the exact prefix afterwards.
func likePrefix(prefix string) string {
	return strings.ReplaceAll(prefix, "%", "_") + "%"
}

// Close marks the backend closed. The database handle is left open, since
// it may be shared.
func (s *SQL) Close() error {
	s.closed.Store(true)
	return nil
}

// CreateTable creates the table if it does not exist.
func (s *SQL) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(dialectStatements[s.dialect].create, s.tableName))
	return err
}

// sqlStatements are per-dialect templates; %s is the table name.
type sqlStatements struct {
	upsert string
	create string
}

var dialectStatements = map[SQLDialect]sqlStatements{
	DialectPostgreSQL: {
		upsert: `INSERT INTO %s (id, data, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		create: `CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(512) PRIMARY KEY,
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW())`,
	},
	DialectMySQL: {
		upsert: `INSERT INTO %s (id, data, updated_at) VALUES (?, ?, NOW())
			ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = NOW()`,
		create: `CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(512) PRIMARY KEY,
			data LONGBLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP)`,
	},
	DialectSQLite: {
		upsert: `INSERT INTO %s (id, data, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		create: `CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at TEXT DEFAULT (datetime('now')))`,
	},
}
