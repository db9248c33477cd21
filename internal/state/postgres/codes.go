// Package postgres stores known identifiers in Postgres so several harvester
// instances can share one view of what has been downloaded.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for known codes.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// CodeStore implements harvest.CodeStore on a Postgres table.
type CodeStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*CodeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*CodeStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "known_codes"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CodeStore{pool: p, table: table, now: time.Now}, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *CodeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	identifier TEXT PRIMARY KEY,
	first_seen TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Persist inserts ids, ignoring those already known.
func (s *CodeStore) Persist(ctx context.Context, ids []harvest.Identifier) error {
	if len(ids) == 0 {
		return nil
	}
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = id.String()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (identifier, first_seen)
SELECT unnest($1::text[]), $2
ON CONFLICT (identifier) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, values, s.now().UTC()); err != nil {
		return fmt.Errorf("insert known codes: %w", err)
	}
	return nil
}

// Load returns every known identifier, oldest first.
func (s *CodeStore) Load(ctx context.Context) ([]harvest.Identifier, error) {
	query := fmt.Sprintf(`SELECT identifier FROM %s ORDER BY first_seen, identifier`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query known codes: %w", err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan known codes: %w", err)
	}
	out := make([]harvest.Identifier, len(values))
	for i, v := range values {
		out[i] = harvest.Identifier(v)
	}
	return out, nil
}

// Close releases the underlying pool resources.
func (s *CodeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
