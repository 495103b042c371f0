package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink copies data rows into a table with one text column per
// header label, plus an exported_at timestamp filled by the database.
type PostgresSink struct {
	db    copier
	close func()
	table pgx.Identifier
}

// OpenPostgresSink connects and creates the table when it does not exist.
func OpenPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresSink{db: pool, close: pool.Close, table: pgx.Identifier{table}}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func columns(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = ColumnName(h)
	}
	return out
}

// CreateTableSQL is the DDL the sink runs on open.
func CreateTableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", pgx.Identifier{table}.Sanitize())
	for _, c := range columns(Header) {
		fmt.Fprintf(&b, "\t%s text,\n", pgx.Identifier{c}.Sanitize())
	}
	b.WriteString("\texported_at timestamptz NOT NULL DEFAULT now()\n)")
	return b.String()
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, CreateTableSQL(s.table[0])); err != nil {
		return fmt.Errorf("create table %s: %w", s.table.Sanitize(), err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, rows [][]string) error {
	header, data := split(rows)
	if len(data) == 0 {
		return nil
	}
	values := make([][]any, len(data))
	for i, r := range data {
		vals := make([]any, len(header))
		for j := range header {
			if j < len(r) {
				vals[j] = r[j]
			}
		}
		values[i] = vals
	}
	n, err := s.db.CopyFrom(ctx, s.table, columns(header), pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", s.table.Sanitize(), err)
	}
	if int(n) != len(values) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", s.table.Sanitize(), n, len(values))
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
