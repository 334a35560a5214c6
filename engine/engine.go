// Package engine provides concrete database adapters for the runner
// over database/sql: MySQL via go-sql-driver and PostgreSQL via lib/pq.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sqllogictest/sqllogictest"
	"github.com/sqllogictest/sqllogictest/internal/errors"
	"github.com/sqllogictest/sqllogictest/runner"
)

// Open resolves a URI into a connection factory. Currently
// "mysql://..." (a go-sql-driver DSN after the scheme) and
// "postgres://..." (a lib/pq URL) are supported. A string without a
// scheme is treated as a postgres key=value DSN.
func Open(uri string) (runner.MakeConnection, error) {
	switch {
	case strings.HasPrefix(uri, "mysql://"):
		return NewMySQLFactory(uri[len("mysql://"):])
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return NewPostgresFactory(uri)
	case !strings.Contains(uri, "://"):
		return NewPostgresFactory(uri)
	}
	return nil, errors.Errorf(`unsupported engine uri %s`, uri)
}

// sqlDB adapts one *sql.DB session to the runner's DB contract.
type sqlDB struct {
	db       *sql.DB
	engine   string
	database string
}

var _ runner.DB = (*sqlDB)(nil)
var _ runner.Shutdowner = (*sqlDB)(nil)
var _ runner.DatabaseNamer = (*sqlDB)(nil)

func (s *sqlDB) EngineName() string   { return s.engine }
func (s *sqlDB) DatabaseName() string { return s.database }

func (s *sqlDB) Shutdown(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// returnsRows decides whether to drive the SQL through Query or Exec.
// database/sql offers no unified entry point, so classify by leading
// keyword the way other Go sqllogictest runners do.
func returnsRows(sql string) bool {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "VALUES", "SHOW", "WITH", "EXPLAIN", "DESCRIBE", "DESC", "TABLE", "PRAGMA":
		return true
	}
	return false
}

func (s *sqlDB) Run(ctx context.Context, query string) (*runner.DBOutput, error) {
	if !returnsRows(query) {
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return nil, err
		}
		count, err := res.RowsAffected()
		if err != nil {
			// drivers without affected-row support still complete
			count = 0
		}
		return runner.Complete(uint64(count)), nil
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := columnTypes(rows)
	if err != nil {
		return nil, err
	}

	var out [][]string
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		for i := range vals {
			vals[i] = new(interface{})
		}
		if err := rows.Scan(vals...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = renderCell(*v.(*interface{}))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runner.Rows(types, out), nil
}

// columnTypes maps driver type names onto the test format's letters:
// I for integers, R for reals, T for everything else.
func columnTypes(rows *sql.Rows) (sqllogictest.ColumnTypes, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	types := make(sqllogictest.ColumnTypes, len(cts))
	for i, ct := range cts {
		name := strings.ToUpper(ct.DatabaseTypeName())
		switch {
		case strings.Contains(name, "INT"):
			types[i] = 'I'
		case strings.Contains(name, "FLOAT"),
			strings.Contains(name, "DOUBLE"),
			strings.Contains(name, "REAL"),
			strings.Contains(name, "NUMERIC"),
			strings.Contains(name, "DECIMAL"):
			types[i] = 'R'
		default:
			types[i] = 'T'
		}
	}
	return types, nil
}

func renderCell(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
