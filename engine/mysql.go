package engine

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"

	"github.com/sqllogictest/sqllogictest/internal/errors"
	"github.com/sqllogictest/sqllogictest/runner"
)

// NewMySQLFactory builds a connection factory from a go-sql-driver
// DSN. Each named connection gets its own *sql.DB restricted to a
// single underlying session, so per-connection state (transactions,
// session variables) behaves like a real client.
func NewMySQLFactory(dsn string) (runner.MakeConnection, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, `failed to parse DSN`)
	}

	return func(ctx context.Context, name string) (runner.DB, error) {
		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			return nil, errors.Wrap(err, `failed to open connection to database`)
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &sqlDB{db: db, engine: "mysql", database: cfg.DBName}, nil
	}, nil
}
