package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/lib/pq"

	"github.com/sqllogictest/sqllogictest/internal/errors"
	"github.com/sqllogictest/sqllogictest/runner"
)

// NewPostgresFactory builds a connection factory from a lib/pq URL or
// key=value DSN.
func NewPostgresFactory(dsn string) (runner.MakeConnection, error) {
	if strings.Contains(dsn, "://") {
		parsed, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, errors.Wrap(err, `failed to parse postgres url`)
		}
		dsn = parsed
	}
	database := dsnValue(dsn, "dbname")

	return func(ctx context.Context, name string) (runner.DB, error) {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.Wrap(err, `failed to open connection to database`)
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &sqlDB{db: db, engine: "postgres", database: database}, nil
	}, nil
}

func dsnValue(dsn, key string) string {
	for _, field := range strings.Fields(dsn) {
		if v, ok := strings.CutPrefix(field, key+"="); ok {
			return strings.Trim(v, `'`)
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// FromEnv builds a postgres factory from the SLT_HOST, SLT_PORT,
// SLT_DB, SLT_USER and SLT_PASSWORD environment variables, defaulting
// to a local postgres instance.
func FromEnv() (runner.MakeConnection, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("SLT_HOST", "localhost"),
		envOr("SLT_PORT", "5432"),
		envOr("SLT_USER", "postgres"),
		envOr("SLT_PASSWORD", "postgres"),
		envOr("SLT_DB", "postgres"),
	)
	return NewPostgresFactory(dsn)
}
