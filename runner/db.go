package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sqllogictest/sqllogictest"
	"github.com/sqllogictest/sqllogictest/internal/errors"
)

// DefaultConnection is the name used when a file never issues a
// `connection` directive.
const DefaultConnection = "(default)"

// OutputKind discriminates the two shapes a database can answer with.
type OutputKind int

const (
	// StatementComplete carries the number of affected rows.
	StatementComplete OutputKind = iota
	// RowsOutput carries a result set with column types.
	RowsOutput
)

// DBOutput is what an adapter returns from Run.
type DBOutput struct {
	Kind  OutputKind
	Count uint64
	Types sqllogictest.ColumnTypes
	Rows  [][]string
}

// Complete builds a statement-complete output.
func Complete(count uint64) *DBOutput {
	return &DBOutput{Kind: StatementComplete, Count: count}
}

// Rows builds a result-set output.
func Rows(types sqllogictest.ColumnTypes, rows [][]string) *DBOutput {
	return &DBOutput{Kind: RowsOutput, Types: types, Rows: rows}
}

// DB is the database adapter contract. Implementations run one SQL
// string at a time and report either a result set or a completion
// count. All cells are already rendered to strings; NULL rendering is
// the adapter's business.
type DB interface {
	Run(ctx context.Context, sql string) (*DBOutput, error)
	// EngineName contributes to the default label set for
	// onlyif/skipif conditions.
	EngineName() string
}

// Sleeper lets an adapter override how `sleep` records wait, e.g. to
// advance a mock clock.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// CommandRunner lets an adapter intercept `system` records. Without
// it, commands run through the platform shell.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) (*CommandOutput, error)
}

// Shutdowner lets an adapter release its session. Shutdown must be
// idempotent.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// DatabaseNamer exposes the connection's database name for the
// $__DATABASE__ substitution variable.
type DatabaseNamer interface {
	DatabaseName() string
}

// MakeConnection creates a new session to the system under test. The
// runner calls it lazily, once per distinct connection name.
type MakeConnection func(ctx context.Context, name string) (DB, error)

// CommandOutput is the observed result of a `system` record.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Background is set when the command ended with `&` and was left
	// running; no status or output is available.
	Background bool
}

// runCommand executes a shell command for a `system` record,
// delegating to the adapter when it implements CommandRunner. A
// trailing `&` spawns the command and returns without reaping it.
func runCommand(ctx context.Context, db DB, command string) (*CommandOutput, error) {
	if cr, ok := db.(CommandRunner); ok {
		return cr.RunCommand(ctx, command)
	}

	if trimmed := strings.TrimSpace(command); strings.HasSuffix(trimmed, "&") {
		cmd := exec.Command("sh", "-c", trimmed[:len(trimmed)-1])
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrap(err, `failed to spawn background command`)
		}
		return &CommandOutput{Background: true}, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, errors.Wrap(err, `failed to run command`)
		}
	}
	return &CommandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}, nil
}

// sleepOn waits through the adapter when it implements Sleeper, or on
// the wall clock, honouring cancellation.
func sleepOn(ctx context.Context, db DB, d time.Duration) {
	if db != nil {
		if s, ok := db.(Sleeper); ok {
			s.Sleep(ctx, d)
			return
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
