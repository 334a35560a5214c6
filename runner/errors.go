package runner

import (
	"bytes"
	"fmt"

	"github.com/sqllogictest/sqllogictest"
)

// TestErrorKind classifies per-record failures. The set may grow as
// adapters specialise their diagnostics.
type TestErrorKind int

const (
	StatementFailed TestErrorKind = iota
	QueryFailed
	StatementResultMismatch
	QueryResultMismatch
	ErrorMessageMismatch
	QuerySucceededUnexpectedly
	StatementCountMismatch
	StatementErrorButQuery
	SystemCommandFailed
	SystemStdoutMismatch
	SubstitutionError
	ConnectionFailed
	// ConnectionRefused specialises ConnectionFailed so a front-end
	// can terminate early with a clearer message.
	ConnectionRefused
	LabelMismatch
)

func (k TestErrorKind) String() string {
	switch k {
	case StatementFailed:
		return "statement failed"
	case QueryFailed:
		return "query failed"
	case StatementResultMismatch:
		return "statement returned a result set"
	case QueryResultMismatch:
		return "query result mismatch"
	case ErrorMessageMismatch:
		return "error message mismatch"
	case QuerySucceededUnexpectedly:
		return "expected to fail, but actually succeeded"
	case StatementCountMismatch:
		return "affected row count mismatch"
	case StatementErrorButQuery:
		return "statement expected to fail, but returned a result set"
	case SystemCommandFailed:
		return "system command failed"
	case SystemStdoutMismatch:
		return "system command stdout mismatch"
	case SubstitutionError:
		return "substitution failed"
	case ConnectionFailed:
		return "failed to establish connection"
	case ConnectionRefused:
		return "connection refused"
	case LabelMismatch:
		return "results differ from an earlier query with the same label"
	}
	return "unknown"
}

// TestError is a per-record failure. Unlike parse errors it is not
// fatal for the file unless the runner is configured fail-fast.
type TestError struct {
	Kind     TestErrorKind
	Loc      sqllogictest.Location
	SQL      string
	Expected string
	Actual   string
	Err      error
}

func (e *TestError) Error() string {
	var buf bytes.Buffer
	buf.WriteString(e.Kind.String())
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&buf, "\n[Expected] %s\n[Actual  ] %s", e.Expected, e.Actual)
	}
	if e.SQL != "" {
		buf.WriteString("\n[SQL] ")
		buf.WriteString(e.SQL)
	}
	buf.WriteString("\nat ")
	buf.WriteString(e.Loc.String())
	return buf.String()
}

// Unwrap exposes the underlying database or command error.
func (e *TestError) Unwrap() error { return e.Err }

func newTestError(kind TestErrorKind, loc sqllogictest.Location, sql string) *TestError {
	return &TestError{Kind: kind, Loc: loc, SQL: sql}
}
