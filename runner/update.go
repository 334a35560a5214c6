package runner

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/sqllogictest/sqllogictest"
	"github.com/sqllogictest/sqllogictest/internal/errors"
	"github.com/sqllogictest/sqllogictest/validate"
)

// UpdatePolicy controls how observed outputs are folded back into
// records when rewriting a file.
type UpdatePolicy struct {
	// CoerceEmptyQuery rewrites a query that observed zero rows into a
	// `statement count 0` record. Off by default: the historical
	// sqllogictest behaviour coerced, the current one preserves the
	// query form.
	CoerceEmptyQuery bool
}

// observedExpectedError builds the expected-error field for an
// observed failure message: the multiline exact form when the message
// spans lines, otherwise a regex with special characters escaped.
func observedExpectedError(msg string) *sqllogictest.ExpectedError {
	if strings.Contains(msg, "\n") {
		return &sqllogictest.ExpectedError{Multiline: true, Text: msg}
	}
	escaped := regexp.QuoteMeta(msg)
	return &sqllogictest.ExpectedError{
		Pattern: regexp.MustCompile(escaped),
		Text:    escaped,
	}
}

// UpdateRecordWithOutput returns a new record whose expectation
// reflects the observed output, or nil when the record needs no
// update (it passed, was skipped, or is not updatable). Conditions,
// connection, type string, sort mode, label and retry are retained.
func (r *Runner) UpdateRecordWithOutput(rec sqllogictest.Record, out RecordOutput, up UpdatePolicy) sqllogictest.Record {
	if out.Verdict != VerdictFail {
		return nil
	}

	switch rec := rec.(type) {
	case *sqllogictest.Statement:
		return r.updateStatement(rec, out)
	case *sqllogictest.Query:
		return r.updateQuery(rec, out, up)
	case *sqllogictest.System:
		return updateSystem(rec, out)
	}
	return nil
}

func (r *Runner) updateStatement(stmt *sqllogictest.Statement, out RecordOutput) sqllogictest.Record {
	switch out.Err.Kind {
	case ErrorMessageMismatch, StatementFailed:
		updated := *stmt
		updated.ExpectedError = observedExpectedError(out.ExecErr.Error())
		updated.ExpectedCount = nil
		return &updated
	case QuerySucceededUnexpectedly:
		updated := *stmt
		updated.ExpectedError = nil
		return &updated
	case StatementCountMismatch:
		updated := *stmt
		count := out.Output.Count
		updated.ExpectedCount = &count
		return &updated
	case StatementResultMismatch, StatementErrorButQuery:
		// the statement turned out to be a query
		return &sqllogictest.Query{
			Location:        stmt.Location,
			Conditions:      stmt.Conditions,
			Connection:      stmt.Connection,
			Types:           out.Output.Types,
			SQL:             stmt.SQL,
			ExpectedResults: r.observedResults(&sqllogictest.Query{Types: out.Output.Types}, out.Output),
			HasResults:      true,
			Retry:           stmt.Retry,
			Trailing:        stmt.Trailing,
		}
	}
	return nil
}

func (r *Runner) updateQuery(q *sqllogictest.Query, out RecordOutput, up UpdatePolicy) sqllogictest.Record {
	switch out.Err.Kind {
	case ErrorMessageMismatch, QueryFailed:
		updated := *q
		updated.ExpectedError = observedExpectedError(out.ExecErr.Error())
		updated.ExpectedResults = nil
		updated.HasResults = false
		updated.Types = nil
		return &updated
	case QuerySucceededUnexpectedly, QueryResultMismatch:
		if out.Output == nil {
			return nil
		}
		if out.Output.Kind == StatementComplete {
			// the query turned out to be a statement
			return &sqllogictest.Statement{
				Location:   q.Location,
				Conditions: q.Conditions,
				Connection: q.Connection,
				SQL:        q.SQL,
				Retry:      q.Retry,
				Trailing:   q.Trailing,
			}
		}
		if up.CoerceEmptyQuery && len(out.Output.Rows) == 0 {
			count := uint64(0)
			return &sqllogictest.Statement{
				Location:      q.Location,
				Conditions:    q.Conditions,
				Connection:    q.Connection,
				SQL:           q.SQL,
				ExpectedCount: &count,
				Trailing:      q.Trailing,
			}
		}
		updated := *q
		updated.ExpectedError = nil
		if !r.typeValidator(out.Output.Types, q.Types) || len(q.Types) == 0 {
			updated.Types = out.Output.Types
		}
		updated.ExpectedResults = r.observedResults(q, out.Output)
		updated.HasResults = true
		return &updated
	}
	return nil
}

// observedResults linearizes an observed result set the way the file
// would spell it, honouring the sort mode (the expected block is kept
// sorted) and the hash threshold.
func (r *Runner) observedResults(q *sqllogictest.Query, dbOut *DBOutput) []string {
	policy := r.policyFor(q)
	lines := policy.Linearize(dbOut.Rows)
	if n := validate.NumValues(dbOut.Rows); r.hashThreshold > 0 && n >= r.hashThreshold {
		return []string{validate.FormatHash(n, lines)}
	}
	return lines
}

func updateSystem(sys *sqllogictest.System, out RecordOutput) sqllogictest.Record {
	if out.Err.Kind != SystemStdoutMismatch || out.Command == nil {
		return nil
	}
	updated := *sys
	stdout := strings.TrimRight(out.Command.Stdout, "\n")
	updated.Stdout = &stdout
	return &updated
}

// UpdateTestFile reruns a file and rewrites it (and every included
// file) in place so the expected blocks reflect the observed outputs.
// Records after a halt are copied through untouched. The result is
// idempotent: updating the rewritten file changes nothing.
func (r *Runner) UpdateTestFile(ctx context.Context, path string, up UpdatePolicy) error {
	records, err := sqllogictest.ParseFile(path)
	if err != nil {
		return err
	}

	type item struct {
		filename string
		buf      *bytes.Buffer
		halt     bool
	}
	stack := []*item{{filename: path, buf: &bytes.Buffer{}}}

	flush := func(it *item) error {
		content := it.buf.Bytes()
		tmp := it.filename + ".temp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return errors.Wrapf(err, `failed to write %s`, tmp)
		}
		if err := os.Rename(tmp, it.filename); err != nil {
			return errors.Wrapf(err, `failed to replace %s`, it.filename)
		}
		return nil
	}

	for _, rec := range records {
		top := stack[len(stack)-1]

		if inj, ok := rec.(*sqllogictest.Injected); ok {
			switch inj.Kind {
			case sqllogictest.BeginInclude:
				stack = append(stack, &item{filename: inj.File, buf: &bytes.Buffer{}})
			case sqllogictest.EndInclude:
				if err := flush(top); err != nil {
					return err
				}
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if _, ok := rec.(*sqllogictest.Halt); ok {
			top.halt = true
			rec.WriteTo(top.buf)
			top.buf.WriteByte('\n')
			continue
		}
		if top.halt {
			rec.WriteTo(top.buf)
			top.buf.WriteByte('\n')
			continue
		}

		out := r.runRecord(ctx, rec)
		updated := r.UpdateRecordWithOutput(rec, out, up)
		if updated == nil {
			updated = rec
		}
		updated.WriteTo(top.buf)
		top.buf.WriteByte('\n')
	}

	return flush(stack[0])
}
