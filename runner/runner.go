// Package runner drives a parsed record stream against a database
// adapter: it evaluates conditions, manages named connections,
// substitutes variables, applies retries, validates outputs, and can
// rewrite test files with observed results.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/sqllogictest/sqllogictest"
	"github.com/sqllogictest/sqllogictest/internal/errors"
	"github.com/sqllogictest/sqllogictest/validate"
)

// Verdict is the outcome of one record.
type Verdict int

const (
	// VerdictNone marks bookkeeping records that are not executed
	// (controls, comments, whitespace) and records after a halt.
	VerdictNone Verdict = iota
	VerdictPass
	VerdictFail
	VerdictSkip
)

// RecordOutput pairs a record with what happened when it ran.
type RecordOutput struct {
	Record  sqllogictest.Record
	Verdict Verdict
	Err     *TestError
	// Output is the database output for statements and queries, nil
	// when execution itself errored.
	Output *DBOutput
	// ExecErr is the database error, if any.
	ExecErr error
	// Command is the observed output of a system record.
	Command *CommandOutput
}

// Runner executes records in file order against lazily established
// named connections. It is not safe for concurrent use; run one
// Runner per file.
type Runner struct {
	make          MakeConnection
	conns         map[string]DB
	labels        mapset.Set
	sortMode      sqllogictest.SortMode
	resultMode    sqllogictest.ResultMode
	hashThreshold int
	substitution  bool
	normalizer    validate.Normalizer
	typeValidator validate.TypeValidator
	failFast      bool
	halted        bool
	testDir       string
	labelDigests  map[string]string
	log           *logrus.Logger
}

// New creates a Runner on the given connection factory.
func New(makeConn MakeConnection, options ...Option) *Runner {
	r := &Runner{
		make:          makeConn,
		conns:         map[string]DB{},
		labels:        mapset.NewSet(),
		normalizer:    validate.Default,
		typeValidator: validate.DefaultTypeValidator,
		labelDigests:  map[string]string{},
		log:           logrus.StandardLogger(),
	}
	for _, o := range options {
		switch o.Name() {
		case optkeyLabels:
			for _, l := range o.Value().([]string) {
				r.labels.Add(l)
			}
		case optkeySortMode:
			r.sortMode = o.Value().(sqllogictest.SortMode)
		case optkeyResultMode:
			r.resultMode = o.Value().(sqllogictest.ResultMode)
		case optkeyHashThreshold:
			r.hashThreshold = o.Value().(int)
		case optkeyNormalizer:
			r.normalizer = o.Value().(validate.Normalizer)
		case optkeyTypeValidator:
			r.typeValidator = o.Value().(validate.TypeValidator)
		case optkeyFailFast:
			r.failFast = o.Value().(bool)
		case optkeyLogger:
			r.log = o.Value().(*logrus.Logger)
		}
	}
	return r
}

// AddLabel adds a label for onlyif/skipif conditions.
func (r *Runner) AddLabel(label string) {
	r.labels.Add(label)
}

func (r *Runner) hasLabel(label string) bool {
	return r.labels.Contains(label)
}

func (r *Runner) shouldSkip(conds []*sqllogictest.Condition) bool {
	for _, c := range conds {
		if !c.ShouldRun(r.hasLabel) {
			return true
		}
	}
	return false
}

// TestDir returns the per-case temporary directory, creating it on
// first use. It backs the $__TEST_DIR__ substitution variable and is
// removed on Shutdown.
func (r *Runner) TestDir() (string, error) {
	if r.testDir != "" {
		return r.testDir, nil
	}
	dir := filepath.Join(os.TempDir(), "slt-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, `failed to create test directory`)
	}
	r.testDir = dir
	return dir, nil
}

// connection returns the session for name, establishing it on first
// use. The engine name of a new session joins the label set.
func (r *Runner) connection(ctx context.Context, name string) (DB, error) {
	if name == "" {
		name = DefaultConnection
	}
	if db, ok := r.conns[name]; ok {
		return db, nil
	}
	db, err := r.make(ctx, name)
	if err != nil {
		return nil, err
	}
	r.conns[name] = db
	if engine := db.EngineName(); engine != "" {
		r.labels.Add(engine)
	}
	return db, nil
}

// Shutdown releases every connection the runner opened and removes
// the temporary directory. It is idempotent and must be called even
// after cancellation.
func (r *Runner) Shutdown(ctx context.Context) error {
	var merr *multierror.Error
	for name, db := range r.conns {
		if s, ok := db.(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, `failed to shut down connection %s`, name))
			}
		}
		delete(r.conns, name)
	}
	if r.testDir != "" {
		if err := os.RemoveAll(r.testDir); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, `failed to remove test directory`))
		}
		r.testDir = ""
	}
	return merr.ErrorOrNil()
}

// RunFile parses and runs a test file. The returned outputs cover
// every record; the error aggregates the failing ones.
func (r *Runner) RunFile(ctx context.Context, path string) ([]RecordOutput, error) {
	records, err := sqllogictest.ParseFile(path)
	if err != nil {
		return nil, err
	}
	outs, runErr := r.RunRecords(ctx, records)
	failures := 0
	for _, out := range outs {
		if out.Verdict == VerdictFail {
			failures++
		}
	}
	r.log.Infof("--- done: %s: %d records, %d failures", path, len(outs), failures)
	return outs, runErr
}

// RunScript runs script content under a virtual file name.
func (r *Runner) RunScript(ctx context.Context, name, content string) ([]RecordOutput, error) {
	records, err := sqllogictest.ParseString(name, content)
	if err != nil {
		return nil, err
	}
	return r.RunRecords(ctx, records)
}

// RunRecords runs a record stream in order. Once a halt record is
// seen, the remaining records are reported but not executed.
func (r *Runner) RunRecords(ctx context.Context, records sqllogictest.Records) ([]RecordOutput, error) {
	outs := make([]RecordOutput, 0, len(records))
	var merr *multierror.Error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return outs, errors.Wrap(err, `run cancelled`)
		}
		if r.halted {
			outs = append(outs, RecordOutput{Record: rec, Verdict: VerdictNone})
			continue
		}
		out := r.runRecord(ctx, rec)
		outs = append(outs, out)
		if out.Verdict == VerdictFail {
			merr = multierror.Append(merr, out.Err)
			if r.failFast {
				break
			}
		}
	}
	return outs, merr.ErrorOrNil()
}

// runRecord executes one record and applies the configuration side
// effects of control records.
func (r *Runner) runRecord(ctx context.Context, rec sqllogictest.Record) RecordOutput {
	out := RecordOutput{Record: rec, Verdict: VerdictNone}

	switch rec := rec.(type) {
	case *sqllogictest.Control:
		switch rec.Kind {
		case sqllogictest.ControlSubstitution:
			r.substitution = rec.On
		case sqllogictest.ControlSortMode:
			r.sortMode = rec.SortMode
		case sqllogictest.ControlResultMode:
			r.resultMode = rec.ResultMode
		}

	case *sqllogictest.HashThreshold:
		r.hashThreshold = int(rec.Threshold)

	case *sqllogictest.Halt:
		r.halted = true

	case *sqllogictest.Subtest:
		r.log.Infof("--- subtest: %s", rec.Name)

	case *sqllogictest.Sleep:
		sleepOn(ctx, r.conns[DefaultConnection], rec.Duration)
		out.Verdict = VerdictPass

	case *sqllogictest.Statement:
		out = r.runStatement(ctx, rec)

	case *sqllogictest.Query:
		out = r.runQuery(ctx, rec)

	case *sqllogictest.System:
		out = r.runSystem(ctx, rec)
	}
	return out
}

// runWithRetry runs do, retrying per the record's retry clause with a
// fixed wall-clock backoff between attempts.
func (r *Runner) runWithRetry(ctx context.Context, db DB, retry *sqllogictest.RetryConfig, do func() *TestError) *TestError {
	err := do()
	if err == nil || retry == nil {
		return err
	}
	b := &backoff.Backoff{Min: retry.Backoff, Max: retry.Backoff, Factor: 1}
	for i := 0; i < retry.Attempts; i++ {
		if ctx.Err() != nil {
			return err
		}
		sleepOn(ctx, db, b.Duration())
		if err = do(); err == nil {
			return nil
		}
	}
	return err
}

func connectionError(err error, loc sqllogictest.Location) *TestError {
	kind := ConnectionFailed
	if strings.Contains(err.Error(), "connection refused") {
		kind = ConnectionRefused
	}
	terr := newTestError(kind, loc, "")
	terr.Err = err
	return terr
}

func (r *Runner) runStatement(ctx context.Context, stmt *sqllogictest.Statement) RecordOutput {
	out := RecordOutput{Record: stmt}
	if r.shouldSkip(stmt.Conditions) {
		out.Verdict = VerdictSkip
		return out
	}

	db, err := r.connection(ctx, stmt.Connection)
	if err != nil {
		out.Verdict = VerdictFail
		out.Err = connectionError(err, stmt.Location)
		return out
	}

	sql, serr := r.substitute(stmt.SQL, db, false)
	if serr != nil {
		out.Verdict = VerdictFail
		out.Err = serr.at(stmt.Location, stmt.SQL)
		return out
	}

	terr := r.runWithRetry(ctx, db, stmt.Retry, func() *TestError {
		dbOut, execErr := db.Run(ctx, sql)
		out.Output = dbOut
		out.ExecErr = execErr
		return r.checkStatement(stmt, dbOut, execErr)
	})
	if terr != nil {
		out.Verdict = VerdictFail
		out.Err = terr
		return out
	}
	out.Verdict = VerdictPass
	return out
}

func (r *Runner) checkStatement(stmt *sqllogictest.Statement, dbOut *DBOutput, execErr error) *TestError {
	if execErr != nil {
		if stmt.ExpectedError != nil {
			if stmt.ExpectedError.Match(execErr.Error()) {
				return nil
			}
			terr := newTestError(ErrorMessageMismatch, stmt.Location, stmt.SQL)
			terr.Expected = stmt.ExpectedError.Text
			terr.Actual = execErr.Error()
			terr.Err = execErr
			return terr
		}
		terr := newTestError(StatementFailed, stmt.Location, stmt.SQL)
		terr.Err = execErr
		return terr
	}

	if dbOut.Kind == RowsOutput {
		if stmt.ExpectedError != nil {
			return newTestError(StatementErrorButQuery, stmt.Location, stmt.SQL)
		}
		return newTestError(StatementResultMismatch, stmt.Location, stmt.SQL)
	}

	if stmt.ExpectedError != nil {
		return newTestError(QuerySucceededUnexpectedly, stmt.Location, stmt.SQL)
	}
	if stmt.ExpectedCount != nil && *stmt.ExpectedCount != dbOut.Count {
		terr := newTestError(StatementCountMismatch, stmt.Location, stmt.SQL)
		terr.Expected = strconv.FormatUint(*stmt.ExpectedCount, 10)
		terr.Actual = strconv.FormatUint(dbOut.Count, 10)
		return terr
	}
	return nil
}

// policyFor builds the comparison policy for one query from the
// file-level configuration and the query's own overrides.
func (r *Runner) policyFor(q *sqllogictest.Query) *validate.Policy {
	p := &validate.Policy{
		SortMode:      r.sortMode,
		ResultMode:    r.resultMode,
		HashThreshold: r.hashThreshold,
		Normalizer:    r.normalizer,
		Types:         q.Types,
	}
	if q.SortMode != nil {
		p.SortMode = *q.SortMode
	}
	if q.ResultMode != nil {
		p.ResultMode = *q.ResultMode
	}
	return p
}

func (r *Runner) runQuery(ctx context.Context, q *sqllogictest.Query) RecordOutput {
	out := RecordOutput{Record: q}
	if r.shouldSkip(q.Conditions) {
		out.Verdict = VerdictSkip
		return out
	}

	db, err := r.connection(ctx, q.Connection)
	if err != nil {
		out.Verdict = VerdictFail
		out.Err = connectionError(err, q.Location)
		return out
	}

	sql, serr := r.substitute(q.SQL, db, false)
	if serr != nil {
		out.Verdict = VerdictFail
		out.Err = serr.at(q.Location, q.SQL)
		return out
	}

	terr := r.runWithRetry(ctx, db, q.Retry, func() *TestError {
		dbOut, execErr := db.Run(ctx, sql)
		out.Output = dbOut
		out.ExecErr = execErr
		return r.checkQuery(q, dbOut, execErr)
	})
	if terr != nil {
		out.Verdict = VerdictFail
		out.Err = terr
		return out
	}
	out.Verdict = VerdictPass
	return out
}

func (r *Runner) checkQuery(q *sqllogictest.Query, dbOut *DBOutput, execErr error) *TestError {
	if execErr != nil {
		if q.ExpectedError != nil {
			if q.ExpectedError.Match(execErr.Error()) {
				return nil
			}
			terr := newTestError(ErrorMessageMismatch, q.Location, q.SQL)
			terr.Expected = q.ExpectedError.Text
			terr.Actual = execErr.Error()
			terr.Err = execErr
			return terr
		}
		terr := newTestError(QueryFailed, q.Location, q.SQL)
		terr.Err = execErr
		return terr
	}

	if q.ExpectedError != nil {
		return newTestError(QuerySucceededUnexpectedly, q.Location, q.SQL)
	}

	if dbOut.Kind == StatementComplete {
		if len(q.ExpectedResults) == 0 {
			return nil
		}
		terr := newTestError(QueryResultMismatch, q.Location, q.SQL)
		terr.Expected = strings.Join(q.ExpectedResults, "\n")
		terr.Actual = "(statement completed without rows)"
		return terr
	}

	if !r.typeValidator(dbOut.Types, q.Types) {
		terr := newTestError(QueryResultMismatch, q.Location, q.SQL)
		terr.Expected = q.Types.String()
		terr.Actual = dbOut.Types.String()
		return terr
	}

	policy := r.policyFor(q)
	if err := policy.Compare(dbOut.Rows, q.ExpectedResults); err != nil {
		terr := newTestError(QueryResultMismatch, q.Location, q.SQL)
		terr.Err = err
		return terr
	}

	if q.Label != "" {
		digest := validate.Hash(policy.Linearize(dbOut.Rows))
		if prev, ok := r.labelDigests[q.Label]; ok && prev != digest {
			terr := newTestError(LabelMismatch, q.Location, q.SQL)
			terr.Expected = prev
			terr.Actual = digest
			return terr
		}
		r.labelDigests[q.Label] = digest
	}
	return nil
}

func (r *Runner) runSystem(ctx context.Context, sys *sqllogictest.System) RecordOutput {
	out := RecordOutput{Record: sys}
	if r.shouldSkip(sys.Conditions) {
		out.Verdict = VerdictSkip
		return out
	}

	db, err := r.connection(ctx, DefaultConnection)
	if err != nil {
		out.Verdict = VerdictFail
		out.Err = connectionError(err, sys.Location)
		return out
	}

	command, serr := r.substitute(sys.Command, db, true)
	if serr != nil {
		out.Verdict = VerdictFail
		out.Err = serr.at(sys.Location, sys.Command)
		return out
	}

	terr := r.runWithRetry(ctx, db, sys.Retry, func() *TestError {
		cmdOut, err := runCommand(ctx, db, command)
		out.Command = cmdOut
		if err != nil {
			terr := newTestError(SystemCommandFailed, sys.Location, sys.Command)
			terr.Err = err
			return terr
		}
		return r.checkSystem(sys, cmdOut)
	})
	if terr != nil {
		out.Verdict = VerdictFail
		out.Err = terr
		return out
	}
	out.Verdict = VerdictPass
	return out
}

func (r *Runner) checkSystem(sys *sqllogictest.System, cmdOut *CommandOutput) *TestError {
	if cmdOut.Background {
		return nil
	}
	if cmdOut.ExitCode != 0 {
		terr := newTestError(SystemCommandFailed, sys.Location, sys.Command)
		terr.Actual = cmdOut.Stderr
		terr.Err = errors.Errorf(`exit status %d`, cmdOut.ExitCode)
		return terr
	}
	if sys.Stdout == nil {
		return nil
	}
	expected := strings.TrimSpace(*sys.Stdout)
	actual := strings.TrimSpace(cmdOut.Stdout)
	if expected != actual {
		terr := newTestError(SystemStdoutMismatch, sys.Location, sys.Command)
		terr.Expected = expected
		terr.Actual = actual
		terr.Err = &validate.MismatchError{
			Expected: strings.Split(expected, "\n"),
			Actual:   strings.Split(actual, "\n"),
		}
		return terr
	}
	return nil
}
