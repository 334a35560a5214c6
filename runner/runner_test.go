package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqllogictest/sqllogictest"
)

type fakeResult struct {
	out *DBOutput
	err error
}

// fakeDB is a scripted adapter: responses are consumed per SQL string
// in order; anything unscripted completes with zero affected rows.
// Sleeps are recorded instead of waiting so retry tests stay fast.
type fakeDB struct {
	name      string
	engine    string
	database  string
	responses map[string][]fakeResult
	calls     []string
	slept     []time.Duration
	shutdowns int
}

var _ DB = (*fakeDB)(nil)
var _ Sleeper = (*fakeDB)(nil)
var _ Shutdowner = (*fakeDB)(nil)
var _ DatabaseNamer = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{engine: "fake", database: "testdb_42", responses: map[string][]fakeResult{}}
}

func (f *fakeDB) on(sql string, out *DBOutput, err error) *fakeDB {
	f.responses[sql] = append(f.responses[sql], fakeResult{out: out, err: err})
	return f
}

func (f *fakeDB) Run(ctx context.Context, sql string) (*DBOutput, error) {
	f.calls = append(f.calls, sql)
	queue := f.responses[sql]
	if len(queue) == 0 {
		return Complete(0), nil
	}
	res := queue[0]
	if len(queue) > 1 {
		f.responses[sql] = queue[1:]
	}
	return res.out, res.err
}

func (f *fakeDB) EngineName() string   { return f.engine }
func (f *fakeDB) DatabaseName() string { return f.database }

func (f *fakeDB) Sleep(ctx context.Context, d time.Duration) {
	f.slept = append(f.slept, d)
}

func (f *fakeDB) Shutdown(ctx context.Context) error {
	f.shutdowns++
	return nil
}

type dbError struct{ msg string }

func (e *dbError) Error() string { return e.msg }

func singleConn(db *fakeDB) MakeConnection {
	return func(ctx context.Context, name string) (DB, error) {
		db.name = name
		return db, nil
	}
}

func run(t *testing.T, db *fakeDB, script string, options ...Option) ([]RecordOutput, error) {
	t.Helper()
	r := New(singleConn(db), options...)
	defer r.Shutdown(context.Background())
	return r.RunScript(context.Background(), "t.slt", script)
}

func verdicts(outs []RecordOutput) []Verdict {
	var vs []Verdict
	for _, out := range outs {
		if out.Verdict != VerdictNone {
			vs = append(vs, out.Verdict)
		}
	}
	return vs
}

func TestStatementOK(t *testing.T) {
	db := newFakeDB()
	outs, err := run(t, db, "statement ok\nCREATE TABLE foo (id INT);\n")
	require.NoError(t, err)
	assert.Equal(t, []Verdict{VerdictPass}, verdicts(outs))
	assert.Equal(t, []string{"CREATE TABLE foo (id INT);"}, db.calls)
}

func TestStatementCount(t *testing.T) {
	db := newFakeDB().on("DELETE FROM foo;", Complete(2), nil)
	_, err := run(t, db, "statement count 2\nDELETE FROM foo;\n")
	require.NoError(t, err)

	db = newFakeDB().on("DELETE FROM foo;", Complete(5), nil)
	outs, err := run(t, db, "statement count 2\nDELETE FROM foo;\n")
	require.Error(t, err)
	require.Equal(t, VerdictFail, outs[0].Verdict)
	assert.Equal(t, StatementCountMismatch, outs[0].Err.Kind)
}

func TestStatementExpectedError(t *testing.T) {
	db := newFakeDB().on("SELECT 1/0;", nil, &dbError{msg: "ERROR: division by zero"})
	_, err := run(t, db, "statement error division by zero\nSELECT 1/0;\n")
	require.NoError(t, err)

	db = newFakeDB().on("SELECT 1/0;", nil, &dbError{msg: "ERROR: out of memory"})
	outs, _ := run(t, db, "statement error division by zero\nSELECT 1/0;\n")
	assert.Equal(t, ErrorMessageMismatch, outs[0].Err.Kind)

	// expected an error but the statement succeeded
	db = newFakeDB()
	outs, _ = run(t, db, "statement error\nSELECT 1;\n")
	assert.Equal(t, QuerySucceededUnexpectedly, outs[0].Err.Kind)
}

func TestStatementGotRows(t *testing.T) {
	db := newFakeDB().on("SELECT 1;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"1"}}), nil)
	outs, _ := run(t, db, "statement ok\nSELECT 1;\n")
	assert.Equal(t, StatementResultMismatch, outs[0].Err.Kind)

	db = newFakeDB().on("SELECT 1;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"1"}}), nil)
	outs, _ = run(t, db, "statement error\nSELECT 1;\n")
	assert.Equal(t, StatementErrorButQuery, outs[0].Err.Kind)
}

func TestQueryRowsort(t *testing.T) {
	db := newFakeDB().on("SELECT * FROM foo;", Rows(sqllogictest.ParseColumnTypes("II"), [][]string{{"4", "5"}, {"3", "4"}}), nil)
	outs, err := run(t, db, "query II rowsort\nSELECT * FROM foo;\n----\n3 4\n4 5\n")
	require.NoError(t, err)
	assert.Equal(t, []Verdict{VerdictPass}, verdicts(outs))
}

func TestQueryMismatch(t *testing.T) {
	db := newFakeDB().on("SELECT * FROM foo;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"7"}}), nil)
	outs, err := run(t, db, "query I\nSELECT * FROM foo;\n----\n8\n")
	require.Error(t, err)
	assert.Equal(t, QueryResultMismatch, outs[0].Err.Kind)
}

func TestQueryUnexpectedSuccess(t *testing.T) {
	db := newFakeDB().on("SELECT 1;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"1"}}), nil)
	outs, _ := run(t, db, "query error boom\nSELECT 1;\n")
	assert.Equal(t, QuerySucceededUnexpectedly, outs[0].Err.Kind)
}

func TestQueryMultilineError(t *testing.T) {
	msg := "db error: ERROR: Failed to execute query\n\nCaused by these errors:\n  1: Division by zero"
	db := newFakeDB().on("SELECT 1/0;", nil, &dbError{msg: msg})
	script := "query error\nSELECT 1/0;\n----\n" + msg + "\n\n\n"
	_, err := run(t, db, script)
	require.NoError(t, err)

	db = newFakeDB().on("SELECT 1/0;", nil, &dbError{msg: "something else"})
	outs, _ := run(t, db, script)
	assert.Equal(t, ErrorMessageMismatch, outs[0].Err.Kind)
}

func TestConditionSkip(t *testing.T) {
	db := newFakeDB()
	outs, err := run(t, db, "skipif sqlite\nquery I\nSELECT 1;\n----\n1\n",
		WithLabels("postgres", "sqlite"))
	require.NoError(t, err)
	assert.Equal(t, []Verdict{VerdictSkip}, verdicts(outs))
	assert.Empty(t, db.calls)

	db = newFakeDB().on("SELECT 1;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"1"}}), nil)
	outs, err = run(t, db, "skipif sqlite\nquery I\nSELECT 1;\n----\n1\n",
		WithLabels("postgres"))
	require.NoError(t, err)
	assert.Equal(t, []Verdict{VerdictPass}, verdicts(outs))
}

func TestConditionComposition(t *testing.T) {
	// a record with several conditions runs iff every one says run
	script := "onlyif postgres\nskipif slow\nstatement ok\nSELECT 1;\n"

	db := newFakeDB()
	outs, _ := run(t, db, script, WithLabels("postgres"))
	assert.Equal(t, []Verdict{VerdictPass}, verdicts(outs))

	db = newFakeDB()
	outs, _ = run(t, db, script, WithLabels("postgres", "slow"))
	assert.Equal(t, []Verdict{VerdictSkip}, verdicts(outs))

	db = newFakeDB()
	outs, _ = run(t, db, script, WithLabels("mysql"))
	assert.Equal(t, []Verdict{VerdictSkip}, verdicts(outs))
}

func TestEngineNameJoinsLabels(t *testing.T) {
	// the engine label only exists once a connection was established
	db := newFakeDB()
	script := "statement ok\nSELECT 1;\n\nskipif fake\nstatement ok\nSELECT 2;\n"
	outs, err := run(t, db, script)
	require.NoError(t, err)
	assert.Equal(t, []Verdict{VerdictPass, VerdictSkip}, verdicts(outs))
	assert.Equal(t, []string{"SELECT 1;"}, db.calls)
}

func TestConnectionRouting(t *testing.T) {
	conns := map[string]*fakeDB{}
	factory := func(ctx context.Context, name string) (DB, error) {
		db := newFakeDB()
		db.name = name
		conns[name] = db
		return db, nil
	}

	r := New(factory)
	defer r.Shutdown(context.Background())

	script := `statement ok
SELECT 1;

connection c1
statement ok
SELECT 2;

statement ok
SELECT 3;
`
	_, err := r.RunScript(context.Background(), "t.slt", script)
	require.NoError(t, err)

	require.Contains(t, conns, DefaultConnection)
	require.Contains(t, conns, "c1")
	// the connection directive binds only the next statement
	assert.Equal(t, []string{"SELECT 1;", "SELECT 3;"}, conns[DefaultConnection].calls)
	assert.Equal(t, []string{"SELECT 2;"}, conns["c1"].calls)
}

func TestHalt(t *testing.T) {
	db := newFakeDB()
	outs, err := run(t, db, "statement ok\nSELECT 1;\n\nhalt\n\nstatement ok\nSELECT 2;\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1;"}, db.calls)

	last := outs[len(outs)-1]
	assert.Equal(t, VerdictNone, last.Verdict)
}

func TestRetrySucceedsWithinAttempts(t *testing.T) {
	db := newFakeDB().
		on("SELECT flaky;", nil, &dbError{msg: "transient"}).
		on("SELECT flaky;", nil, &dbError{msg: "transient"}).
		on("SELECT flaky;", Complete(0), nil)

	outs, err := run(t, db, "statement ok retry 3 backoff 100ms\nSELECT flaky;\n")
	require.NoError(t, err)
	assert.Equal(t, []Verdict{VerdictPass}, verdicts(outs))
	// two failures, so exactly two backoff sleeps
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, db.slept)
	assert.Len(t, db.calls, 3)
}

func TestRetryExhausted(t *testing.T) {
	db := newFakeDB()
	for i := 0; i < 4; i++ {
		db.on("SELECT flaky;", nil, &dbError{msg: "transient"})
	}

	outs, err := run(t, db, "statement ok retry 2 backoff 50ms\nSELECT flaky;\n")
	require.Error(t, err)
	assert.Equal(t, VerdictFail, outs[0].Verdict)
	assert.Equal(t, StatementFailed, outs[0].Err.Kind)
	// 1 initial attempt + 2 retries
	assert.Len(t, db.calls, 3)
	assert.Len(t, db.slept, 2)
}

func TestControlSortModeApplies(t *testing.T) {
	db := newFakeDB().on("SELECT * FROM t;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"2"}, {"1"}}), nil)
	script := "control sortmode rowsort\n\nquery I\nSELECT * FROM t;\n----\n1\n2\n"
	_, err := run(t, db, script)
	require.NoError(t, err)
}

func TestHashThresholdRecord(t *testing.T) {
	db := newFakeDB().on("SELECT id FROM t;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"1"}, {"1"}, {"2"}, {"3"}}), nil)
	script := "hash-threshold 4\n\nquery I\nSELECT id FROM t;\n----\n4 values hashing to 205fa1999c3e4a2194c920f89a53afd9\n"
	_, err := run(t, db, script)
	require.NoError(t, err)
}

func TestLabelCrossCheck(t *testing.T) {
	db := newFakeDB().
		on("SELECT a;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"1"}}), nil).
		on("SELECT b;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"2"}}), nil)

	script := "query I lbl\nSELECT a;\n----\n1\n\nquery I lbl\nSELECT b;\n----\n2\n"
	outs, err := run(t, db, script)
	require.Error(t, err)

	var failed *RecordOutput
	for i := range outs {
		if outs[i].Verdict == VerdictFail {
			failed = &outs[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, LabelMismatch, failed.Err.Kind)
}

func TestFailFast(t *testing.T) {
	db := newFakeDB().
		on("SELECT 1;", nil, &dbError{msg: "boom"})

	script := "statement ok\nSELECT 1;\n\nstatement ok\nSELECT 2;\n"
	outs, err := run(t, db, script, WithFailFast(true))
	require.Error(t, err)
	assert.Equal(t, []string{"SELECT 1;"}, db.calls)
	assert.Equal(t, VerdictFail, outs[len(outs)-1].Verdict)
}

func TestSystemCommand(t *testing.T) {
	db := newFakeDB()
	script := "system ok\necho hello\n----\nhello\n\n\n"
	_, err := run(t, db, script)
	require.NoError(t, err)
}

func TestSystemStdoutMismatch(t *testing.T) {
	db := newFakeDB()
	script := "system ok\necho goodbye\n----\nhello\n\n\n"
	outs, err := run(t, db, script)
	require.Error(t, err)
	assert.Equal(t, SystemStdoutMismatch, outs[0].Err.Kind)
}

func TestSystemCommandFailed(t *testing.T) {
	db := newFakeDB()
	outs, err := run(t, db, "system ok\nexit 3\n")
	require.Error(t, err)
	assert.Equal(t, SystemCommandFailed, outs[0].Err.Kind)
}

func TestSystemBackground(t *testing.T) {
	db := newFakeDB()
	// would fail if the exit status were checked
	_, err := run(t, db, "system ok\nexit 3 &\n")
	require.NoError(t, err)
}

func TestSystemWithDatabaseVariable(t *testing.T) {
	db := newFakeDB()
	script := "control substitution on\nsystem ok\necho $__DATABASE__\n----\ntestdb_42\n\n\n"
	_, err := run(t, db, script)
	require.NoError(t, err)
}

func TestSleepRecord(t *testing.T) {
	db := newFakeDB()
	// establish the connection so the sleep goes through the adapter
	script := "statement ok\nSELECT 1;\n\nsleep 250ms\n"
	_, err := run(t, db, script)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, db.slept)
}

func TestShutdownIdempotent(t *testing.T) {
	db := newFakeDB()
	r := New(singleConn(db))
	_, err := r.RunScript(context.Background(), "t.slt", "statement ok\nSELECT 1;\n")
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 1, db.shutdowns)
}

func TestConnectionFailed(t *testing.T) {
	factory := func(ctx context.Context, name string) (DB, error) {
		return nil, &dbError{msg: "dial tcp: connection refused"}
	}
	r := New(factory)
	defer r.Shutdown(context.Background())

	outs, err := r.RunScript(context.Background(), "t.slt", "statement ok\nSELECT 1;\n")
	require.Error(t, err)
	assert.Equal(t, ConnectionRefused, outs[0].Err.Kind)
}
