package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqllogictest/sqllogictest"
)

func updateFile(t *testing.T, db *fakeDB, content string, up UpdatePolicy) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "case.slt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := New(singleConn(db))
	defer r.Shutdown(context.Background())
	require.NoError(t, r.UpdateTestFile(context.Background(), path, up))

	updated, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(updated)
}

func TestUpdateQueryResults(t *testing.T) {
	db := newFakeDB().on("SELECT * FROM foo;", Rows(sqllogictest.ParseColumnTypes("II"), [][]string{{"3", "4"}}), nil)
	got := updateFile(t, db, "query II\nSELECT * FROM foo;\n----\n1 2\n", UpdatePolicy{})
	assert.Equal(t, "query II\nSELECT * FROM foo;\n----\n3 4\n", got)
}

func TestUpdateKeepsPassingRecords(t *testing.T) {
	// a record that validates keeps the file's original spelling
	db := newFakeDB().on("SELECT * FROM foo;", Rows(sqllogictest.ParseColumnTypes("II"), [][]string{{"3", "4"}}), nil)
	content := "# preamble\nquery II\nSELECT * FROM foo;\n----\n3   4\n"
	got := updateFile(t, db, content, UpdatePolicy{})
	assert.Equal(t, content, got)
}

func TestUpdateIdempotent(t *testing.T) {
	content := "query II\nSELECT * FROM foo;\n----\n1 2\n\nstatement count 9\nDELETE FROM foo;\n"

	mkdb := func() *fakeDB {
		return newFakeDB().
			on("SELECT * FROM foo;", Rows(sqllogictest.ParseColumnTypes("II"), [][]string{{"3", "4"}}), nil).
			on("DELETE FROM foo;", Complete(2), nil)
	}

	first := updateFile(t, mkdb(), content, UpdatePolicy{})
	second := updateFile(t, mkdb(), first, UpdatePolicy{})
	assert.Equal(t, first, second)
	assert.Contains(t, first, "statement count 2")
}

func TestUpdateStatementError(t *testing.T) {
	db := newFakeDB().on("inser into foo;", nil, &dbError{msg: "The operation (inser) is not supported. Did you mean [insert]?"})
	got := updateFile(t, db, "statement ok\ninser into foo;\n", UpdatePolicy{})
	// regex special characters in the observed message are escaped
	assert.Equal(t, `statement error The operation \(inser\) is not supported\. Did you mean \[insert\]\?`+"\ninser into foo;\n", got)
}

func TestUpdateKeepsMatchingErrorRegex(t *testing.T) {
	content := "statement error The operation \\([a-z]+\\) is not supported.*\ninser into foo;\n"
	db := newFakeDB().on("inser into foo;", nil, &dbError{msg: "The operation (inser) is not supported. Did you mean [insert]?"})
	got := updateFile(t, db, content, UpdatePolicy{})
	assert.Equal(t, content, got)
}

func TestUpdateMultilineErrorMessage(t *testing.T) {
	msg := "db error: boom\n\nCaused by:\n  1: disk full"
	db := newFakeDB().on("SELECT 1;", nil, &dbError{msg: msg})
	got := updateFile(t, db, "statement ok\nSELECT 1;\n", UpdatePolicy{})
	assert.Equal(t, "statement error\nSELECT 1;\n----\n"+msg+"\n\n\n", got)

	// the rewritten block must reparse, so updating again is a no-op
	db = newFakeDB().on("SELECT 1;", nil, &dbError{msg: msg})
	again := updateFile(t, db, got, UpdatePolicy{})
	assert.Equal(t, got, again)
}

func TestUpdateQueryBecameStatement(t *testing.T) {
	db := newFakeDB().on("UPDATE foo SET x = 1;", Complete(3), nil)
	got := updateFile(t, db, "query I\nUPDATE foo SET x = 1;\n----\n1\n", UpdatePolicy{})
	assert.Equal(t, "statement ok\nUPDATE foo SET x = 1;\n", got)
}

func TestUpdateCoerceEmptyQuery(t *testing.T) {
	content := "query I\nSELECT id FROM empty_table;\n----\n1\n"

	db := newFakeDB().on("SELECT id FROM empty_table;", Rows(sqllogictest.ParseColumnTypes("I"), nil), nil)
	got := updateFile(t, db, content, UpdatePolicy{CoerceEmptyQuery: true})
	assert.Equal(t, "statement count 0\nSELECT id FROM empty_table;\n", got)

	// default policy preserves the query form
	db = newFakeDB().on("SELECT id FROM empty_table;", Rows(sqllogictest.ParseColumnTypes("I"), nil), nil)
	got = updateFile(t, db, content, UpdatePolicy{})
	assert.Equal(t, "query I\nSELECT id FROM empty_table;\n----\n", got)
}

func TestUpdatePreservesHaltedTail(t *testing.T) {
	db := newFakeDB().on("SELECT 1;", nil, &dbError{msg: "boom"})
	content := "halt\n\nstatement ok\nSELECT 1;\n"
	got := updateFile(t, db, content, UpdatePolicy{})
	assert.Equal(t, content, got)
	assert.Empty(t, db.calls)
}

func TestUpdatePreservesDecorations(t *testing.T) {
	// conditions, connection, sort mode, label and retry survive
	db := newFakeDB().
		on("SELECT * FROM foo;", Rows(sqllogictest.ParseColumnTypes("II"), [][]string{{"3", "4"}}), nil)
	content := "skipif sqlite\nconnection c1\nquery II rowsort lbl retry 2 backoff 1s\nSELECT * FROM foo;\n----\n9 9\n"
	got := updateFile(t, db, content, UpdatePolicy{})
	assert.Equal(t, "skipif sqlite\nconnection c1\nquery II rowsort lbl retry 2 backoff 1s\nSELECT * FROM foo;\n----\n3 4\n", got)
}

func TestUpdateIncludedFiles(t *testing.T) {
	dir := t.TempDir()
	child := filepath.Join(dir, "child.slt")
	root := filepath.Join(dir, "root.slt")
	require.NoError(t, os.WriteFile(child, []byte("query I\nSELECT 7;\n----\n1\n"), 0o644))
	require.NoError(t, os.WriteFile(root, []byte("include child.slt\n"), 0o644))

	db := newFakeDB().on("SELECT 7;", Rows(sqllogictest.ParseColumnTypes("I"), [][]string{{"7"}}), nil)
	r := New(singleConn(db))
	defer r.Shutdown(context.Background())
	require.NoError(t, r.UpdateTestFile(context.Background(), root, UpdatePolicy{}))

	rootContent, err := os.ReadFile(root)
	require.NoError(t, err)
	assert.Equal(t, "include child.slt\n", string(rootContent))

	childContent, err := os.ReadFile(child)
	require.NoError(t, err)
	assert.Equal(t, "query I\nSELECT 7;\n----\n7\n", string(childContent))
}

func TestUpdateRecordWithOutputUnit(t *testing.T) {
	r := New(singleConn(newFakeDB()))
	defer r.Shutdown(context.Background())

	records, err := sqllogictest.ParseString("t.slt", "statement count 3\nDELETE FROM foo;\n")
	require.NoError(t, err)
	stmt := records[0].(*sqllogictest.Statement)

	out := RecordOutput{
		Record:  stmt,
		Verdict: VerdictFail,
		Output:  Complete(5),
		Err:     newTestError(StatementCountMismatch, stmt.Location, stmt.SQL),
	}
	updated := r.UpdateRecordWithOutput(stmt, out, UpdatePolicy{})
	require.NotNil(t, updated)
	require.NotNil(t, updated.(*sqllogictest.Statement).ExpectedCount)
	assert.Equal(t, uint64(5), *updated.(*sqllogictest.Statement).ExpectedCount)

	// passing records need no update
	out.Verdict = VerdictPass
	assert.Nil(t, r.UpdateRecordWithOutput(stmt, out, UpdatePolicy{}))
}
