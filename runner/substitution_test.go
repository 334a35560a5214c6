package runner

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subRunner(t *testing.T) (*Runner, *fakeDB) {
	t.Helper()
	db := newFakeDB()
	r := New(singleConn(db))
	r.substitution = true
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, db
}

func TestSubstituteEnv(t *testing.T) {
	t.Setenv("SLT_TEST_VAR", "hello")
	t.Setenv("SLT_OTHER", "world")
	r, db := subRunner(t)

	type Spec struct {
		Input  string
		Expect string
		Fails  bool
	}

	specs := []Spec{
		{Input: "SELECT '$SLT_TEST_VAR';", Expect: "SELECT 'hello';"},
		{Input: "SELECT '${SLT_TEST_VAR}';", Expect: "SELECT 'hello';"},
		{Input: "$SLT_TEST_VAR $SLT_OTHER", Expect: "hello world"},
		{Input: "${SLT_MISSING_VAR:fallback}", Expect: "fallback"},
		// the default itself undergoes substitution
		{Input: "${SLT_MISSING_VAR:${SLT_TEST_VAR}}", Expect: "hello"},
		{Input: "${SLT_MISSING_VAR:${SLT_ALSO_MISSING:deep}}", Expect: "deep"},
		// escapes
		{Input: `\$SLT_TEST_VAR`, Expect: "$SLT_TEST_VAR"},
		{Input: `\\$SLT_TEST_VAR`, Expect: `\hello`},
		// a lone dollar is literal
		{Input: "price: 5$", Expect: "price: 5$"},
		{Input: "${SLT_MISSING_VAR}", Fails: true},
		{Input: "$SLT_MISSING_VAR", Fails: true},
	}

	for _, spec := range specs {
		got, ferr := r.substitute(spec.Input, db, false)
		if spec.Fails {
			require.NotNil(t, ferr, "substituting %q should fail", spec.Input)
			continue
		}
		require.Nil(t, ferr, "substituting %q", spec.Input)
		assert.Equal(t, spec.Expect, got, "substituting %q", spec.Input)
	}
}

func TestSubstituteOff(t *testing.T) {
	db := newFakeDB()
	r := New(singleConn(db))
	defer r.Shutdown(context.Background())

	got, ferr := r.substitute("$UNSET_EITHER_WAY", db, false)
	require.Nil(t, ferr)
	assert.Equal(t, "$UNSET_EITHER_WAY", got)
}

func TestSubstituteTestDir(t *testing.T) {
	r, db := subRunner(t)

	got, ferr := r.substitute("COPY t TO '$__TEST_DIR__/out.csv';", db, false)
	require.Nil(t, ferr)
	assert.NotContains(t, got, "__TEST_DIR__")

	dir, err := r.TestDir()
	require.NoError(t, err)
	assert.Contains(t, got, dir)

	// stable across references, removed at shutdown
	again, _ := r.substitute("$__TEST_DIR__", db, false)
	assert.Equal(t, dir, again)
	_, err = os.Stat(dir)
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(context.Background()))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSubstituteNow(t *testing.T) {
	r, db := subRunner(t)

	got, ferr := r.substitute("$__NOW__ $__NOW__", db, false)
	require.Nil(t, ferr)

	parts := strings.Fields(got)
	require.Len(t, parts, 2)
	// captured once per substitution pass
	assert.Equal(t, parts[0], parts[1])
	_, err := strconv.ParseInt(parts[0], 10, 64)
	assert.NoError(t, err, "should be unix nanoseconds")
}

func TestSubstituteDatabase(t *testing.T) {
	r, db := subRunner(t)

	got, ferr := r.substitute("SELECT '$__DATABASE__';", db, false)
	require.Nil(t, ferr)
	assert.Equal(t, "SELECT 'testdb_42';", got)
}

func TestSubstituteSystemMode(t *testing.T) {
	t.Setenv("SLT_TEST_VAR", "hello")
	r, db := subRunner(t)

	// environment expansion belongs to the shell; only the special
	// variables are replaced
	got, ferr := r.substitute("echo $SLT_TEST_VAR $__DATABASE__ ${HOME}", db, true)
	require.Nil(t, ferr)
	assert.Equal(t, "echo $SLT_TEST_VAR testdb_42 ${HOME}", got)

	// escapes also pass through untouched
	got, ferr = r.substitute(`echo \$x`, db, true)
	require.Nil(t, ferr)
	assert.Equal(t, `echo \$x`, got)
}

func TestSubstitutionErrorVerdict(t *testing.T) {
	db := newFakeDB()
	outs, err := run(t, db, "control substitution on\n\nstatement ok\nSELECT '$SLT_DEFINITELY_UNSET_VAR';\n")
	require.Error(t, err)

	var failed *RecordOutput
	for i := range outs {
		if outs[i].Verdict == VerdictFail {
			failed = &outs[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, SubstitutionError, failed.Err.Kind)
	assert.Empty(t, db.calls, "the statement must not reach the database")
}
