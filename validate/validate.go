// Package validate compares actual tabular results against the
// expected block of a query record under a sort / result-mode /
// hash-threshold policy.
package validate

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/sqllogictest/sqllogictest"
)

// Normalizer converts one result cell to its display form before
// comparison. Adapters with exotic scalar formatting (floats,
// intervals) install their own.
type Normalizer func(cell string, typ sqllogictest.ColumnType) string

// Default trims trailing whitespace and renders the empty string as
// "(empty)" so it survives whitespace-insensitive comparison.
func Default(cell string, _ sqllogictest.ColumnType) string {
	cell = strings.TrimRight(cell, " \t")
	if cell == "" {
		return "(empty)"
	}
	return cell
}

// TypeValidator checks the actual column types against the type string
// of the query record.
type TypeValidator func(actual, expected sqllogictest.ColumnTypes) bool

// DefaultTypeValidator accepts anything.
func DefaultTypeValidator(_, _ sqllogictest.ColumnTypes) bool { return true }

// StrictTypeValidator compares the type strings letter by letter.
func StrictTypeValidator(actual, expected sqllogictest.ColumnTypes) bool {
	if len(actual) != len(expected) {
		return false
	}
	for i := range actual {
		if actual[i] != expected[i] {
			return false
		}
	}
	return true
}

// Policy is the comparison configuration in effect for one query.
type Policy struct {
	SortMode      sqllogictest.SortMode
	ResultMode    sqllogictest.ResultMode
	HashThreshold int
	Normalizer    Normalizer
	Types         sqllogictest.ColumnTypes
}

func (p *Policy) normalizer() Normalizer {
	if p.Normalizer != nil {
		return p.Normalizer
	}
	return Default
}

func (p *Policy) typeOf(col int) sqllogictest.ColumnType {
	if col < len(p.Types) {
		return p.Types[col]
	}
	return 0
}

// Linearize converts a result set to comparison lines: one row per
// line under columnwise mode, one value per line under valuewise mode
// or valuesort. Actual results are sorted according to the sort mode;
// the expected block in the file is taken as already sorted.
func (p *Policy) Linearize(rows [][]string) []string {
	norm := p.normalizer()
	valuewise := p.ResultMode == sqllogictest.Valuewise || p.SortMode == sqllogictest.ValueSort

	var lines []string
	for _, row := range rows {
		if valuewise {
			for col, cell := range row {
				lines = append(lines, norm(cell, p.typeOf(col)))
			}
			continue
		}
		cells := make([]string, len(row))
		for col, cell := range row {
			cells[col] = norm(cell, p.typeOf(col))
		}
		lines = append(lines, strings.Join(cells, " "))
	}

	switch p.SortMode {
	case sqllogictest.RowSort, sqllogictest.ValueSort:
		sort.Strings(lines)
	}
	return lines
}

// NumValues counts the cells of a result set; the hash threshold is a
// value count, not a row count.
func NumValues(rows [][]string) int {
	n := 0
	for _, row := range rows {
		n += len(row)
	}
	return n
}

// Hash returns the MD5 digest of the linearized lines, each terminated
// with a newline.
func Hash(lines []string) string {
	h := md5.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FormatHash renders the single-line hash form of an expected block.
func FormatHash(numValues int, lines []string) string {
	return fmt.Sprintf("%d values hashing to %s", numValues, Hash(lines))
}

var hashRE = regexp.MustCompile(`^(\d+) values hashing to ([0-9a-fA-F]{32})$`)

// MismatchError reports a result comparison failure with a structural
// diff of the linearized expected and actual lines.
type MismatchError struct {
	Expected []string
	Actual   []string
}

func (e *MismatchError) Error() string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.Join(e.Expected, "\n") + "\n"),
		B:        difflib.SplitLines(strings.Join(e.Actual, "\n") + "\n"),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		text = fmt.Sprintf("expected %d lines, got %d lines", len(e.Expected), len(e.Actual))
	}
	var buf bytes.Buffer
	buf.WriteString("query result mismatch:\n")
	buf.WriteString(text)
	return buf.String()
}

// normalizeExpected applies the whitespace policy to one expected
// line: trim and collapse internal whitespace runs.
func normalizeExpected(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

// Compare validates an actual result set against the raw expected
// lines from the file. A single `N values hashing to HEX` expected
// line triggers hash comparison; otherwise lines are compared after
// normalization. Returns nil on match, a *MismatchError otherwise.
func (p *Policy) Compare(rows [][]string, expected []string) error {
	lines := p.Linearize(rows)

	if len(expected) == 1 {
		if m := hashRE.FindStringSubmatch(strings.TrimSpace(expected[0])); m != nil {
			count, err := strconv.Atoi(m[1])
			if err != nil {
				count = -1
			}
			digest := Hash(lines)
			if count != NumValues(rows) || !strings.EqualFold(m[2], digest) {
				return &MismatchError{
					Expected: []string{expected[0]},
					Actual:   []string{FormatHash(NumValues(rows), lines)},
				}
			}
			return nil
		}
	}

	want := make([]string, len(expected))
	for i, line := range expected {
		want[i] = normalizeExpected(line)
	}
	got := make([]string, len(lines))
	for i, line := range lines {
		got[i] = normalizeExpected(line)
	}

	if len(want) != len(got) {
		return &MismatchError{Expected: expected, Actual: lines}
	}
	for i := range want {
		if want[i] != got[i] {
			return &MismatchError{Expected: expected, Actual: lines}
		}
	}
	return nil
}
