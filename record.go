package sqllogictest

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sqllogictest/sqllogictest/internal/util"
)

// Record is one unit of a test file: a statement, query, control
// directive, or annotation. Every record knows how to write itself
// back out in its textual form, so a parsed file can be reconstructed.
type Record interface {
	Loc() Location
	WriteTo(dst io.Writer) (int64, error)
}

// Records is an ordered record stream as produced by the parser.
type Records []Record

// WriteTo reconstructs the test file text. Records pulled in through
// include expansion (everything between BeginInclude and EndInclude)
// belong to other files and are skipped; the include directive itself
// is written.
func (rs Records) WriteTo(dst io.Writer) (int64, error) {
	var n int64
	depth := 0
	for _, rec := range rs {
		if inj, ok := rec.(*Injected); ok {
			switch inj.Kind {
			case BeginInclude:
				depth++
			case EndInclude:
				depth--
			}
			continue
		}
		if depth > 0 {
			continue
		}
		n1, err := rec.WriteTo(dst)
		n += n1
		if err != nil {
			return n, err
		}
		n2, err := io.WriteString(dst, "\n")
		n += int64(n2)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (rs Records) String() string {
	var buf bytes.Buffer
	rs.WriteTo(&buf)
	return buf.String()
}

// ColumnType is the single-character column type letter from a query's
// type string (e.g. 'I', 'T', 'R'). Its semantics belong to the
// database adapter; the parser only carries it.
type ColumnType byte

type ColumnTypes []ColumnType

func (ts ColumnTypes) String() string {
	b := make([]byte, len(ts))
	for i, t := range ts {
		b[i] = byte(t)
	}
	return string(b)
}

// ParseColumnTypes converts a type string token into its letters.
func ParseColumnTypes(s string) ColumnTypes {
	ts := make(ColumnTypes, len(s))
	for i := 0; i < len(s); i++ {
		ts[i] = ColumnType(s[i])
	}
	return ts
}

// SortMode is the policy for ordering actual results before comparison.
type SortMode int

const (
	NoSort SortMode = iota
	RowSort
	ValueSort
)

func (m SortMode) String() string {
	switch m {
	case RowSort:
		return "rowsort"
	case ValueSort:
		return "valuesort"
	default:
		return "nosort"
	}
}

// ParseSortMode recognizes the sortmode tokens. The second return
// value is false for anything else.
func ParseSortMode(s string) (SortMode, bool) {
	switch s {
	case "nosort":
		return NoSort, true
	case "rowsort":
		return RowSort, true
	case "valuesort":
		return ValueSort, true
	}
	return NoSort, false
}

// ResultMode is the linearization of a result set into lines:
// one row per line (columnwise) or one value per line (valuewise).
type ResultMode int

const (
	Columnwise ResultMode = iota
	Valuewise
)

func (m ResultMode) String() string {
	if m == Valuewise {
		return "valuewise"
	}
	return "columnwise"
}

func ParseResultMode(s string) (ResultMode, bool) {
	switch s {
	case "columnwise":
		return Columnwise, true
	case "valuewise":
		return Valuewise, true
	}
	return Columnwise, false
}

// ExpectedError is the expected failure of a statement or query:
// either a single-line unanchored regex after `error` on the header,
// or an exact multiline block under `----`.
type ExpectedError struct {
	// Pattern is the compiled regex for the single-line form. It is
	// nil for the multiline form.
	Pattern *regexp.Regexp
	// Text is the regex source for the single-line form, or the block
	// text (lines joined with \n, untrimmed) for the multiline form.
	Text      string
	Multiline bool
}

// Match reports whether the actual error message satisfies the
// expectation. An empty expectation matches any error.
func (e *ExpectedError) Match(msg string) bool {
	if e.Multiline {
		expected := strings.TrimSpace(e.Text)
		if expected == "" {
			return true
		}
		return strings.TrimSpace(msg) == expected
	}
	if e.Text == "" {
		return true
	}
	return e.Pattern.MatchString(msg)
}

// Condition gates the execution of the following statement or query on
// the runner's label set: `onlyif L` runs iff L is present, `skipif L`
// runs iff L is absent.
type Condition struct {
	Location Location
	Skip     bool
	Label    string
	Trailing string
}

func (c *Condition) Loc() Location { return c.Location }

// ShouldRun evaluates the condition against a label membership test.
func (c *Condition) ShouldRun(contains func(string) bool) bool {
	if c.Skip {
		return !contains(c.Label)
	}
	return contains(c.Label)
}

func (c *Condition) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	if c.Skip {
		buf.WriteString("skipif ")
	} else {
		buf.WriteString("onlyif ")
	}
	buf.WriteString(c.Label)
	buf.WriteString(c.Trailing)
	return buf.WriteTo(dst)
}

// RetryConfig is a `retry N backoff D` clause: on failure the record is
// retried up to Attempts additional times, sleeping Backoff between
// attempts.
type RetryConfig struct {
	Attempts    int
	Backoff     time.Duration
	BackoffText string
}

func (r *RetryConfig) backoffText() string {
	if r.BackoffText != "" {
		return r.BackoffText
	}
	return util.FormatDuration(r.Backoff)
}

func (r *RetryConfig) writeTo(buf *bytes.Buffer) {
	buf.WriteString(" retry ")
	buf.WriteString(strconv.Itoa(r.Attempts))
	buf.WriteString(" backoff ")
	buf.WriteString(r.backoffText())
}

// Statement is an SQL command from which we expect no result set, only
// success (optionally with an affected-row count) or a failure.
type Statement struct {
	Location      Location
	Conditions    []*Condition
	Connection    string
	SQL           string
	ExpectedCount *uint64
	ExpectedError *ExpectedError
	Retry         *RetryConfig
	Trailing      string
}

func (s *Statement) Loc() Location { return s.Location }

func (s *Statement) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("statement ")
	switch {
	case s.ExpectedError != nil:
		buf.WriteString("error")
		if !s.ExpectedError.Multiline && s.ExpectedError.Text != "" {
			buf.WriteByte(' ')
			buf.WriteString(s.ExpectedError.Text)
		}
	case s.ExpectedCount != nil:
		buf.WriteString("count ")
		buf.WriteString(strconv.FormatUint(*s.ExpectedCount, 10))
	default:
		buf.WriteString("ok")
	}
	if s.Retry != nil {
		s.Retry.writeTo(&buf)
	}
	buf.WriteString(s.Trailing)
	buf.WriteByte('\n')
	buf.WriteString(s.SQL)
	if s.ExpectedError != nil && s.ExpectedError.Multiline {
		buf.WriteString("\n----\n")
		buf.WriteString(s.ExpectedError.Text)
		buf.WriteString("\n\n")
	}
	return buf.WriteTo(dst)
}

// Query is an SQL command from which we expect a result set, an empty
// result, or a failure.
type Query struct {
	Location        Location
	Conditions      []*Condition
	Connection      string
	Types           ColumnTypes
	SortMode        *SortMode
	ResultMode      *ResultMode
	Label           string
	Retry           *RetryConfig
	SQL             string
	ExpectedError   *ExpectedError
	ExpectedResults []string
	// HasResults distinguishes a `----` block (possibly with zero
	// lines) from a query with no expected block at all.
	HasResults bool
	Trailing   string
}

func (q *Query) Loc() Location { return q.Location }

func (q *Query) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("query")
	if q.ExpectedError != nil && !q.ExpectedError.Multiline {
		buf.WriteString(" error")
		if q.ExpectedError.Text != "" {
			buf.WriteByte(' ')
			buf.WriteString(q.ExpectedError.Text)
		}
		if q.Retry != nil {
			q.Retry.writeTo(&buf)
		}
		buf.WriteString(q.Trailing)
		buf.WriteByte('\n')
		buf.WriteString(q.SQL)
		return buf.WriteTo(dst)
	}
	if q.ExpectedError != nil {
		buf.WriteString(" error")
		if q.Retry != nil {
			q.Retry.writeTo(&buf)
		}
		buf.WriteString(q.Trailing)
		buf.WriteByte('\n')
		buf.WriteString(q.SQL)
		buf.WriteString("\n----\n")
		buf.WriteString(q.ExpectedError.Text)
		buf.WriteString("\n\n")
		return buf.WriteTo(dst)
	}
	if len(q.Types) > 0 {
		buf.WriteByte(' ')
		buf.WriteString(q.Types.String())
	}
	if q.SortMode != nil {
		buf.WriteByte(' ')
		buf.WriteString(q.SortMode.String())
	}
	if q.ResultMode != nil {
		buf.WriteByte(' ')
		buf.WriteString(q.ResultMode.String())
	}
	if q.Label != "" {
		buf.WriteByte(' ')
		buf.WriteString(q.Label)
	}
	if q.Retry != nil {
		q.Retry.writeTo(&buf)
	}
	buf.WriteString(q.Trailing)
	buf.WriteByte('\n')
	buf.WriteString(q.SQL)
	if q.HasResults {
		buf.WriteString("\n----")
		for _, line := range q.ExpectedResults {
			buf.WriteByte('\n')
			buf.WriteString(line)
		}
	}
	return buf.WriteTo(dst)
}

// System is an external shell command, optionally with an expected
// stdout block. A command ending in `&` is fire-and-forget.
type System struct {
	Location   Location
	Conditions []*Condition
	Command    string
	Stdout     *string
	Retry      *RetryConfig
	Trailing   string
}

func (s *System) Loc() Location { return s.Location }

func (s *System) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("system ok")
	if s.Retry != nil {
		s.Retry.writeTo(&buf)
	}
	buf.WriteString(s.Trailing)
	buf.WriteByte('\n')
	buf.WriteString(s.Command)
	if s.Stdout != nil {
		buf.WriteString("\n----\n")
		buf.WriteString(*s.Stdout)
		buf.WriteString("\n\n")
	}
	return buf.WriteTo(dst)
}

// Sleep pauses execution for a wall-clock duration.
type Sleep struct {
	Location     Location
	Duration     time.Duration
	DurationText string
	Trailing     string
}

func (s *Sleep) Loc() Location { return s.Location }

func (s *Sleep) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("sleep ")
	if s.DurationText != "" {
		buf.WriteString(s.DurationText)
	} else {
		buf.WriteString(util.FormatDuration(s.Duration))
	}
	buf.WriteString(s.Trailing)
	return buf.WriteTo(dst)
}

// Include pulls in all records of the files matched by a glob. It is
// retained after expansion; the expanded records follow it, bracketed
// by injected BeginInclude/EndInclude markers.
type Include struct {
	Location Location
	Glob     string
	Trailing string
}

func (i *Include) Loc() Location { return i.Location }

func (i *Include) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("include ")
	buf.WriteString(i.Glob)
	buf.WriteString(i.Trailing)
	return buf.WriteTo(dst)
}

// ControlKind discriminates the control directives.
type ControlKind int

const (
	ControlSubstitution ControlKind = iota
	ControlSortMode
	ControlResultMode
)

// Control switches a file-level setting: variable substitution, the
// default sort mode, or the default result mode.
type Control struct {
	Location   Location
	Kind       ControlKind
	On         bool
	SortMode   SortMode
	ResultMode ResultMode
	Trailing   string
}

func (c *Control) Loc() Location { return c.Location }

func (c *Control) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("control ")
	switch c.Kind {
	case ControlSubstitution:
		buf.WriteString("substitution ")
		if c.On {
			buf.WriteString("on")
		} else {
			buf.WriteString("off")
		}
	case ControlSortMode:
		buf.WriteString("sortmode ")
		buf.WriteString(c.SortMode.String())
	case ControlResultMode:
		buf.WriteString("resultmode ")
		buf.WriteString(c.ResultMode.String())
	}
	buf.WriteString(c.Trailing)
	return buf.WriteTo(dst)
}

// Connection binds the next statement or query to a named session.
type Connection struct {
	Location Location
	Name     string
	Trailing string
}

func (c *Connection) Loc() Location { return c.Location }

func (c *Connection) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("connection ")
	buf.WriteString(c.Name)
	buf.WriteString(c.Trailing)
	return buf.WriteTo(dst)
}

// Halt stops the runner; parsing continues so the rest of the file can
// still be reconstructed.
type Halt struct {
	Location Location
	Trailing string
}

func (h *Halt) Loc() Location { return h.Location }

func (h *Halt) WriteTo(dst io.Writer) (int64, error) {
	n, err := io.WriteString(dst, "halt"+h.Trailing)
	return int64(n), err
}

// HashThreshold sets the minimum number of result values at which the
// expected block may be a single `N values hashing to HEX` line.
// Zero disables hashing.
type HashThreshold struct {
	Location  Location
	Threshold uint64
	Trailing  string
}

func (h *HashThreshold) Loc() Location { return h.Location }

func (h *HashThreshold) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("hash-threshold ")
	buf.WriteString(strconv.FormatUint(h.Threshold, 10))
	buf.WriteString(h.Trailing)
	return buf.WriteTo(dst)
}

// Subtest is a named section marker.
type Subtest struct {
	Location Location
	Name     string
	Trailing string
}

func (s *Subtest) Loc() Location { return s.Location }

func (s *Subtest) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString("subtest ")
	buf.WriteString(s.Name)
	buf.WriteString(s.Trailing)
	return buf.WriteTo(dst)
}

// Comment is a full-line `#` comment, kept verbatim.
type Comment struct {
	Location Location
	Text     string
}

func (c *Comment) Loc() Location { return c.Location }

func (c *Comment) WriteTo(dst io.Writer) (int64, error) {
	n, err := io.WriteString(dst, c.Text)
	return int64(n), err
}

// Whitespace is a blank line, kept verbatim.
type Whitespace struct {
	Location Location
	Text     string
}

func (w *Whitespace) Loc() Location { return w.Location }

func (w *Whitespace) WriteTo(dst io.Writer) (int64, error) {
	n, err := io.WriteString(dst, w.Text)
	return int64(n), err
}

// InjectedKind discriminates the pseudo-records produced by include
// expansion.
type InjectedKind int

const (
	BeginInclude InjectedKind = iota
	EndInclude
	InjectedNewline
)

// Injected is a non-persistent pseudo-record. It never appears in a
// test file; the parser produces it to bracket included records so
// diagnostics and file rewriting can track file boundaries.
type Injected struct {
	Location Location
	Kind     InjectedKind
	File     string
}

func (i *Injected) Loc() Location { return i.Location }

func (i *Injected) WriteTo(dst io.Writer) (int64, error) {
	return 0, nil
}
