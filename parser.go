package sqllogictest

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sqllogictest/sqllogictest/internal/errors"
	"github.com/sqllogictest/sqllogictest/internal/util"
)

// Parser reads test files into record streams.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// ParseString parses script content under a virtual file name. Include
// directives are resolved relative to the directory of name.
func (p *Parser) ParseString(name, content string) (Records, error) {
	return p.parseContent(Location{File: name}, content)
}

// ParseFile reads and parses a test file, expanding includes.
func (p *Parser) ParseFile(path string) (Records, error) {
	return p.parseFileInner(Location{File: filepath.Clean(path)})
}

// ParseString parses script content with the default parser.
func ParseString(name, content string) (Records, error) {
	return New().ParseString(name, content)
}

// ParseFile parses a file with the default parser.
func ParseFile(path string) (Records, error) {
	return New().ParseFile(path)
}

func (p *Parser) parseFileInner(loc Location) (Records, error) {
	content, err := os.ReadFile(loc.File)
	if err != nil {
		return nil, errors.Wrapf(err, `failed to read test file %s`, loc.File)
	}
	return p.parseContent(loc, string(content))
}

func (p *Parser) parseContent(loc Location, content string) (Records, error) {
	records, err := p.parseLines(loc, splitLines(content))
	if err != nil {
		return nil, err
	}

	var out Records
	for _, rec := range records {
		out = append(out, rec)

		inc, ok := rec.(*Include)
		if !ok {
			continue
		}
		pattern := filepath.Join(filepath.Dir(loc.File), inc.Glob)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, newParseError(UnexpectedToken, inc.Location, inc.Glob)
		}
		if len(matches) == 0 {
			return nil, newParseError(EmptyInclude, inc.Location, inc.Glob)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if inc.Location.onIncludeStack(m) {
				return nil, newParseError(IncludeCycle, inc.Location, m)
			}
			out = append(out, &Injected{Location: inc.Location, Kind: BeginInclude, File: m})
			children, err := p.parseFileInner(inc.Location.include(m))
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
			out = append(out, &Injected{Location: inc.Location, Kind: EndInclude, File: m})
		}
	}
	return out, nil
}

// splitLines splits by line, normalizing CRLF, and drops the empty
// element after a terminating newline.
func splitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func (p *Parser) parseLines(floc Location, lines []string) (Records, error) {
	var records Records
	var pendConds []*Condition
	var pendConn *Connection

	at := func(line int) Location {
		return Location{File: floc.File, Line: line, Upper: floc.Upper}
	}

	// readBody collects the lines of an SQL statement or shell command
	// up to a blank line, EOF, or a "----" separator.
	readBody := func(start int) (body []string, next int, sawSep bool) {
		i := start
		for i < len(lines) {
			if util.IsBlank(lines[i]) {
				return lines[start:i], i, false
			}
			if lines[i] == "----" {
				return lines[start:i], i + 1, true
			}
			i++
		}
		return lines[start:i], i, false
	}

	// readBlock collects a multiline error or stdout block, which ends
	// only at two consecutive blank lines. Both terminator lines are
	// consumed; embedded single blank lines belong to the block.
	readBlock := func(start int) (body []string, next int, ok bool) {
		for i := start; i < len(lines); i++ {
			if util.IsBlank(lines[i]) && i+1 < len(lines) && util.IsBlank(lines[i+1]) {
				return lines[start:i], i + 2, true
			}
		}
		return nil, len(lines), false
	}

	// readResults collects expected query result lines up to a blank
	// line or EOF, verbatim.
	readResults := func(start int) (body []string, next int) {
		i := start
		for i < len(lines) && !util.IsBlank(lines[i]) {
			i++
		}
		return lines[start:i], i
	}

	parseRetry := func(tokens []string, loc Location) (*RetryConfig, error) {
		if len(tokens) != 4 || tokens[0] != "retry" || tokens[2] != "backoff" {
			return nil, newParseError(UnexpectedToken, loc, strings.Join(tokens, " "))
		}
		attempts, err := strconv.Atoi(tokens[1])
		if err != nil || attempts < 1 {
			return nil, newParseError(InvalidNumber, loc, tokens[1])
		}
		backoff, err := time.ParseDuration(tokens[3])
		if err != nil {
			return nil, newParseError(InvalidDuration, loc, tokens[3])
		}
		return &RetryConfig{Attempts: attempts, Backoff: backoff, BackoffText: tokens[3]}, nil
	}

	// parseErrorClause handles the tokens after `error` on a statement
	// or query header: an optional retry clause (multiline form), a
	// regex, or nothing.
	parseErrorClause := func(rest []string, loc Location) (*ExpectedError, *RetryConfig, error) {
		if len(rest) > 0 && rest[0] == "retry" {
			retry, err := parseRetry(rest, loc)
			if err != nil {
				return nil, nil, err
			}
			return &ExpectedError{}, retry, nil
		}
		expected := &ExpectedError{}
		if len(rest) > 0 {
			text := strings.Join(rest, " ")
			pattern, err := regexp.Compile(text)
			if err != nil {
				return nil, nil, newParseError(InvalidRegex, loc, text)
			}
			expected.Pattern = pattern
			expected.Text = text
		}
		return expected, nil, nil
	}

	takeConds := func() []*Condition {
		conds := pendConds
		pendConds = nil
		return conds
	}

	takeConn := func() string {
		if pendConn == nil {
			return ""
		}
		name := pendConn.Name
		pendConn = nil
		return name
	}

	// checkPending rejects free-standing conditions and connections in
	// front of a record that cannot consume them.
	checkPending := func() error {
		if len(pendConds) > 0 {
			return newParseError(MisplacedCondition, pendConds[0].Location, pendConds[0].Label)
		}
		if pendConn != nil {
			return newParseError(MisplacedConnection, pendConn.Location, pendConn.Name)
		}
		return nil
	}

	i := 0
	for i < len(lines) {
		raw := lines[i]
		loc := at(i + 1)

		if util.IsBlank(raw) {
			records = append(records, &Whitespace{Location: loc, Text: raw})
			i++
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(raw), "#") {
			records = append(records, &Comment{Location: loc, Text: raw})
			i++
			continue
		}

		head, trailing := util.SplitComment(raw)
		tokens := strings.Fields(head)

		switch tokens[0] {
		case "statement":
			stmt := &Statement{Location: loc, Trailing: trailing}
			rest := tokens[1:]
			mayBlock := false
			if len(rest) == 0 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			switch rest[0] {
			case "ok":
				if len(rest) > 1 {
					retry, err := parseRetry(rest[1:], loc)
					if err != nil {
						return nil, err
					}
					stmt.Retry = retry
				}
			case "count":
				if len(rest) != 2 {
					return nil, newParseError(UnexpectedToken, loc, head)
				}
				count, err := strconv.ParseUint(rest[1], 10, 64)
				if err != nil {
					return nil, newParseError(InvalidNumber, loc, rest[1])
				}
				stmt.ExpectedCount = &count
			case "error":
				expected, retry, err := parseErrorClause(rest[1:], loc)
				if err != nil {
					return nil, err
				}
				stmt.ExpectedError = expected
				stmt.Retry = retry
				mayBlock = expected.Text == ""
			default:
				return nil, newParseError(UnexpectedToken, loc, rest[0])
			}

			body, next, sawSep := readBody(i + 1)
			if len(body) == 0 {
				return nil, newParseError(UnexpectedToken, at(i+2), "end of record")
			}
			stmt.SQL = strings.Join(body, "\n")
			i = next
			if sawSep {
				if !mayBlock {
					return nil, newParseError(UnexpectedToken, at(i), "----")
				}
				block, next, ok := readBlock(i)
				if !ok {
					return nil, newParseError(UnterminatedErrorBlock, loc, "")
				}
				stmt.ExpectedError.Multiline = true
				stmt.ExpectedError.Text = strings.Join(block, "\n")
				i = next
			}
			stmt.Conditions = takeConds()
			stmt.Connection = takeConn()
			records = append(records, stmt)

		case "query":
			q := &Query{Location: loc, Trailing: trailing}
			rest := tokens[1:]
			mayBlock := false
			if len(rest) > 0 && rest[0] == "error" {
				expected, retry, err := parseErrorClause(rest[1:], loc)
				if err != nil {
					return nil, err
				}
				q.ExpectedError = expected
				q.Retry = retry
				mayBlock = expected.Text == ""
			} else if len(rest) > 0 {
				q.Types = ParseColumnTypes(rest[0])
				rest = rest[1:]
				for len(rest) > 0 {
					tok := rest[0]
					if tok == "retry" {
						retry, err := parseRetry(rest, loc)
						if err != nil {
							return nil, err
						}
						q.Retry = retry
						rest = nil
						break
					}
					if m, ok := ParseSortMode(tok); ok && q.SortMode == nil {
						q.SortMode = &m
						rest = rest[1:]
						continue
					}
					if m, ok := ParseResultMode(tok); ok && q.ResultMode == nil {
						q.ResultMode = &m
						rest = rest[1:]
						continue
					}
					if q.Label == "" {
						q.Label = tok
						rest = rest[1:]
						continue
					}
					return nil, newParseError(UnexpectedToken, loc, tok)
				}
			}

			body, next, sawSep := readBody(i + 1)
			if len(body) == 0 {
				return nil, newParseError(UnexpectedToken, at(i+2), "end of record")
			}
			q.SQL = strings.Join(body, "\n")
			i = next
			if sawSep {
				if q.ExpectedError != nil {
					if !mayBlock {
						return nil, newParseError(UnexpectedToken, at(i), "----")
					}
					block, next, ok := readBlock(i)
					if !ok {
						return nil, newParseError(UnterminatedErrorBlock, loc, "")
					}
					q.ExpectedError.Multiline = true
					q.ExpectedError.Text = strings.Join(block, "\n")
					i = next
				} else {
					q.HasResults = true
					q.ExpectedResults, i = readResults(i)
				}
			}
			q.Conditions = takeConds()
			q.Connection = takeConn()
			records = append(records, q)

		case "system":
			if len(tokens) < 2 || tokens[1] != "ok" {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			sys := &System{Location: loc, Trailing: trailing}
			if len(tokens) > 2 {
				retry, err := parseRetry(tokens[2:], loc)
				if err != nil {
					return nil, err
				}
				sys.Retry = retry
			}
			body, next, sawSep := readBody(i + 1)
			if len(body) == 0 {
				return nil, newParseError(UnexpectedToken, at(i+2), "end of record")
			}
			sys.Command = strings.Join(body, "\n")
			i = next
			if sawSep {
				block, next, ok := readBlock(i)
				if !ok {
					return nil, newParseError(UnterminatedErrorBlock, loc, "")
				}
				stdout := strings.Join(block, "\n")
				sys.Stdout = &stdout
				i = next
			}
			sys.Conditions = takeConds()
			if pendConn != nil {
				return nil, newParseError(MisplacedConnection, pendConn.Location, pendConn.Name)
			}
			records = append(records, sys)

		case "sleep":
			if err := checkPending(); err != nil {
				return nil, err
			}
			if len(tokens) != 2 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			d, err := time.ParseDuration(tokens[1])
			if err != nil {
				return nil, newParseError(InvalidDuration, loc, tokens[1])
			}
			records = append(records, &Sleep{Location: loc, Duration: d, DurationText: tokens[1], Trailing: trailing})
			i++

		case "include":
			if err := checkPending(); err != nil {
				return nil, err
			}
			if len(tokens) != 2 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			records = append(records, &Include{Location: loc, Glob: tokens[1], Trailing: trailing})
			i++

		case "halt":
			if err := checkPending(); err != nil {
				return nil, err
			}
			if len(tokens) != 1 {
				return nil, newParseError(UnexpectedToken, loc, tokens[1])
			}
			records = append(records, &Halt{Location: loc, Trailing: trailing})
			i++

		case "hash-threshold":
			if err := checkPending(); err != nil {
				return nil, err
			}
			if len(tokens) != 2 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			threshold, err := strconv.ParseUint(tokens[1], 10, 64)
			if err != nil {
				return nil, newParseError(InvalidNumber, loc, tokens[1])
			}
			records = append(records, &HashThreshold{Location: loc, Threshold: threshold, Trailing: trailing})
			i++

		case "control":
			if err := checkPending(); err != nil {
				return nil, err
			}
			if len(tokens) != 3 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			ctl := &Control{Location: loc, Trailing: trailing}
			switch tokens[1] {
			case "substitution":
				ctl.Kind = ControlSubstitution
				switch tokens[2] {
				case "on":
					ctl.On = true
				case "off":
					ctl.On = false
				default:
					return nil, newParseError(UnexpectedToken, loc, tokens[2])
				}
			case "sortmode":
				mode, ok := ParseSortMode(tokens[2])
				if !ok {
					return nil, newParseError(InvalidSortMode, loc, tokens[2])
				}
				ctl.Kind = ControlSortMode
				ctl.SortMode = mode
			case "resultmode":
				mode, ok := ParseResultMode(tokens[2])
				if !ok {
					return nil, newParseError(InvalidResultMode, loc, tokens[2])
				}
				ctl.Kind = ControlResultMode
				ctl.ResultMode = mode
			default:
				return nil, newParseError(UnexpectedToken, loc, tokens[1])
			}
			records = append(records, ctl)
			i++

		case "connection":
			if len(tokens) != 2 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			conn := &Connection{Location: loc, Name: tokens[1], Trailing: trailing}
			pendConn = conn
			records = append(records, conn)
			i++

		case "onlyif", "skipif":
			if len(tokens) != 2 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			cond := &Condition{Location: loc, Skip: tokens[0] == "skipif", Label: tokens[1], Trailing: trailing}
			pendConds = append(pendConds, cond)
			records = append(records, cond)
			i++

		case "subtest":
			if err := checkPending(); err != nil {
				return nil, err
			}
			if len(tokens) != 2 {
				return nil, newParseError(UnexpectedToken, loc, head)
			}
			records = append(records, &Subtest{Location: loc, Name: tokens[1], Trailing: trailing})
			i++

		default:
			return nil, newParseError(UnexpectedToken, loc, tokens[0])
		}
	}

	if err := checkPending(); err != nil {
		return nil, err
	}
	return records, nil
}
