package runner

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sqllogictest/sqllogictest"
)

// substitutionFailure carries the variable name that could not be
// resolved until a location is available to build the TestError.
type substitutionFailure struct {
	name string
}

func (f *substitutionFailure) at(loc sqllogictest.Location, sql string) *TestError {
	terr := newTestError(SubstitutionError, loc, sql)
	terr.Expected = f.name
	return terr
}

// substitute expands variables in SQL or a system command when
// `control substitution on` is in effect.
//
// Recognized forms: $NAME and ${NAME} (environment), ${NAME:DEFAULT}
// (the default itself undergoes substitution), and the special
// variables $__TEST_DIR__, $__NOW__ and $__DATABASE__. `\$` yields a
// literal dollar, `\\` a literal backslash.
//
// For system commands the shell owns environment expansion, so only
// the special $__*__ variables are replaced and escapes pass through
// untouched.
func (r *Runner) substitute(input string, db DB, system bool) (string, *substitutionFailure) {
	if !r.substitution {
		return input, nil
	}
	s := &substituter{
		r:      r,
		db:     db,
		system: system,
		// captured once per substitution pass
		now: strconv.FormatInt(time.Now().UnixNano(), 10),
	}
	return s.expand(input)
}

type substituter struct {
	r      *Runner
	db     DB
	system bool
	now    string
}

func isSpecial(name string) bool {
	return strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (s *substituter) lookup(name string) (string, bool, *substitutionFailure) {
	switch name {
	case "__TEST_DIR__":
		dir, err := s.r.TestDir()
		if err != nil {
			return "", false, &substitutionFailure{name: name}
		}
		return dir, true, nil
	case "__NOW__":
		return s.now, true, nil
	case "__DATABASE__":
		if namer, ok := s.db.(DatabaseNamer); ok {
			return namer.DatabaseName(), true, nil
		}
		return "", true, nil
	}
	if s.system {
		// not a special: the shell will expand it
		return "", false, nil
	}
	val, ok := os.LookupEnv(name)
	return val, ok, nil
}

func (s *substituter) expand(input string) (string, *substitutionFailure) {
	var buf bytes.Buffer
	i := 0
	for i < len(input) {
		c := input[i]

		if c == '\\' && !s.system && i+1 < len(input) {
			switch input[i+1] {
			case '$', '\\':
				buf.WriteByte(input[i+1])
				i += 2
				continue
			}
			buf.WriteByte(c)
			i++
			continue
		}

		if c != '$' {
			buf.WriteByte(c)
			i++
			continue
		}

		if i+1 < len(input) && input[i+1] == '{' {
			end := matchBrace(input, i+1)
			if end < 0 {
				buf.WriteByte(c)
				i++
				continue
			}
			inner := input[i+2 : end]
			name, def, hasDef := strings.Cut(inner, ":")
			val, ok, ferr := s.lookup(name)
			if ferr != nil {
				return "", ferr
			}
			switch {
			case ok:
				buf.WriteString(val)
			case s.system && !isSpecial(name):
				buf.WriteString(input[i : end+1])
			case hasDef:
				expanded, ferr := s.expand(def)
				if ferr != nil {
					return "", ferr
				}
				buf.WriteString(expanded)
			default:
				return "", &substitutionFailure{name: name}
			}
			i = end + 1
			continue
		}

		j := i + 1
		for j < len(input) && isIdentChar(input[j]) {
			j++
		}
		if j == i+1 {
			buf.WriteByte(c)
			i++
			continue
		}
		name := input[i+1 : j]
		val, ok, ferr := s.lookup(name)
		if ferr != nil {
			return "", ferr
		}
		switch {
		case ok:
			buf.WriteString(val)
		case s.system && !isSpecial(name):
			buf.WriteString(input[i:j])
		default:
			return "", &substitutionFailure{name: name}
		}
		i = j
	}
	return buf.String(), nil
}

// matchBrace returns the index of the '}' matching the '{' at open,
// or -1. Nested ${...} defaults are honoured.
func matchBrace(input string, open int) int {
	depth := 0
	for i := open; i < len(input); i++ {
		switch input[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
