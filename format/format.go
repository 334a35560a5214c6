// Package format reformats test files into their canonical textual
// form: headers re-spaced to single spaces, expected blocks kept as
// parsed, comments and blank lines preserved.
package format

import (
	"bytes"
	"io"
	"os"

	"github.com/sqllogictest/sqllogictest"
	"github.com/sqllogictest/sqllogictest/internal/errors"
)

// Records writes the canonical text of a record stream to dst.
func Records(dst io.Writer, records sqllogictest.Records) error {
	if _, err := records.WriteTo(dst); err != nil {
		return errors.Wrap(err, `failed to write records`)
	}
	return nil
}

// String reformats script content under a virtual file name.
func String(name, content string) (string, error) {
	records, err := sqllogictest.ParseString(name, content)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := Records(&buf, records); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// File rewrites a test file in place with its canonical form.
// Included files are left untouched; only the named file is written.
func File(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, `failed to read %s`, path)
	}
	formatted, err := String(path, string(content))
	if err != nil {
		return err
	}
	if formatted == string(content) {
		return nil
	}
	tmp := path + ".temp"
	if err := os.WriteFile(tmp, []byte(formatted), 0o644); err != nil {
		return errors.Wrapf(err, `failed to write %s`, tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, `failed to replace %s`, path)
	}
	return nil
}
