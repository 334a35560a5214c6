package runner

import (
	"github.com/sirupsen/logrus"

	"github.com/sqllogictest/sqllogictest"
	"github.com/sqllogictest/sqllogictest/validate"
)

// Option is a generic interface for objects that pass optional
// parameters to New.
type Option interface {
	Name() string
	Value() interface{}
}

type option struct {
	name  string
	value interface{}
}

func (o option) Name() string       { return o.name }
func (o option) Value() interface{} { return o.value }

const (
	optkeyLabels        = "labels"
	optkeySortMode      = "sort-mode"
	optkeyResultMode    = "result-mode"
	optkeyHashThreshold = "hash-threshold"
	optkeyNormalizer    = "normalizer"
	optkeyTypeValidator = "type-validator"
	optkeyFailFast      = "fail-fast"
	optkeyLogger        = "logger"
)

// WithLabels seeds the label set used by onlyif/skipif conditions.
// The engine name of each established connection is added on top.
func WithLabels(labels ...string) Option {
	return &option{name: optkeyLabels, value: labels}
}

// WithSortMode sets the file-level default sort mode.
func WithSortMode(m sqllogictest.SortMode) Option {
	return &option{name: optkeySortMode, value: m}
}

// WithResultMode sets the file-level default result mode.
func WithResultMode(m sqllogictest.ResultMode) Option {
	return &option{name: optkeyResultMode, value: m}
}

// WithHashThreshold sets the initial hash threshold. Zero disables
// hashing.
func WithHashThreshold(n int) Option {
	return &option{name: optkeyHashThreshold, value: n}
}

// WithNormalizer overrides cell normalization before comparison.
func WithNormalizer(n validate.Normalizer) Option {
	return &option{name: optkeyNormalizer, value: n}
}

// WithTypeValidator overrides column type checking for queries.
func WithTypeValidator(v validate.TypeValidator) Option {
	return &option{name: optkeyTypeValidator, value: v}
}

// WithFailFast makes RunRecords stop at the first failing record.
func WithFailFast(b bool) Option {
	return &option{name: optkeyFailFast, value: b}
}

// WithLogger routes progress logging somewhere other than the logrus
// standard logger.
func WithLogger(l *logrus.Logger) Option {
	return &option{name: optkeyLogger, value: l}
}
