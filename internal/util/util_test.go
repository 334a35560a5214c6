package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplitComment(t *testing.T) {
	type Spec struct {
		Input    string
		Head     string
		Trailing string
	}

	specs := []Spec{
		{Input: "query I rowsort", Head: "query I rowsort", Trailing: ""},
		{Input: "query I rowsort # trailing", Head: "query I rowsort", Trailing: " # trailing"},
		{Input: "statement ok\t# tab", Head: "statement ok", Trailing: "\t# tab"},
		{Input: "# whole line", Head: "", Trailing: "# whole line"},
		{Input: "sleep 5s #no space inside token ok#here", Head: "sleep 5s", Trailing: " #no space inside token ok#here"},
		{Input: "query error foo#bar", Head: "query error foo#bar", Trailing: ""},
	}

	for _, spec := range specs {
		head, trailing := SplitComment(spec.Input)
		assert.Equal(t, spec.Head, head, "head of %q", spec.Input)
		assert.Equal(t, spec.Trailing, trailing, "trailing of %q", spec.Input)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ms", FormatDuration(500*time.Millisecond))
	assert.Equal(t, "5s", FormatDuration(5*time.Second))
	assert.Equal(t, "1m", FormatDuration(time.Minute))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
	assert.Equal(t, "2h", FormatDuration(2*time.Hour))
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank(" \t "))
	assert.False(t, IsBlank(" x"))
}
