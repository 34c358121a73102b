package utils

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLinefeeds(t *testing.T) {
	type scenario struct {
		in       string
		expected string
	}
	scenarios := []scenario{
		{"asdf\r\n", "asdf\n"},
		{"asdf\r\nasdf", "asdf\nasdf"},
		{"asdf\r", "asdf"},
		{"asdf\n", "asdf\n"},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, NormalizeLinefeeds(s.in))
	}
}

func TestSafeTruncate(t *testing.T) {
	assert.Equal(t, "abc", SafeTruncate("abcdef", 3))
	assert.Equal(t, "ab", SafeTruncate("ab", 3))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseManyNoErrors(t *testing.T) {
	var closed []int
	closers := []io.Closer{
		closerFunc(func() error { closed = append(closed, 1); return nil }),
		closerFunc(func() error { closed = append(closed, 2); return nil }),
	}

	assert.NoError(t, CloseMany(closers))
	assert.EqualValues(t, []int{1, 2}, closed)
}

func TestCloseManyCollectsErrors(t *testing.T) {
	closers := []io.Closer{
		closerFunc(func() error { return nil }),
		closerFunc(func() error { return errors.New("boom") }),
		closerFunc(func() error { return errors.New("bang") }),
	}

	err := CloseMany(closers)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "bang")
}
