// Package utils holds the handful of small, general-purpose helpers the
// teacher keeps in its own pkg/utils rather than inlining everywhere.
// Trimmed down to what a headless dispatcher actually needs: the
// TUI-rendering and coloring helpers (table layout, gocui/fatih color
// attributes, YAML syntax highlighting) have no caller in this domain and
// are dropped rather than carried along unused.
package utils

import (
	"bytes"
	"io"
	"strings"
)

// NormalizeLinefeeds removes Windows and Mac style line feeds. Nothing in
// this module calls it: request lines are split with strings.Fields, which
// already treats a carriage return as whitespace.
func NormalizeLinefeeds(str string) string {
	str = strings.Replace(str, "\r\n", "\n", -1)
	str = strings.Replace(str, "\r", "", -1)
	return str
}

type multiErr []error

func (m multiErr) Error() string {
	var b bytes.Buffer
	b.WriteString("encountered multiple errors:")
	for _, err := range m {
		b.WriteString("\n\t... " + err.Error())
	}
	return b.String()
}

// CloseMany closes every closer, collecting (rather than short-circuiting
// on) failures, for handles that are torn down together (the closure push
// closes a local source file and its remote sftp copy this way).
func CloseMany(closers []io.Closer) error {
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return multiErr(errs)
	}
	return nil
}

// SafeTruncate truncates str to at most limit bytes, used to shorten a
// full git revision down to the short SHA shown as the build version.
func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	}
	return str
}
