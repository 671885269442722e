// Package obslog wires up structured logging for the other packages in
// this module, using github.com/joeycumines/logiface as the facade and
// github.com/joeycumines/stumpy as the concrete JSON-line backend.
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through netconn and
// httpserver.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing stumpy-encoded JSON lines to w. Passing a
// nil w logs to os.Stderr, matching stumpy's own default.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
		),
	)
}

// Discard returns a Logger that drops everything, for tests and code
// paths that were not configured with a real writer.
func Discard() *Logger {
	return New(io.Discard)
}
