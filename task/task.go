// Package task runs functions as cooperative tasks: Go pairs a goroutine
// with a single-assignment result cell, and Detach runs fire-and-forget
// work whose cancellation is swallowed silently.
package task

import (
	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
	"github.com/joeycumines/go-netloop/promise"
)

// Go starts fn in its own goroutine and returns a Promise that settles
// with fn's result. The caller observes completion (and cancellation of
// its own wait) through Promise.Get.
func Go[T any](tok cancel.Token, fn func(tok cancel.Token) (T, error)) *promise.Promise[T] {
	p := promise.New[T]()
	go func() {
		v, err := fn(tok)
		if err != nil {
			p.Reject(err)
		} else {
			p.Resolve(v)
		}
	}()
	return p
}

// Detach starts fn fire-and-forget. A Cancelled error is swallowed
// silently; any other error escapes as a panic and terminates the
// process, so detached work must handle its own recoverable failures.
func Detach(tok cancel.Token, fn func(tok cancel.Token) error) {
	go func() {
		if err := fn(tok); err != nil && !neterr.IsCancelled(err) {
			panic(err)
		}
	}()
}
