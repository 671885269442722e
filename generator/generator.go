// Package generator implements Generator[T], a lazy, single-pass,
// finite-or-infinite sequence where both producing and consuming the next
// element may suspend. A generator is not restartable, and closing it
// cancels the producer.
//
// The producer runs in its own goroutine, handing values across an
// unbuffered channel gated by a request the consumer sends before each
// Advance, so the producer never runs ahead of the consumer.
package generator

import (
	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
)

type item[T any] struct {
	value T
	err   error
}

// Generator is a cancellable, single-pass async sequence of T.
type Generator[T any] struct {
	request chan struct{}
	values  chan item[T]
	stop    *cancel.Source
	closed  bool
}

// New starts producing values by running produce in its own goroutine.
// produce must call yield for each element, in order, and must observe
// tok (the generator's own lifetime token, fired by Close) at every
// suspension point. produce's return value (nil or an error) becomes the
// terminal item: nil ends the sequence cleanly, non-nil is surfaced from
// the Advance call that would have produced the next element.
func New[T any](produce func(tok cancel.Token, yield func(T) error) error) *Generator[T] {
	g := &Generator[T]{
		request: make(chan struct{}),
		values:  make(chan item[T]),
		stop:    cancel.NewSource(),
	}

	go func() {
		defer close(g.values)
		// Wait for the first pull before doing any work, so a generator
		// that is constructed but never advanced never runs its body.
		select {
		case <-g.request:
		case <-g.stop.Token().Done():
			return
		}

		yield := func(v T) error {
			select {
			case g.values <- item[T]{value: v}:
			case <-g.stop.Token().Done():
				return neterr.Cancelled
			}
			select {
			case <-g.request:
				return nil
			case <-g.stop.Token().Done():
				return neterr.Cancelled
			}
		}

		err := produce(g.stop.Token(), yield)
		if err != nil {
			select {
			case g.values <- item[T]{err: err}:
			case <-g.stop.Token().Done():
			}
		}
	}()

	return g
}

// Advance suspends until the next element is available, the sequence
// ends, the producer errors, or tok fires. ok is false, err is nil at a
// clean end of sequence.
func (g *Generator[T]) Advance(tok cancel.Token) (value T, ok bool, err error) {
	if g.closed {
		var zero T
		return zero, false, nil
	}

	select {
	case g.request <- struct{}{}:
	case <-g.stop.Token().Done():
		var zero T
		return zero, false, neterr.Cancelled
	case <-tok.Done():
		var zero T
		return zero, false, neterr.Cancelled
	}

	select {
	case it, open := <-g.values:
		if !open {
			g.closed = true
			var zero T
			return zero, false, nil
		}
		if it.err != nil {
			g.closed = true
			var zero T
			return zero, false, it.err
		}
		return it.value, true, nil
	case <-tok.Done():
		var zero T
		return zero, false, neterr.Cancelled
	}
}

// Close cancels the producer. It is safe to call more than once. A
// generator that is not advanced to its natural end (for example with
// Drain) must be closed, so the producer goroutine does not leak.
func (g *Generator[T]) Close() {
	g.closed = true
	g.stop.Cancel(neterr.Cancelled)
}

// Drain advances the generator to completion, discarding values. A body
// generator borrowed from a connection must be fully drained on all paths
// unless the connection itself is being torn down.
func Drain[T any](g *Generator[T], tok cancel.Token) error {
	for {
		_, ok, err := g.Advance(tok)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Collect drains the generator into a slice. Intended for tests and small,
// known-bounded sequences.
func Collect[T any](g *Generator[T], tok cancel.Token) ([]T, error) {
	var out []T
	for {
		v, ok, err := g.Advance(tok)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// FromSlice returns a Generator that yields each element of vs in order.
func FromSlice[T any](vs []T) *Generator[T] {
	return New(func(tok cancel.Token, yield func(T) error) error {
		for _, v := range vs {
			if err := yield(v); err != nil {
				return err
			}
		}
		return nil
	})
}
