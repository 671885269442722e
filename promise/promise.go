// Package promise implements the single-assignment Promise[T] cell and the
// Shared[T] coalescing wrapper.
package promise

import (
	"sync"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
)

// Promise is a single-assignment cell bridging an asynchronous producer
// and any number of consumers. Settle it exactly once via Resolve or
// Reject.
type Promise[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	err      error
	settled  bool
	onceInit sync.Once
}

// New constructs a ready-to-use, pending Promise[T].
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

func (p *Promise[T]) init() {
	p.onceInit.Do(func() {
		if p.done == nil {
			p.done = make(chan struct{})
		}
	})
}

// Resolve settles the promise with a value. A second call (Resolve or
// Reject) is a no-op.
func (p *Promise[T]) Resolve(value T) {
	p.init()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.value = value
	close(p.done)
}

// Reject settles the promise with an error.
func (p *Promise[T]) Reject(err error) {
	p.init()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.err = err
	close(p.done)
}

// Get suspends until the promise settles or tok fires, whichever is first.
func (p *Promise[T]) Get(tok cancel.Token) (T, error) {
	p.init()
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-tok.Done():
		var zero T
		return zero, neterr.Cancelled
	}
}

// Settled reports whether the promise has already resolved or rejected,
// and if so, its result (without blocking).
func (p *Promise[T]) Settled() (value T, err error, ok bool) {
	p.init()
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
