// Package xsync provides cooperative-task synchronization primitives
// beyond what sync.Mutex gives for free: a FIFO mutex whose waiter queue
// preserves call order and whose cancellation removes a waiter without
// unblocking the mutex, and a writer-preference read-write mutex.
package xsync

import (
	"sync"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
)

// Mutex is a FIFO, cancellable, cooperative mutex. The zero value is ready
// to use.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Guard releases its Mutex exactly once, via Release, including on paths
// that exit through a panic or error return (the caller is expected to
// `defer guard.Release()` immediately after a successful Lock).
type Guard struct {
	m        *Mutex
	released bool
}

// Release unlocks the underlying mutex. Calling it more than once is a
// no-op, so deferring it unconditionally is always safe.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.m.Unlock()
}

// Lock acquires the mutex, suspending (honoring tok's cancellation) if it
// is currently held. On success it returns a Guard; on cancellation it
// returns neterr.Cancelled and the waiter is removed from the queue without
// ever having acquired the mutex.
func (m *Mutex) Lock(tok cancel.Token) (*Guard, error) {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return &Guard{m: m}, nil
	}

	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return &Guard{m: m}, nil
	case <-tok.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ch {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, neterr.Cancelled
			}
		}
		m.mu.Unlock()
		// Lost the race: the mutex handed us the lock concurrently with
		// our cancellation. Honor the handoff rather than leak it.
		select {
		case <-ch:
			return &Guard{m: m}, nil
		default:
			return nil, neterr.Cancelled
		}
	}
}

// Unlock releases the mutex, waking the next FIFO waiter if any, or
// marking the mutex free. Prefer Guard.Release, obtained from Lock, over
// calling this directly.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(next)
}
