package xsync

import (
	"sync"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
)

// RWMutex is a writer-preference, cooperative read-write mutex: a pending
// writer blocks new readers, but readers already holding the lock drain
// first. Invariants: readerCount >= 0, at most one active writer, never
// both positive.
type RWMutex struct {
	mu            sync.Mutex
	readerCount   int
	writerActive  bool
	pendingWriter int
	readWaiters   []chan struct{}
	writeWaiters  []chan struct{}
}

// RGuard releases a read lock on Release; ready for `defer`.
type RGuard struct {
	m        *RWMutex
	released bool
}

func (g *RGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.m.unlockRead()
}

// WGuard releases a write lock on Release; ready for `defer`.
type WGuard struct {
	m        *RWMutex
	released bool
}

func (g *WGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.m.unlockWrite()
}

// RLock acquires a read lock, suspending behind any active or pending
// writer.
func (m *RWMutex) RLock(tok cancel.Token) (*RGuard, error) {
	m.mu.Lock()
	if !m.writerActive && m.pendingWriter == 0 {
		m.readerCount++
		m.mu.Unlock()
		return &RGuard{m: m}, nil
	}
	ch := make(chan struct{})
	m.readWaiters = append(m.readWaiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return &RGuard{m: m}, nil
	case <-tok.Done():
		m.mu.Lock()
		for i, w := range m.readWaiters {
			if w == ch {
				m.readWaiters = append(m.readWaiters[:i], m.readWaiters[i+1:]...)
				m.mu.Unlock()
				return nil, neterr.Cancelled
			}
		}
		m.mu.Unlock()
		select {
		case <-ch:
			return &RGuard{m: m}, nil
		default:
			return nil, neterr.Cancelled
		}
	}
}

func (m *RWMutex) unlockRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readerCount--
	m.wakeLocked()
}

// Lock acquires the write lock, suspending until all current readers and
// any earlier-queued writer have released.
func (m *RWMutex) Lock(tok cancel.Token) (*WGuard, error) {
	m.mu.Lock()
	if !m.writerActive && m.readerCount == 0 && len(m.writeWaiters) == 0 {
		m.writerActive = true
		m.mu.Unlock()
		return &WGuard{m: m}, nil
	}
	m.pendingWriter++
	ch := make(chan struct{})
	m.writeWaiters = append(m.writeWaiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return &WGuard{m: m}, nil
	case <-tok.Done():
		m.mu.Lock()
		for i, w := range m.writeWaiters {
			if w == ch {
				m.writeWaiters = append(m.writeWaiters[:i], m.writeWaiters[i+1:]...)
				m.pendingWriter--
				m.mu.Unlock()
				return nil, neterr.Cancelled
			}
		}
		m.mu.Unlock()
		select {
		case <-ch:
			return &WGuard{m: m}, nil
		default:
			return nil, neterr.Cancelled
		}
	}
}

func (m *RWMutex) unlockWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writerActive = false
	m.wakeLocked()
}

// wakeLocked must be called with m.mu held. Writer preference: wake a
// single queued writer if present and no readers remain active; otherwise
// release every queued reader.
func (m *RWMutex) wakeLocked() {
	if m.readerCount > 0 {
		return
	}
	if len(m.writeWaiters) > 0 {
		next := m.writeWaiters[0]
		m.writeWaiters = m.writeWaiters[1:]
		m.pendingWriter--
		m.writerActive = true
		close(next)
		return
	}
	for _, w := range m.readWaiters {
		m.readerCount++
		close(w)
	}
	m.readWaiters = nil
}
