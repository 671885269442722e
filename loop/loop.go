// Package loop provides the small set of event-loop adapter operations
// cooperative tasks need beyond socket readiness: a shared timer (Wait), a
// way to schedule a callback for the loop's own goroutine to run
// (RunOnLoop/DoOnLoop), and an offload of blocking work to a worker pool
// with its result delivered as a Promise (Invoke).
//
// This package does not implement an epoll/kqueue reactor: ordinary
// socket I/O in this module goes through net.Conn and relies on the Go
// runtime's own netpoller to multiplex connections.
package loop

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/neterr"
	"github.com/joeycumines/go-netloop/promise"
)

// task is a callback queued for execution on the loop's own goroutine.
type task struct {
	fn func()
}

// timer is an entry in the loop's min-heap of pending Wait deadlines.
type timer struct {
	deadline time.Time
	fire     chan struct{}
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Loop runs a single dispatch goroutine that owns a queue of scheduled
// callbacks and a heap of pending timers. Run must be driven by exactly
// one goroutine; everything else is safe to call from any goroutine.
type Loop struct {
	mu      sync.Mutex
	tasks   []task
	timers  timerHeap
	wake    chan struct{}
	workers chan struct{} // bounded worker-pool semaphore for Invoke
}

// New constructs a Loop with a worker pool sized to GOMAXPROCS for
// Invoke's offloaded work.
func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		workers: make(chan struct{}, runtime.GOMAXPROCS(0)),
	}
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunOnLoop schedules fn to run on the goroutine that calls Run, and
// returns immediately. fn runs even if scheduled from within Run itself.
func (l *Loop) RunOnLoop(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task{fn: fn})
	l.mu.Unlock()
	l.notify()
}

// DoOnLoop schedules fn on the loop and blocks the calling goroutine
// until it has run, returning fn's result. Calling DoOnLoop from the loop
// goroutine itself would deadlock, and is a programming error.
func (l *Loop) DoOnLoop(tok cancel.Token, fn func() (any, error)) (any, error) {
	p := promise.New[any]()
	l.RunOnLoop(func() {
		v, err := fn()
		if err != nil {
			p.Reject(err)
		} else {
			p.Resolve(v)
		}
	})
	return p.Get(tok)
}

// Wait suspends the calling goroutine until d has elapsed or tok fires.
// Implemented as a heap entry consumed by Run, so a large number of
// concurrent waiters share one timer-management loop instead of one
// time.Timer apiece.
func (l *Loop) Wait(tok cancel.Token, d time.Duration) error {
	t := &timer{deadline: time.Now().Add(d), fire: make(chan struct{})}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.notify()

	select {
	case <-t.fire:
		return nil
	case <-tok.Done():
		l.mu.Lock()
		if t.index >= 0 && t.index < len(l.timers) && l.timers[t.index] == t {
			heap.Remove(&l.timers, t.index)
		}
		l.mu.Unlock()
		return neterr.Cancelled
	}
}

// Invoke offloads fn to a bounded worker pool and returns a Promise for
// its result. A panic in fn rejects the promise rather than crashing the
// worker.
func Invoke[T any](l *Loop, tok cancel.Token, fn func(tok cancel.Token) (T, error)) *promise.Promise[T] {
	p := promise.New[T]()

	select {
	case l.workers <- struct{}{}:
	case <-tok.Done():
		p.Reject(neterr.Cancelled)
		return p
	}

	go func() {
		defer func() { <-l.workers }()
		defer func() {
			if r := recover(); r != nil {
				p.Reject(fmt.Errorf("loop: invoke panicked: %v", r))
			}
		}()
		v, err := fn(tok)
		if err != nil {
			p.Reject(err)
		} else {
			p.Resolve(v)
		}
	}()

	return p
}

// Run drains scheduled tasks and fires expired timers until tok fires.
// Exactly one goroutine should call Run for a given Loop.
func (l *Loop) Run(tok cancel.Token) {
	for {
		l.mu.Lock()
		pending := l.tasks
		l.tasks = nil
		l.mu.Unlock()
		for _, t := range pending {
			t.fn()
		}

		now := time.Now()
		var fired []*timer
		l.mu.Lock()
		for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
			fired = append(fired, heap.Pop(&l.timers).(*timer))
		}
		var nextWait time.Duration = time.Second
		if len(l.timers) > 0 {
			if w := l.timers[0].deadline.Sub(now); w > 0 {
				nextWait = w
			} else {
				nextWait = 0
			}
		}
		l.mu.Unlock()
		for _, t := range fired {
			close(t.fire)
		}

		if tok.StopRequested() {
			return
		}

		select {
		case <-l.wake:
		case <-time.After(nextWait):
		case <-tok.Done():
			return
		}
	}
}
