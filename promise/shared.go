package promise

import (
	"sync"

	"github.com/joeycumines/go-netloop/cancel"
)

// Shared wraps a producer function so that multiple consumers awaiting
// Get coalesce onto a single execution of the producer: the first caller
// starts the work, later callers attach to the same in-flight Promise.
// Each consumer's own cancellation (its own tok, passed to Get) only
// aborts its own wait; it never cancels the producer or the other
// consumers.
type Shared[T any] struct {
	mu       sync.Mutex
	started  bool
	result   *Promise[T]
	produce  func(tok cancel.Token) (T, error)
	producer *cancel.Source
}

// NewShared builds a Shared producer around fn. fn is not invoked until
// the first call to Get.
func NewShared[T any](fn func(tok cancel.Token) (T, error)) *Shared[T] {
	return &Shared[T]{produce: fn}
}

// Get attaches to the shared producer, starting it if this is the first
// caller. tok cancels only this caller's wait.
func (s *Shared[T]) Get(tok cancel.Token) (T, error) {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.result = New[T]()
		s.producer = cancel.NewSource()
		go func() {
			v, err := s.produce(s.producer.Token())
			if err != nil {
				s.result.Reject(err)
			} else {
				s.result.Resolve(v)
			}
		}()
	}
	result := s.result
	s.mu.Unlock()

	return result.Get(tok)
}
