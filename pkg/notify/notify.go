// Package notify delivers engine notifications to interested parties,
// independently of any in-flight request.
package notify

import "sync"

// Router delivers one notification to every current subscriber.
type Router[M any] interface {
	Dispatch(msg M)
}

// Local is a router with a single in-process callback. Dispatch invokes the
// callback synchronously on the caller's goroutine.
type Local[M any] struct {
	mu sync.RWMutex
	fn func(M)
}

// NewLocal returns a Local that calls fn. fn may be nil.
func NewLocal[M any](fn func(M)) *Local[M] {
	return &Local[M]{fn: fn}
}

// Set replaces the callback. A nil fn discards notifications.
func (l *Local[M]) Set(fn func(M)) {
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
}

// Dispatch implements Router.
func (l *Local[M]) Dispatch(msg M) {
	l.mu.RLock()
	fn := l.fn
	l.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// Discard is a Router that drops everything.
type Discard[M any] struct{}

// Dispatch implements Router.
func (Discard[M]) Dispatch(M) {}
