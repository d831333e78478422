// Package correlator pairs outstanding engine requests with the party
// waiting for their reply.
//
// The table is generic over the completion target so the same bookkeeping
// serves an in-process caller (a result channel) and a relayed remote
// client (a route back to its connection).
package correlator

import (
	"math"
	"sync"
)

// Correlator hands out request ids and maps each outstanding id to its
// completion target. All methods are safe for concurrent use.
type Correlator[T any] struct {
	mu      sync.Mutex
	last    int64
	pending map[int64]T
}

// New returns an empty Correlator. The first id handed out is 1.
func New[T any]() *Correlator[T] {
	return &Correlator[T]{pending: make(map[int64]T)}
}

// Register allocates the next id and stores target under it in one step.
// Ids increase monotonically, wrap to 1 after math.MaxInt64, and skip any
// id that is still outstanding.
func (c *Correlator[T]) Register(target T) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.last == math.MaxInt64 {
			c.last = 0
		}
		c.last++
		if _, busy := c.pending[c.last]; !busy {
			break
		}
	}
	c.pending[c.last] = target
	return c.last
}

// Complete removes and returns the target registered under id. ok is false
// when nothing is outstanding for id, which means the reply is a duplicate
// or was never requested.
func (c *Correlator[T]) Complete(id int64) (target T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok = c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return target, ok
}

// Remove withdraws a registration, for rollback after a failed send or an
// expired deadline. It reports whether id was still outstanding.
func (c *Correlator[T]) Remove(id int64) (T, bool) {
	return c.Complete(id)
}

// RemoveIf withdraws every registration whose target matches pred and
// returns the removed ids.
func (c *Correlator[T]) RemoveIf(pred func(id int64, target T) bool) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []int64
	for id, target := range c.pending {
		if pred(id, target) {
			delete(c.pending, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Drain empties the table and returns what was outstanding.
func (c *Correlator[T]) Drain() map[int64]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = make(map[int64]T)
	return out
}

// Len reports the number of outstanding ids.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Outstanding reports whether id is currently registered.
func (c *Correlator[T]) Outstanding(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}
