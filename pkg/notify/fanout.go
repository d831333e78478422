package notify

import "sync"

// SendFunc delivers msg to one subscriber. A non-nil error marks the
// subscriber as dead.
type SendFunc[S comparable, M any] func(sub S, msg M) error

// FanOut is a router over an ordered list of subscribers. Subscribers whose
// send fails are pruned once the sweep that observed the failure finishes.
type FanOut[S comparable, M any] struct {
	send    SendFunc[S, M]
	onPrune func(S, error)

	mu   sync.Mutex
	subs []S
}

// FanOutOption configures a FanOut.
type FanOutOption[S comparable, M any] func(*FanOut[S, M])

// WithPruneHook registers fn to be called for every pruned subscriber.
func WithPruneHook[S comparable, M any](fn func(sub S, err error)) FanOutOption[S, M] {
	return func(f *FanOut[S, M]) {
		f.onPrune = fn
	}
}

// NewFanOut returns an empty FanOut delivering through send.
func NewFanOut[S comparable, M any](send SendFunc[S, M], opts ...FanOutOption[S, M]) *FanOut[S, M] {
	f := &FanOut[S, M]{send: send}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe adds sub at the end of the list. It reports false when sub was
// already subscribed.
func (f *FanOut[S, M]) Subscribe(sub S) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexLocked(sub) >= 0 {
		return false
	}
	f.subs = append(f.subs, sub)
	return true
}

// Unsubscribe removes sub. It reports false when sub was not subscribed.
func (f *FanOut[S, M]) Unsubscribe(sub S) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(sub)
}

// Subscribed reports whether sub is in the list.
func (f *FanOut[S, M]) Subscribed(sub S) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexLocked(sub) >= 0
}

// Subscribers returns a copy of the list in subscription order.
func (f *FanOut[S, M]) Subscribers() []S {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]S(nil), f.subs...)
}

// Len reports the number of subscribers.
func (f *FanOut[S, M]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dispatch implements Router.
func (f *FanOut[S, M]) Dispatch(msg M) {
	f.Publish(msg)
}

// Publish sends msg to every subscriber in order and returns the ones that
// were pruned. Sends run outside the lock against a snapshot, so a slow
// subscriber never blocks Subscribe or Unsubscribe.
func (f *FanOut[S, M]) Publish(msg M) []S {
	subs := f.Subscribers()

	type failure struct {
		sub S
		err error
	}
	var dead []failure
	for _, sub := range subs {
		if err := f.send(sub, msg); err != nil {
			dead = append(dead, failure{sub, err})
		}
	}
	if len(dead) == 0 {
		return nil
	}

	pruned := make([]S, 0, len(dead))
	f.mu.Lock()
	for i := 0; i < len(dead); {
		if f.removeLocked(dead[i].sub) {
			pruned = append(pruned, dead[i].sub)
			i++
			continue
		}
		// Already unsubscribed by someone else mid-sweep.
		dead = append(dead[:i], dead[i+1:]...)
	}
	f.mu.Unlock()

	if f.onPrune != nil {
		for _, d := range dead {
			f.onPrune(d.sub, d.err)
		}
	}
	return pruned
}

func (f *FanOut[S, M]) indexLocked(sub S) int {
	for i, s := range f.subs {
		if s == sub {
			return i
		}
	}
	return -1
}

func (f *FanOut[S, M]) removeLocked(sub S) bool {
	i := f.indexLocked(sub)
	if i < 0 {
		return false
	}
	f.subs = append(f.subs[:i], f.subs[i+1:]...)
	return true
}
