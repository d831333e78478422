// Package engine connects to the wallet engine: an opaque process reachable
// only through a send primitive and a single message callback.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyStarted is returned when Start is called on an adapter that
	// has already been started. The engine owns process-wide state, so a
	// second start is a configuration error, not something to retry.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrStopped is returned by Send after the engine exited or was closed.
	ErrStopped = errors.New("engine stopped")
)

// Adapter is the engine's two-primitive surface.
//
// OnMessage must be registered before Start. The callback is invoked once
// per engine message, in engine order, from a single goroutine.
type Adapter interface {
	Start(ctx context.Context) error
	Send(text string) error
	OnMessage(fn func(text string))
	// Done is closed once the engine has exited, whether it crashed or was
	// closed. Every message it produced has been passed to OnMessage by then.
	Done() <-chan struct{}
	Close() error
}
