package engine

import (
	"context"
	"sync"

	"github.com/rexliu/walletbridge/pkg/envelope"
)

// DefaultInboxSize is the queue depth used when NewInbox is given zero.
const DefaultInboxSize = 256

// Handler receives classified engine messages from an Inbox. All calls come
// from the Inbox's single receive goroutine.
type Handler interface {
	HandleReply(reply envelope.Reply)
	HandleNotification(n envelope.Notification)
	// HandleViolation is called for a message that could not be decoded.
	HandleViolation(raw string, err error)
}

// Inbox turns the adapter's message callback into a queue drained by one
// receive loop, which decodes each message and hands it to a Handler.
type Inbox struct {
	handler Handler
	queue   chan item

	done      chan struct{}
	closeOnce sync.Once
}

// NewInbox returns an Inbox feeding handler. Push blocks once size messages
// are waiting, which pushes back on the engine reader.
func NewInbox(handler Handler, size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		handler: handler,
		queue:   make(chan item, size),
		done:    make(chan struct{}),
	}
}

// item is a raw message or, when fn is set, a barrier.
type item struct {
	text string
	fn   func()
}

// Push enqueues one raw engine message. It is the callback given to
// Adapter.OnMessage. Messages pushed after Close are dropped.
func (in *Inbox) Push(text string) {
	in.enqueue(item{text: text})
}

// Barrier runs fn on the receive goroutine after every message pushed
// before it has been handled. fn never runs if the Inbox is closed first.
func (in *Inbox) Barrier(fn func()) {
	in.enqueue(item{fn: fn})
}

func (in *Inbox) enqueue(it item) {
	select {
	case in.queue <- it:
	case <-in.done:
	}
}

// Run drains the queue until ctx is cancelled or Close is called.
func (in *Inbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			return
		case it := <-in.queue:
			if it.fn != nil {
				it.fn()
				continue
			}
			in.deliver(it.text)
		}
	}
}

// Close stops Run and releases blocked Push calls.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() { close(in.done) })
}

func (in *Inbox) deliver(text string) {
	msg, err := envelope.Decode(text)
	if err != nil {
		in.handler.HandleViolation(text, err)
		return
	}
	switch m := msg.(type) {
	case envelope.Reply:
		in.handler.HandleReply(m)
	case envelope.Notification:
		in.handler.HandleNotification(m)
	}
}
