// Package enginetest provides an in-memory wallet engine for tests.
//
// Requests with a registered handler are answered immediately; everything
// else is published on Requests for the test to answer by hand with
// Respond, Fail or Emit. Output is delivered from one goroutine in the
// order it was produced, like a real engine.
package enginetest

import (
	"context"
	"sync"

	"github.com/rexliu/walletbridge/pkg/engine"
	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

// HandlerFunc answers one request with a result or an error.
type HandlerFunc func(req envelope.Request) (any, *taxonomy.ErrorInfo)

// DefaultVersion is what the built-in init handler reports.
var DefaultVersion = wallet.VersionInfo{
	ImplementationSemver: "0.13.4",
	Version:              "36:0:0",
	Exchange:             "21:0:0",
	Merchant:             "5:0:0",
	Bank:                 "1:0:0",
}

// Engine is a fake engine.Adapter.
type Engine struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	onMessage func(string)
	handlers  map[string]HandlerFunc
	sendErr   error
	sent      []envelope.Request

	requests chan envelope.Request
	out      chan string
	done     chan struct{}
	flush    bool
	exited   chan struct{}
	exitOnce sync.Once
	wg       sync.WaitGroup
}

var _ engine.Adapter = (*Engine)(nil)

// New returns a fake engine that answers init with DefaultVersion.
func New() *Engine {
	e := &Engine{
		handlers: make(map[string]HandlerFunc),
		requests: make(chan envelope.Request, 128),
		out:      make(chan string, 1024),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	e.HandleFunc(wallet.OpInit, func(envelope.Request) (any, *taxonomy.ErrorInfo) {
		return wallet.InitResponse{VersionInfo: DefaultVersion}, nil
	})
	return e
}

// HandleFunc answers op automatically. A nil fn removes the handler so the
// request is published on Requests instead.
func (e *Engine) HandleFunc(op string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.handlers, op)
		return
	}
	e.handlers[op] = fn
}

// FailSends makes every following Send return err. Pass nil to recover.
func (e *Engine) FailSends(err error) {
	e.mu.Lock()
	e.sendErr = err
	e.mu.Unlock()
}

// OnMessage implements engine.Adapter.
func (e *Engine) OnMessage(fn func(string)) {
	e.mu.Lock()
	e.onMessage = fn
	e.mu.Unlock()
}

// Start implements engine.Adapter.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return engine.ErrAlreadyStarted
	}
	if e.closed {
		return engine.ErrStopped
	}
	e.started = true
	deliver := e.onMessage
	e.wg.Add(1)
	go e.deliverLoop(deliver)
	return nil
}

// Send implements engine.Adapter.
func (e *Engine) Send(text string) error {
	e.mu.Lock()
	switch {
	case !e.started:
		e.mu.Unlock()
		return engine.ErrNotStarted
	case e.closed:
		e.mu.Unlock()
		return engine.ErrStopped
	case e.sendErr != nil:
		err := e.sendErr
		e.mu.Unlock()
		return err
	}
	req, err := envelope.DecodeRequest(text)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.sent = append(e.sent, req)
	handler := e.handlers[req.Operation]
	e.mu.Unlock()

	if handler == nil {
		e.requests <- req
		return nil
	}
	result, info := handler(req)
	if info != nil {
		e.Fail(req.ID, req.Operation, info)
	} else {
		e.Respond(req.ID, req.Operation, result)
	}
	return nil
}

// Close implements engine.Adapter. Queued output is discarded.
func (e *Engine) Close() error {
	e.stop(false)
	return nil
}

// Exit simulates the engine process dying: output already queued is still
// delivered, then Done is closed and Send fails with engine.ErrStopped.
func (e *Engine) Exit() {
	e.stop(true)
}

// Done implements engine.Adapter.
func (e *Engine) Done() <-chan struct{} {
	return e.exited
}

func (e *Engine) stop(flush bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.closed = true
	e.flush = flush
	close(e.done)
	e.mu.Unlock()
	e.wg.Wait()
	e.exitOnce.Do(func() { close(e.exited) })
}

// Requests yields requests that no handler answered.
func (e *Engine) Requests() <-chan envelope.Request {
	return e.requests
}

// Sent returns every request received so far.
func (e *Engine) Sent() []envelope.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]envelope.Request(nil), e.sent...)
}

// Respond emits a success reply.
func (e *Engine) Respond(id int64, op string, result any) {
	text, err := envelope.EncodeSuccess(id, op, result)
	if err != nil {
		panic(err)
	}
	e.Emit(text)
}

// Fail emits an error reply.
func (e *Engine) Fail(id int64, op string, info *taxonomy.ErrorInfo) {
	text, err := envelope.EncodeFailure(id, op, info)
	if err != nil {
		panic(err)
	}
	e.Emit(text)
}

// Notify emits a notification of the given kind with extra payload fields.
func (e *Engine) Notify(kind string, fields map[string]any) {
	payload := map[string]any{"type": kind}
	for k, v := range fields {
		payload[k] = v
	}
	text, err := envelope.EncodeNotification(payload)
	if err != nil {
		panic(err)
	}
	e.Emit(text)
}

// Emit queues raw engine output, valid or not.
func (e *Engine) Emit(text string) {
	select {
	case e.out <- text:
	case <-e.done:
	}
}

func (e *Engine) deliverLoop(deliver func(string)) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			e.mu.Lock()
			flush := e.flush
			e.mu.Unlock()
			if flush {
				e.drain(deliver)
			}
			return
		case text := <-e.out:
			if deliver != nil {
				deliver(text)
			}
		}
	}
}

func (e *Engine) drain(deliver func(string)) {
	for {
		select {
		case text := <-e.out:
			if deliver != nil {
				deliver(text)
			}
		default:
			return
		}
	}
}
