// Package bridge lets many goroutines call a single-channel wallet engine
// concurrently. Each call is tagged with a fresh id, and the engine's
// replies, which may arrive in any order, are handed back to exactly the
// goroutine that issued the matching request.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/walletbridge/pkg/correlator"
	"github.com/rexliu/walletbridge/pkg/engine"
	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/notify"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

// ErrClosed is reported to calls made on, or outstanding at, Close.
var ErrClosed = errors.New("bridge closed")

// errUnknownReply marks a reply for an id with no outstanding call.
var errUnknownReply = errors.New("reply for unknown request id")

type pendingCall struct {
	operation string
	reply     chan envelope.Reply
}

// Bridge is the client façade over one engine.
type Bridge struct {
	adapter     engine.Adapter
	inbox       *engine.Inbox
	pending     *correlator.Correlator[*pendingCall]
	router      notify.Router[envelope.Notification]
	logger      *slog.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	onViolation func(raw string, err error)
	initArgs    wallet.InitArgs
	inboxSize   int

	mu      sync.Mutex
	started bool
	closed  bool
	stopRun context.CancelFunc

	ready    chan struct{}
	initErr  *taxonomy.ErrorInfo
	initRaw  json.RawMessage
	version  wallet.VersionInfo
	closedCh chan struct{}

	// stopped is closed once the engine has exited on its own.
	stopped  chan struct{}
	stopOnce sync.Once

	violations atomic.Int64
}

// New wraps adapter. The adapter must not have been started; Start does
// that and runs the bootstrap call.
func New(adapter engine.Adapter, opts ...Option) *Bridge {
	b := &Bridge{
		adapter:  adapter,
		pending:  correlator.New[*pendingCall](),
		router:   notify.Discard[envelope.Notification]{},
		logger:   slog.Default(),
		initArgs: wallet.InitArgs{PersistentStoragePath: wallet.InMemoryStorage, LogLevel: "INFO"},
		ready:    make(chan struct{}),
		closedCh: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	b.inbox = engine.NewInbox(inbound{b}, b.inboxSize)
	return b
}

// Start launches the engine and runs the init bootstrap. Calls made while
// bootstrap is in flight wait for it. A second Start returns
// engine.ErrAlreadyStarted.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.initArgs.Validate(); err != nil {
		return fmt.Errorf("bootstrap args: %w", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	b.stopRun = cancel
	b.mu.Unlock()

	b.adapter.OnMessage(b.inbox.Push)
	go b.inbox.Run(runCtx)
	if err := b.adapter.Start(ctx); err != nil {
		b.finishBootstrap(nil, taxonomy.ClientInternal(err))
		return fmt.Errorf("start engine: %w", err)
	}
	go b.watchEngine(runCtx)

	raw, info := b.roundTrip(ctx, wallet.OpInit, b.initArgs)
	b.finishBootstrap(raw, info)
	if b.initErr != nil {
		return fmt.Errorf("bootstrap: %w", b.initErr)
	}
	b.logger.Info("engine ready",
		"version", b.version.Version,
		"implementation", b.version.ImplementationSemver,
	)
	return nil
}

func (b *Bridge) finishBootstrap(raw json.RawMessage, info *taxonomy.ErrorInfo) {
	if info == nil {
		var resp wallet.InitResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			info = taxonomy.DecodeFailure(err)
		} else if resp.VersionInfo.Empty() {
			info = taxonomy.New(taxonomy.GenericInvalidResponse, "init result carries no versionInfo")
		} else {
			b.version = resp.VersionInfo
			b.initRaw = raw
		}
	}
	b.initErr = info
	close(b.ready)
}

// CallRaw issues operation with args and waits for its reply. It never
// panics on engine behaviour: every outcome is either a result or an
// ErrorInfo.
//
// Calls made before Start fail immediately. Calls made during bootstrap
// wait for it, and fail with the bootstrap error if it failed. The init
// operation itself is answered from the bootstrap result; the engine is
// only ever initialised once.
func (b *Bridge) CallRaw(ctx context.Context, operation string, args any) (json.RawMessage, *taxonomy.ErrorInfo) {
	b.mu.Lock()
	started, closed := b.started, b.closed
	b.mu.Unlock()
	switch {
	case closed:
		return nil, taxonomy.ClientInternal(ErrClosed)
	case !started:
		return nil, taxonomy.ClientInternal(engine.ErrNotStarted)
	}

	select {
	case <-b.ready:
	case <-b.closedCh:
		return nil, taxonomy.ClientInternal(ErrClosed)
	case <-b.stopped:
		return nil, taxonomy.ClientInternal(engine.ErrStopped)
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
	if b.initErr != nil {
		return nil, b.initErr
	}
	if operation == wallet.OpInit {
		return b.initRaw, nil
	}
	return b.roundTrip(ctx, operation, args)
}

func (b *Bridge) roundTrip(ctx context.Context, operation string, args any) (json.RawMessage, *taxonomy.ErrorInfo) {
	started := time.Now()
	raw, info := b.exchange(ctx, operation, args)
	b.metrics.ObserveCall(operation, outcome(info), time.Since(started))
	b.metrics.SetPending(b.pending.Len())
	if info != nil {
		b.logger.Debug("call failed", "operation", operation, "code", info.Code.Name(), "latency_ms", time.Since(started).Milliseconds())
	} else {
		b.logger.Debug("call", "operation", operation, "latency_ms", time.Since(started).Milliseconds())
	}
	return raw, info
}

func (b *Bridge) exchange(ctx context.Context, operation string, args any) (json.RawMessage, *taxonomy.ErrorInfo) {
	rawArgs, err := envelope.MarshalArgs(args)
	if err != nil {
		return nil, taxonomy.ClientInternal(fmt.Errorf("encode %s args: %w", operation, err))
	}
	if b.callTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > b.callTimeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
			defer cancel()
		}
	}

	call := &pendingCall{operation: operation, reply: make(chan envelope.Reply, 1)}
	id := b.pending.Register(call)
	text, err := envelope.EncodeRequest(envelope.Request{ID: id, Operation: operation, Args: rawArgs})
	if err != nil {
		b.pending.Remove(id)
		return nil, taxonomy.ClientInternal(err)
	}
	if err := b.adapter.Send(text); err != nil {
		b.pending.Remove(id)
		return nil, taxonomy.ClientInternal(err)
	}

	select {
	case reply := <-call.reply:
		return replyResult(reply)
	case <-ctx.Done():
		if _, ok := b.pending.Remove(id); !ok {
			// Completed by the receive loop, or drained by Close or by the
			// engine exiting.
			return b.settle(call)
		}
		b.logger.Warn("call abandoned", "operation", operation, "id", id, "err", ctx.Err())
		return nil, contextError(ctx.Err())
	case <-b.closedCh:
		return nil, taxonomy.ClientInternal(ErrClosed)
	case <-b.stopped:
		return b.settle(call)
	}
}

// settle waits for the outcome of a call that is no longer pending. A
// buffered reply wins over shutdown.
func (b *Bridge) settle(call *pendingCall) (json.RawMessage, *taxonomy.ErrorInfo) {
	select {
	case reply := <-call.reply:
		return replyResult(reply)
	default:
	}
	select {
	case reply := <-call.reply:
		return replyResult(reply)
	case <-b.closedCh:
		return nil, taxonomy.ClientInternal(ErrClosed)
	case <-b.stopped:
		return nil, taxonomy.ClientInternal(engine.ErrStopped)
	}
}

// watchEngine fails outstanding calls once the engine exits. The failure is
// queued behind the engine's last messages so their replies still land.
func (b *Bridge) watchEngine(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-b.adapter.Done():
	}
	b.inbox.Barrier(func() {
		b.stopOnce.Do(func() { close(b.stopped) })
		n := len(b.pending.Drain())
		b.metrics.SetPending(0)
		b.logger.Error("engine exited", "pending", n)
	})
}

func replyResult(reply envelope.Reply) (json.RawMessage, *taxonomy.ErrorInfo) {
	if reply.Failed() {
		return nil, reply.ErrorInfo()
	}
	return reply.Result, nil
}

func contextError(err error) *taxonomy.ErrorInfo {
	if errors.Is(err, context.DeadlineExceeded) {
		return taxonomy.New(taxonomy.GenericTimeout, "no reply from wallet engine before deadline")
	}
	return taxonomy.ClientInternal(err)
}

func outcome(info *taxonomy.ErrorInfo) string {
	switch {
	case info == nil:
		return metrics.OutcomeOK
	case info.Code == taxonomy.GenericTimeout:
		return metrics.OutcomeTimeout
	case info.Code == taxonomy.GenericClientInternalError || info.Code == taxonomy.None:
		return metrics.OutcomeClient
	}
	return metrics.OutcomeError
}

// VersionInfo returns the engine version reported at bootstrap. ok is false
// until bootstrap has succeeded.
func (b *Bridge) VersionInfo() (wallet.VersionInfo, bool) {
	select {
	case <-b.ready:
		return b.version, b.initErr == nil
	default:
		return wallet.VersionInfo{}, false
	}
}

// Ready is closed once bootstrap has finished, successfully or not.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Degraded reports whether any protocol violation has been seen. Bridge and
// engine may be out of sync once this is true.
func (b *Bridge) Degraded() bool {
	return b.violations.Load() > 0
}

// Violations returns the number of protocol violations seen.
func (b *Bridge) Violations() int64 {
	return b.violations.Load()
}

// Pending returns the number of calls waiting for a reply.
func (b *Bridge) Pending() int {
	return b.pending.Len()
}

// Close stops the engine. Outstanding calls resolve with a client-internal
// error.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stop := b.stopRun
	started := b.started
	b.mu.Unlock()

	close(b.closedCh)
	b.inbox.Close()
	if stop != nil {
		stop()
	}
	if n := len(b.pending.Drain()); n > 0 {
		b.logger.Info("closing with calls outstanding", "pending", n)
	}
	b.metrics.SetPending(0)
	if !started {
		return nil
	}
	return b.adapter.Close()
}

// inbound receives classified engine messages from the Inbox.
type inbound struct {
	b *Bridge
}

func (h inbound) HandleReply(reply envelope.Reply) {
	b := h.b
	call, ok := b.pending.Complete(reply.ID)
	if !ok {
		b.logger.Warn("reply for unknown request id", "id", reply.ID, "operation", reply.Operation)
		b.violation(fmt.Sprintf("reply %d (%s)", reply.ID, reply.Operation), errUnknownReply)
		return
	}
	if call.operation != reply.Operation {
		b.logger.Warn("reply operation mismatch", "id", reply.ID, "want", call.operation, "got", reply.Operation)
	}
	call.reply <- reply
}

func (h inbound) HandleNotification(n envelope.Notification) {
	h.b.metrics.Notification(n.Type)
	h.b.router.Dispatch(n)
}

func (h inbound) HandleViolation(raw string, err error) {
	h.b.logger.Error("protocol violation", "err", err, "message", truncate(raw, 256))
	h.b.violation(raw, err)
}

func (b *Bridge) violation(raw string, err error) {
	b.violations.Add(1)
	b.metrics.Violation()
	if b.onViolation != nil {
		b.onViolation(raw, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
