// Package relay shares one wallet engine between many socket clients.
//
// Each client numbers its own requests. The relay rewrites those numbers to
// engine-wide service ids and keeps a side table from service id back to
// the originating connection, so replies find their way home even though
// every client started counting at 1.
package relay

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
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/notify"
	"github.com/rexliu/walletbridge/pkg/storage/sqlite"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

// ErrClosed is reported to requests outstanding when the relay closes.
var ErrClosed = errors.New("relay closed")

// DefaultRetain is the in-memory history depth used when Options.Retain
// is zero.
const DefaultRetain = 1000

const pruneEvery = 100

// Journal persists relayed notifications. *sqlite.Store implements it.
type Journal interface {
	Append(ctx context.Context, seq int64, kind string, payload json.RawMessage) error
	Since(ctx context.Context, cursor int64) ([]sqlite.Entry, error)
	Prune(ctx context.Context, retain int) (int64, error)
	LastSeq(ctx context.Context) (int64, error)
}

// Options configures a Relay.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Journal is optional. Without it catch-up is served from memory and
	// does not survive a restart.
	Journal Journal
	// Retain bounds both the in-memory history and the journal.
	Retain int
	// CallTimeout answers a forwarded request with GENERIC_TIMEOUT when the
	// engine has not replied in time. Zero waits forever.
	CallTimeout time.Duration
	InitArgs    wallet.InitArgs
	InboxSize   int
}

// route is one side-table entry. A route with a nil conn belongs to the
// relay itself and is completed through local.
type route struct {
	conn     *ipc.Conn
	request  ipc.Request
	traceID  string
	started  time.Time
	deadline time.Time
	local    chan envelope.Reply
}

// Relay forwards client requests to the engine and fans notifications out
// to subscribed clients.
type Relay struct {
	adapter engine.Adapter
	inbox   *engine.Inbox
	routes  *correlator.Correlator[*route]
	subs    *notify.FanOut[*ipc.Conn, ipc.Notification]
	journal Journal
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	mu      sync.Mutex
	started bool
	closed  bool
	stop    context.CancelFunc

	ready   chan struct{}
	initRaw json.RawMessage
	initErr *taxonomy.ErrorInfo
	version wallet.VersionInfo

	// stopped is closed once the engine has exited on its own.
	stopped  chan struct{}
	stopOnce sync.Once

	// notifyMu orders seq assignment, history and subscriber changes so a
	// subscriber sees every notification exactly once. Publishing only
	// queues on each connection, so the lock is never held across a socket
	// write. seq is written under notifyMu but may be read without it.
	notifyMu sync.Mutex
	seq      atomic.Int64
	history  []ipc.Notification

	violations atomic.Int64
	wg         sync.WaitGroup
}

var _ ipc.Forwarder = (*Relay)(nil)

// New builds a relay in front of adapter.
func New(adapter engine.Adapter, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.InitArgs.PersistentStoragePath == "" {
		opts.InitArgs.PersistentStoragePath = wallet.InMemoryStorage
	}
	if opts.InitArgs.LogLevel == "" {
		opts.InitArgs.LogLevel = "INFO"
	}
	r := &Relay{
		adapter: adapter,
		routes:  correlator.New[*route](),
		journal: opts.Journal,
		logger:  logger.With("component", "relay"),
		metrics: opts.Metrics,
		opts:    opts,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	r.subs = notify.NewFanOut(
		func(c *ipc.Conn, n ipc.Notification) error { return c.Send(n) },
		notify.WithPruneHook[*ipc.Conn, ipc.Notification](func(c *ipc.Conn, err error) {
			if errors.Is(err, ipc.ErrSlowConsumer) {
				r.logger.Warn("dropping subscriber that stopped reading", "conn", c.ID())
				return
			}
			r.logger.Debug("dropping dead subscriber", "conn", c.ID(), "err", err)
		}),
	)
	r.inbox = engine.NewInbox(inbound{r}, opts.InboxSize)
	return r
}

// Start launches the engine and initialises it once. Clients asking for
// init later get this bootstrap's result.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.opts.InitArgs.Validate(); err != nil {
		return fmt.Errorf("bootstrap args: %w", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	r.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	r.mu.Unlock()

	if r.journal != nil {
		last, err := r.journal.LastSeq(ctx)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		r.seq.Store(last)
	}

	r.adapter.OnMessage(r.inbox.Push)
	go r.inbox.Run(runCtx)
	if r.opts.CallTimeout > 0 {
		r.wg.Add(1)
		go r.expireLoop(runCtx)
	}
	if err := r.adapter.Start(ctx); err != nil {
		r.finishBootstrap(nil, taxonomy.ClientInternal(err))
		return fmt.Errorf("start engine: %w", err)
	}
	r.wg.Add(1)
	go r.watchEngine(runCtx)

	raw, info := r.bootstrap(ctx)
	r.finishBootstrap(raw, info)
	if r.initErr != nil {
		return fmt.Errorf("bootstrap: %w", r.initErr)
	}
	r.logger.Info("engine ready", "seq", r.Seq())
	return nil
}

func (r *Relay) bootstrap(ctx context.Context) (json.RawMessage, *taxonomy.ErrorInfo) {
	args, err := envelope.MarshalArgs(r.opts.InitArgs)
	if err != nil {
		return nil, taxonomy.ClientInternal(err)
	}
	rt := &route{
		request: ipc.Request{Operation: wallet.OpInit, Args: args},
		started: time.Now(),
		local:   make(chan envelope.Reply, 1),
	}
	sid, info := r.send(rt)
	if info != nil {
		return nil, info
	}
	select {
	case reply := <-rt.local:
		if reply.Failed() {
			return nil, reply.ErrorInfo()
		}
		return reply.Result, nil
	case <-r.stopped:
		return nil, taxonomy.ClientInternal(engine.ErrStopped)
	case <-ctx.Done():
		r.routes.Remove(sid)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, taxonomy.New(taxonomy.GenericTimeout, "no init reply from wallet engine")
		}
		return nil, taxonomy.ClientInternal(ctx.Err())
	}
}

func (r *Relay) finishBootstrap(raw json.RawMessage, info *taxonomy.ErrorInfo) {
	if info == nil {
		var resp wallet.InitResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			info = taxonomy.DecodeFailure(err)
		} else if resp.VersionInfo.Empty() {
			info = taxonomy.New(taxonomy.GenericInvalidResponse, "init result carries no versionInfo")
		} else {
			r.initRaw = raw
			r.version = resp.VersionInfo
		}
	}
	r.initErr = info
	close(r.ready)
}

// Register installs the relay's built-in operations on srv.
func (r *Relay) Register(srv *ipc.Server) {
	srv.Register(ipc.OpPing, r.handlePing)
	srv.Register(ipc.OpSubscribe, r.handleSubscribe)
	srv.Register(ipc.OpUnsubscribe, r.handleUnsubscribe)
	srv.Register(wallet.OpInit, r.handleInit)
}

// Forward implements ipc.Forwarder. It never blocks on the engine; the
// reply is queued on conn when it arrives.
func (r *Relay) Forward(_ context.Context, conn *ipc.Conn, req ipc.Request) {
	traceID := wallet.NewTraceID()
	if err := wallet.ValidateOperation(req.Operation); err != nil {
		r.reply(conn, ipc.NewError(req, taxonomy.New(taxonomy.WalletCoreAPIOperationUnknown, err.Error()), traceID))
		return
	}
	select {
	case <-r.ready:
	default:
		r.reply(conn, ipc.NewError(req, taxonomy.ClientInternal(engine.ErrNotStarted), traceID))
		return
	}
	if r.initErr != nil {
		r.reply(conn, ipc.NewError(req, r.initErr, traceID))
		return
	}

	now := time.Now()
	rt := &route{conn: conn, request: req, traceID: traceID, started: now}
	if r.opts.CallTimeout > 0 {
		rt.deadline = now.Add(r.opts.CallTimeout)
	}
	sid, info := r.send(rt)
	if info != nil {
		r.metrics.ObserveCall(req.Operation, metrics.OutcomeClient, time.Since(now))
		r.reply(conn, ipc.NewError(req, info, traceID))
		return
	}
	r.logger.Debug("forwarded",
		"conn", conn.ID(),
		"request_id", req.RequestID,
		"service_id", sid,
		"operation", req.Operation,
		"trace_id", traceID,
	)
}

// send registers rt under a fresh service id and writes the rewritten
// request to the engine.
func (r *Relay) send(rt *route) (int64, *taxonomy.ErrorInfo) {
	sid := r.routes.Register(rt)
	r.metrics.SetPending(r.routes.Len())
	text, err := envelope.EncodeRequest(envelope.Request{
		ID:        sid,
		Operation: rt.request.Operation,
		Args:      rt.request.Args,
	})
	if err == nil {
		err = r.adapter.Send(text)
	}
	if err != nil {
		r.routes.Remove(sid)
		r.metrics.SetPending(r.routes.Len())
		return sid, taxonomy.ClientInternal(err)
	}
	return sid, nil
}

// Disconnected implements ipc.Forwarder. Routes of the departed client are
// dropped, so late engine replies for them are logged as orphans.
func (r *Relay) Disconnected(conn *ipc.Conn) {
	r.notifyMu.Lock()
	if r.subs.Unsubscribe(conn) {
		r.metrics.SetSubscribers(r.subs.Len())
	}
	r.notifyMu.Unlock()
	dropped := r.routes.RemoveIf(func(_ int64, rt *route) bool { return rt.conn == conn })
	if len(dropped) > 0 {
		r.logger.Info("client left with requests in flight", "conn", conn.ID(), "dropped", len(dropped))
		r.metrics.SetPending(r.routes.Len())
	}
}

func (r *Relay) expireLoop(ctx context.Context) {
	defer r.wg.Done()
	tick := r.opts.CallTimeout / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

// expire answers every route whose deadline has passed with a timeout.
func (r *Relay) expire(now time.Time) {
	var expired []*route
	r.routes.RemoveIf(func(_ int64, rt *route) bool {
		if rt.conn == nil || rt.deadline.IsZero() || now.Before(rt.deadline) {
			return false
		}
		expired = append(expired, rt)
		return true
	})
	if len(expired) == 0 {
		return
	}
	r.metrics.SetPending(r.routes.Len())
	for _, rt := range expired {
		info := taxonomy.New(taxonomy.GenericTimeout, "no reply from wallet engine before deadline")
		r.metrics.ObserveCall(rt.request.Operation, metrics.OutcomeTimeout, now.Sub(rt.started))
		r.logger.Warn("request timed out",
			"conn", rt.conn.ID(),
			"request_id", rt.request.RequestID,
			"operation", rt.request.Operation,
			"trace_id", rt.traceID,
		)
		r.reply(rt.conn, ipc.NewError(rt.request, info, rt.traceID))
	}
}

// watchEngine answers every outstanding request once the engine exits. It
// runs behind the engine's last messages so their replies are routed first.
func (r *Relay) watchEngine(ctx context.Context) {
	defer r.wg.Done()
	select {
	case <-ctx.Done():
		return
	case <-r.adapter.Done():
	}
	r.inbox.Barrier(r.engineStopped)
}

func (r *Relay) engineStopped() {
	r.stopOnce.Do(func() { close(r.stopped) })
	routes := r.routes.Drain()
	r.metrics.SetPending(0)
	r.logger.Error("engine exited", "pending", len(routes))
	for _, rt := range routes {
		if rt.conn != nil {
			r.metrics.ObserveCall(rt.request.Operation, metrics.OutcomeClient, time.Since(rt.started))
			r.reply(rt.conn, ipc.NewError(rt.request, taxonomy.ClientInternal(engine.ErrStopped), rt.traceID))
		}
	}
}

// Stopped is closed once the engine has exited on its own.
func (r *Relay) Stopped() <-chan struct{} {
	return r.stopped
}

func (r *Relay) reply(conn *ipc.Conn, resp ipc.Response) {
	if err := conn.Send(resp); err != nil {
		r.logger.Debug("reply not delivered", "conn", conn.ID(), "request_id", resp.RequestID, "err", err)
	}
}

// VersionInfo returns the engine version reported at bootstrap. ok is false
// until bootstrap has succeeded.
func (r *Relay) VersionInfo() (wallet.VersionInfo, bool) {
	select {
	case <-r.ready:
		return r.version, r.initErr == nil
	default:
		return wallet.VersionInfo{}, false
	}
}

// Seq returns the seq of the latest notification.
func (r *Relay) Seq() int64 {
	return r.seq.Load()
}

// Pending returns the number of requests waiting for the engine.
func (r *Relay) Pending() int {
	return r.routes.Len()
}

// Subscribers returns the number of subscribed clients.
func (r *Relay) Subscribers() int {
	return r.subs.Len()
}

// Degraded reports whether the engine has sent anything undecodable.
func (r *Relay) Degraded() bool {
	return r.violations.Load() > 0
}

// Close answers every outstanding request with a client-internal error and
// stops the engine.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop, started := r.stop, r.started
	r.mu.Unlock()

	r.inbox.Close()
	if stop != nil {
		stop()
	}
	r.wg.Wait()
	for _, rt := range r.routes.Drain() {
		if rt.conn != nil {
			r.reply(rt.conn, ipc.NewError(rt.request, taxonomy.ClientInternal(ErrClosed), rt.traceID))
		}
	}
	r.metrics.SetPending(0)
	if !started {
		return nil
	}
	return r.adapter.Close()
}

type inbound struct {
	r *Relay
}

func (h inbound) HandleReply(reply envelope.Reply) {
	r := h.r
	rt, ok := r.routes.Complete(reply.ID)
	if !ok {
		r.logger.Warn("orphaned reply", "service_id", reply.ID, "operation", reply.Operation)
		r.metrics.Orphaned()
		return
	}
	r.metrics.SetPending(r.routes.Len())
	if rt.local != nil {
		rt.local <- reply
		return
	}

	var resp ipc.Response
	outcome := metrics.OutcomeOK
	if reply.Failed() {
		outcome = metrics.OutcomeError
		resp = ipc.Response{
			Kind:      ipc.KindResponse,
			RequestID: rt.request.RequestID,
			IsError:   true,
			Operation: rt.request.Operation,
			Response:  reply.Error,
			TraceID:   rt.traceID,
		}
	} else {
		resp = ipc.NewResult(rt.request, reply.Result, rt.traceID)
	}
	r.metrics.ObserveCall(rt.request.Operation, outcome, time.Since(rt.started))
	r.reply(rt.conn, resp)
}

func (h inbound) HandleNotification(n envelope.Notification) {
	r := h.r
	r.metrics.Notification(n.Type)

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	msg := ipc.Notification{Kind: ipc.KindNotification, Seq: r.seq.Add(1), Notification: n.Payload}
	r.history = append(r.history, msg)
	if over := len(r.history) - r.opts.Retain; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
	if r.journal != nil {
		r.record(msg.Seq, n)
	}
	if pruned := r.subs.Publish(msg); len(pruned) > 0 {
		r.metrics.SetSubscribers(r.subs.Len())
	}
}

func (r *Relay) record(seq int64, n envelope.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.journal.Append(ctx, seq, n.Type, n.Payload); err != nil {
		r.logger.Error("journal append failed", "seq", seq, "err", err)
		return
	}
	if seq%pruneEvery == 0 {
		if _, err := r.journal.Prune(ctx, r.opts.Retain); err != nil {
			r.logger.Warn("journal prune failed", "err", err)
		}
	}
}

func (h inbound) HandleViolation(raw string, err error) {
	r := h.r
	r.violations.Add(1)
	r.metrics.Violation()
	if len(raw) > 256 {
		raw = raw[:256] + "..."
	}
	r.logger.Error("protocol violation", "err", err, "message", raw)
}
