package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

// HandlerFunc serves an operation inside the server. It runs on the
// connection's read goroutine, so it must not block for long.
type HandlerFunc func(ctx context.Context, conn *Conn, args json.RawMessage) (any, *taxonomy.ErrorInfo)

// Forwarder takes every request no handler is registered for. Forward must
// not block; the reply is sent on conn later.
type Forwarder interface {
	Forward(ctx context.Context, conn *Conn, req Request)
	// Disconnected is called once per connection after it closes.
	Disconnected(conn *Conn)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// RateLimit is the sustained requests per second allowed per
	// connection. Zero disables limiting.
	RateLimit    float64
	Burst        int
	WriteTimeout time.Duration
	// SendQueue bounds the writes waiting for a client. A client that lets
	// it fill is disconnected. Zero means DefaultSendQueue.
	SendQueue int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Server listens for relay clients over a Unix socket.
type Server struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    map[*Conn]struct{}
	closed   bool
	fwd      Forwarder
	opts     ServerOptions
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewServer constructs a server. fwd may be nil, in which case only
// registered handlers are served.
func NewServer(fwd Forwarder, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*Conn]struct{}),
		fwd:      fwd,
		opts:     opts,
		logger:   logger.With("component", "ipc"),
	}
}

// Register installs a handler for an operation.
func (s *Server) Register(operation string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = handler
}

// Start begins accepting connections on endpoint.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("nil server")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logger.Warn("accept error", "err", err)
			continue
		}
		conn := newConn(nc, s.opts.WriteTimeout, s.opts.SendQueue, s.slowConsumer)
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) slowConsumer(conn *Conn) {
	s.opts.Metrics.SlowConsumer()
	s.logger.Warn("client not reading, disconnecting", "conn", conn.ID())
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(ctx context.Context, conn *Conn) {
	defer s.wg.Done()
	logger := s.logger.With("conn", conn.ID())
	logger.Debug("client connected")
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if s.fwd != nil {
			s.fwd.Disconnected(conn)
		}
		logger.Debug("client disconnected")
	}()

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		burst := s.opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
	}

	for {
		payload, err := readFrame(conn.nc)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.writeError(conn, req, taxonomy.New(taxonomy.GenericJSONInvalid, err.Error()))
			continue
		}
		if req.Operation == "" {
			s.writeError(conn, req, taxonomy.New(taxonomy.GenericParameterMissing, "operation required"))
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.opts.Metrics.Throttled()
			logger.Warn("request throttled", "request_id", req.RequestID, "operation", req.Operation)
			s.writeError(conn, req, taxonomy.New(taxonomy.WalletHTTPRequestThrottled, "rate limit exceeded"))
			continue
		}
		if handler := s.lookupHandler(req.Operation); handler != nil {
			s.serveLocal(ctx, conn, req, handler, logger)
			continue
		}
		if s.fwd == nil {
			s.writeError(conn, req, taxonomy.Errorf(taxonomy.WalletCoreAPIOperationUnknown, "unknown operation %q", req.Operation))
			continue
		}
		s.fwd.Forward(ctx, conn, req)
	}
}

func (s *Server) serveLocal(ctx context.Context, conn *Conn, req Request, handler HandlerFunc, logger *slog.Logger) {
	started := time.Now()
	traceID := wallet.NewTraceID()
	result, info := handler(ctx, conn, req.Args)
	if info != nil {
		_ = conn.Send(NewError(req, info, traceID))
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			info = taxonomy.ClientInternal(err)
			_ = conn.Send(NewError(req, info, traceID))
		} else {
			_ = conn.Send(NewResult(req, raw, traceID))
		}
	}
	logger.Debug("rpc request",
		"request_id", req.RequestID,
		"operation", req.Operation,
		"trace_id", traceID,
		"ok", info == nil,
		"latency_ms", time.Since(started).Milliseconds(),
	)
}

func (s *Server) lookupHandler(operation string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[operation]
}

func (s *Server) writeError(conn *Conn, req Request, info *taxonomy.ErrorInfo) {
	_ = conn.Send(NewError(req, info, wallet.NewTraceID()))
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

// Connections reports the number of open client connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
