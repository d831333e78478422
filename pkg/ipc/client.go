package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/rexliu/walletbridge/pkg/correlator"
	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/notify"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// ClientOptions configures Dial.
type ClientOptions struct {
	Logger *slog.Logger
	// OnNotification receives relayed notifications on the read goroutine.
	OnNotification func(Notification)
}

// Client talks to a relay over its socket. It implements bridge.Caller, so
// code written against the in-process bridge works unchanged remotely.
type Client struct {
	nc      net.Conn
	writeMu sync.Mutex
	pending *correlator.Correlator[chan Response]
	notes   *notify.Local[Notification]
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to the relay listening on socket.
func Dial(ctx context.Context, socket string, opts ClientOptions) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return newClient(nc, opts), nil
}

func newClient(nc net.Conn, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		nc:      nc,
		pending: correlator.New[chan Response](),
		notes:   notify.NewLocal(opts.OnNotification),
		logger:  logger.With("component", "ipc-client"),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnNotification replaces the notification callback.
func (c *Client) OnNotification(fn func(Notification)) {
	c.notes.Set(fn)
}

// CallRaw sends one request and waits for its response.
func (c *Client) CallRaw(ctx context.Context, operation string, args any) (json.RawMessage, *taxonomy.ErrorInfo) {
	resp, err := c.roundTrip(ctx, operation, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, taxonomy.New(taxonomy.GenericTimeout, err.Error())
		}
		return nil, taxonomy.ClientInternal(err)
	}
	if resp.IsError {
		return nil, taxonomy.Parse(resp.Response)
	}
	return resp.Response, nil
}

// Subscribe asks the relay to stream notifications to this client.
// Journaled notifications after cursor are replayed first.
//
// On the wire the replayed notifications precede the subscribe response,
// and live ones may arrive before it too. All of them reach OnNotification
// in seq order, and by the time Subscribe returns the replay has been
// delivered. Raw clients must not assume the response comes first.
func (c *Client) Subscribe(ctx context.Context, cursor int64) (SubscribeResult, *taxonomy.ErrorInfo) {
	var out SubscribeResult
	raw, info := c.CallRaw(ctx, OpSubscribe, SubscribeArgs{Cursor: cursor})
	if info != nil {
		return out, info
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, taxonomy.DecodeFailure(err)
	}
	return out, nil
}

// Unsubscribe stops notification delivery to this client.
func (c *Client) Unsubscribe(ctx context.Context) *taxonomy.ErrorInfo {
	_, info := c.CallRaw(ctx, OpUnsubscribe, nil)
	return info
}

// Ping checks that the relay is responsive.
func (c *Client) Ping(ctx context.Context) (PingResult, *taxonomy.ErrorInfo) {
	var out PingResult
	raw, info := c.CallRaw(ctx, OpPing, nil)
	if info != nil {
		return out, info
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, taxonomy.DecodeFailure(err)
	}
	return out, nil
}

func (c *Client) roundTrip(ctx context.Context, operation string, args any) (Response, error) {
	select {
	case <-c.done:
		return Response{}, c.closedErr()
	default:
	}
	rawArgs, err := envelope.MarshalArgs(args)
	if err != nil {
		return Response{}, err
	}
	ch := make(chan Response, 1)
	id := c.pending.Register(ch)
	payload, err := json.Marshal(Request{RequestID: id, Operation: operation, Args: rawArgs})
	if err != nil {
		c.pending.Remove(id)
		return Response{}, err
	}
	c.writeMu.Lock()
	err = writeFrame(c.nc, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Remove(id)
		return Response{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if _, ok := c.pending.Remove(id); !ok {
			// Either the read loop completed it or Close drained it.
			select {
			case resp := <-ch:
				return resp, nil
			case <-c.done:
				return Response{}, c.closedErr()
			}
		}
		return Response{}, ctx.Err()
	case <-c.done:
		return Response{}, c.closedErr()
	}
}

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var payload []byte
		payload, err = readFrame(c.nc)
		if err != nil {
			return
		}
		var f frame
		if uerr := json.Unmarshal(payload, &f); uerr != nil {
			c.logger.Warn("dropping malformed frame", "err", uerr)
			continue
		}
		switch f.Kind {
		case KindNotification:
			c.notes.Dispatch(Notification{Kind: f.Kind, Seq: f.Seq, Notification: f.Notification})
		case KindResponse:
			ch, ok := c.pending.Complete(f.RequestID)
			if !ok {
				c.logger.Warn("response for unknown request", "request_id", f.RequestID, "operation", f.Operation)
				continue
			}
			ch <- Response{
				Kind:      f.Kind,
				RequestID: f.RequestID,
				IsError:   f.IsError,
				Operation: f.Operation,
				Response:  f.Response,
				TraceID:   f.TraceID,
			}
		default:
			c.logger.Warn("dropping frame of unknown kind", "kind", f.Kind)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		close(c.done)
		_ = c.nc.Close()
	})
}

func (c *Client) closedErr() error {
	if c.err == nil || errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects. Calls still waiting fail with a client-internal error.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.pending.Drain()
	return nil
}
