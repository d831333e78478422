package ipc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
}

func TestResponseWireFormat(t *testing.T) {
	g := newGolden(t)
	req := Request{RequestID: 4, Operation: "getBalances"}

	ok, err := json.Marshal(NewResult(req, json.RawMessage(`{"balances":[]}`), "01J9Z3M4R5S6T7V8W9X0Y1Z2A3"))
	require.NoError(t, err)
	g.Assert(t, "response_result", ok)

	info := taxonomy.New(taxonomy.WalletHTTPRequestThrottled, "rate limit exceeded")
	failed, err := json.Marshal(NewError(req, info, ""))
	require.NoError(t, err)
	g.Assert(t, "response_error", failed)

	note, err := json.Marshal(Notification{Kind: KindNotification, Seq: 12, Notification: json.RawMessage(`{"type":"balance-change"}`)})
	require.NoError(t, err)
	g.Assert(t, "notification", note)
}

func TestNewResultDefaultsToEmptyObject(t *testing.T) {
	resp := NewResult(Request{RequestID: 1, Operation: "x"}, nil, "")
	assert.JSONEq(t, `{}`, string(resp.Response))
	assert.False(t, resp.IsError)
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _ = WriteFrame(a, []byte(`{"hello":"world"}`)) }()
	got, err := ReadFrame(b)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(got))
}

func TestFrameRejectsOversize(t *testing.T) {
	err := WriteFrame(discard{}, make([]byte, MaxFrameSize+1))
	assert.Error(t, err)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// recorder is a Forwarder that answers every request with its own args.
type recorder struct {
	mu           sync.Mutex
	forwarded    []Request
	disconnected chan *Conn
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan *Conn, 8)}
}

func (r *recorder) Forward(_ context.Context, conn *Conn, req Request) {
	r.mu.Lock()
	r.forwarded = append(r.forwarded, req)
	r.mu.Unlock()
	_ = conn.Send(NewResult(req, req.Args, "trace"))
}

func (r *recorder) Disconnected(conn *Conn) {
	r.disconnected <- conn
}

func startServer(t *testing.T, fwd Forwarder, opts ServerOptions) (*Server, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "wbi")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "ipc.sock")

	srv := NewServer(fwd, opts)
	srv.Register("hello", func(_ context.Context, conn *Conn, args json.RawMessage) (any, *taxonomy.ErrorInfo) {
		return map[string]string{"conn": conn.ID()}, nil
	})
	srv.Register("refuse", func(context.Context, *Conn, json.RawMessage) (any, *taxonomy.ErrorInfo) {
		return nil, taxonomy.New(taxonomy.WalletPendingOperationFailed, "no")
	})
	require.NoError(t, srv.Start(context.Background(), socket))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, socket
}

func rawExchange(t *testing.T, nc net.Conn, payload string) Response {
	t.Helper()
	require.NoError(t, WriteFrame(nc, []byte(payload)))
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ReadFrame(nc)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(frame, &resp))
	return resp
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	_, socket := startServer(t, newRecorder(), ServerOptions{})
	nc, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer nc.Close()

	resp := rawExchange(t, nc, `{not json`)
	require.True(t, resp.IsError)
	assert.Equal(t, taxonomy.GenericJSONInvalid, taxonomy.Parse(resp.Response).Code)
	assert.NotEmpty(t, resp.TraceID)

	resp = rawExchange(t, nc, `{"requestId":9}`)
	require.True(t, resp.IsError)
	assert.Equal(t, int64(9), resp.RequestID)
	assert.Equal(t, taxonomy.GenericParameterMissing, taxonomy.Parse(resp.Response).Code)
}

func TestClientCallsHandlersAndForwarder(t *testing.T) {
	rec := newRecorder()
	_, socket := startServer(t, rec, ServerOptions{})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	raw, info := c.CallRaw(context.Background(), "hello", nil)
	require.Nil(t, info)
	var hello map[string]string
	require.NoError(t, json.Unmarshal(raw, &hello))
	assert.NotEmpty(t, hello["conn"])

	_, info = c.CallRaw(context.Background(), "refuse", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.WalletPendingOperationFailed, info.Code)

	raw, info = c.CallRaw(context.Background(), "getBalances", map[string]int{"n": 1})
	require.Nil(t, info)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.forwarded, 1)
	assert.Equal(t, "getBalances", rec.forwarded[0].Operation)
}

func TestServerWithoutForwarderRejectsUnknown(t *testing.T) {
	_, socket := startServer(t, nil, ServerOptions{})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	_, info := c.CallRaw(context.Background(), "getBalances", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.WalletCoreAPIOperationUnknown, info.Code)
}

func TestServerThrottlesPerConnection(t *testing.T) {
	m := metrics.New()
	_, socket := startServer(t, newRecorder(), ServerOptions{RateLimit: 0.001, Burst: 2, Metrics: m})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 2; i++ {
		_, info := c.CallRaw(context.Background(), "hello", nil)
		require.Nil(t, info)
	}
	_, info := c.CallRaw(context.Background(), "hello", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.WalletHTTPRequestThrottled, info.Code)

	// A fresh connection gets its own bucket.
	other, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer other.Close()
	_, info = other.CallRaw(context.Background(), "hello", nil)
	assert.Nil(t, info)
}

func TestClientFailsPendingWhenServerGoes(t *testing.T) {
	srv, socket := startServer(t, stallForwarder{}, ServerOptions{})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan *taxonomy.ErrorInfo, 1)
	go func() {
		_, info := c.CallRaw(context.Background(), "getBalances", nil)
		done <- info
	}()
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Stop())

	select {
	case info := <-done:
		require.NotNil(t, info)
		assert.Equal(t, taxonomy.GenericClientInternalError, info.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}
	<-c.Done()

	_, info := c.CallRaw(context.Background(), "getBalances", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.GenericClientInternalError, info.Code)
}

func TestClientContextDeadline(t *testing.T) {
	_, socket := startServer(t, stallForwarder{}, ServerOptions{})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, info := c.CallRaw(ctx, "getBalances", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.GenericTimeout, info.Code)
}

func TestClientReceivesNotifications(t *testing.T) {
	notes := make(chan Notification, 1)
	var server *Conn
	var mu sync.Mutex
	srv, socket := startServer(t, newRecorder(), ServerOptions{})
	srv.Register("capture", func(_ context.Context, conn *Conn, _ json.RawMessage) (any, *taxonomy.ErrorInfo) {
		mu.Lock()
		server = conn
		mu.Unlock()
		return nil, nil
	})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()
	c.OnNotification(func(n Notification) { notes <- n })

	_, info := c.CallRaw(context.Background(), "capture", nil)
	require.Nil(t, info)
	mu.Lock()
	conn := server
	mu.Unlock()
	require.NoError(t, conn.Send(Notification{Kind: KindNotification, Seq: 7, Notification: json.RawMessage(`{"type":"balance-change","id":"x"}`)}))

	select {
	case n := <-notes:
		assert.Equal(t, int64(7), n.Seq)
		decoded, err := n.Decode()
		require.NoError(t, err)
		assert.Equal(t, "balance-change", decoded.Type)
		assert.Equal(t, "x", decoded.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestServerReportsDisconnect(t *testing.T) {
	rec := newRecorder()
	_, socket := startServer(t, rec, ServerOptions{})
	c, err := Dial(context.Background(), socket, ClientOptions{})
	require.NoError(t, err)
	_, info := c.CallRaw(context.Background(), "hello", nil)
	require.Nil(t, info)
	require.NoError(t, c.Close())

	select {
	case conn := <-rec.disconnected:
		<-conn.Done()
		assert.ErrorIs(t, conn.Send(map[string]int{}), ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

// stallForwarder never answers.
type stallForwarder struct{}

func (stallForwarder) Forward(context.Context, *Conn, Request) {}
func (stallForwarder) Disconnected(*Conn)                      {}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	m := metrics.New()
	srv, socket := startServer(t, newRecorder(), ServerOptions{SendQueue: 2, Metrics: m})
	captured := make(chan *Conn, 1)
	srv.Register("capture", func(_ context.Context, conn *Conn, _ json.RawMessage) (any, *taxonomy.ErrorInfo) {
		captured <- conn
		return nil, nil
	})

	// A client that asks once and never reads again.
	nc, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, WriteFrame(nc, []byte(`{"requestId":1,"operation":"capture"}`)))
	var conn *Conn
	select {
	case conn = <-captured:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not reached")
	}

	big := json.RawMessage(`{"type":"balance-change","pad":"` + strings.Repeat("x", 64<<10) + `"}`)
	var sendErr error
	for i := 0; i < 10000 && sendErr == nil; i++ {
		sendErr = conn.Send(Notification{Kind: KindNotification, Seq: int64(i + 1), Notification: big})
	}
	require.ErrorIs(t, sendErr, ErrSlowConsumer)
	assert.ErrorIs(t, sendErr, ErrClosed)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer not closed")
	}
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var dropped float64
	for _, mf := range families {
		if mf.GetName() == "walletbridge_ipc_slow_consumers_total" {
			dropped = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, dropped)
}

func TestSendWritesBatchInOrder(t *testing.T) {
	srv, socket := startServer(t, newRecorder(), ServerOptions{})
	srv.Register("burst", func(_ context.Context, conn *Conn, _ json.RawMessage) (any, *taxonomy.ErrorInfo) {
		notes := make([]any, 0, 3)
		for seq := int64(1); seq <= 3; seq++ {
			notes = append(notes, Notification{Kind: KindNotification, Seq: seq, Notification: json.RawMessage(`{"type":"balance-change"}`)})
		}
		if err := conn.Send(notes...); err != nil {
			return nil, taxonomy.ClientInternal(err)
		}
		return nil, nil
	})

	var mu sync.Mutex
	var seqs []int64
	c, err := Dial(context.Background(), socket, ClientOptions{OnNotification: func(n Notification) {
		mu.Lock()
		seqs = append(seqs, n.Seq)
		mu.Unlock()
	}})
	require.NoError(t, err)
	defer c.Close()

	_, info := c.CallRaw(context.Background(), "burst", nil)
	require.Nil(t, info)
	// The batch was queued ahead of the response, so it has been read already.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestClientCallResolvesWhenCancelRacesClose(t *testing.T) {
	_, socket := startServer(t, stallForwarder{}, ServerOptions{})
	for i := 0; i < 40; i++ {
		c, err := Dial(context.Background(), socket, ClientOptions{})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan *taxonomy.ErrorInfo, 1)
		go func() {
			_, info := c.CallRaw(ctx, "getBalances", nil)
			result <- info
		}()
		require.Eventually(t, func() bool { return c.pending.Len() == 1 }, 2*time.Second, time.Millisecond)

		go func() { _ = c.Close() }()
		cancel()
		select {
		case info := <-result:
			require.NotNil(t, info)
			assert.Equal(t, taxonomy.GenericClientInternalError, info.Code)
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d never returned", i)
		}
	}
}
