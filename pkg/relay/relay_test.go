package relay

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/walletbridge/pkg/bridge"
	"github.com/rexliu/walletbridge/pkg/engine"
	"github.com/rexliu/walletbridge/pkg/engine/enginetest"
	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/storage/sqlite"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

type harness struct {
	relay   *Relay
	eng     *enginetest.Engine
	socket  string
	metrics *metrics.Metrics
}

// socketDir keeps socket paths short enough for sun_path.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wbr")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startHarness(t *testing.T, eng *enginetest.Engine, opts Options) *harness {
	t.Helper()
	return startHarnessWith(t, eng, opts, ipc.ServerOptions{WriteTimeout: time.Second})
}

func startHarnessWith(t *testing.T, eng *enginetest.Engine, opts Options, srvOpts ipc.ServerOptions) *harness {
	t.Helper()
	m := metrics.New()
	opts.Metrics = m
	srvOpts.Metrics = m
	r := New(eng, opts)
	require.NoError(t, r.Start(context.Background()))

	srv := ipc.NewServer(r, srvOpts)
	r.Register(srv)
	socket := filepath.Join(socketDir(t), "relay.sock")
	require.NoError(t, srv.Start(context.Background(), socket))
	t.Cleanup(func() {
		_ = srv.Stop()
		_ = r.Close()
	})
	return &harness{relay: r, eng: eng, socket: socket, metrics: m}
}

func (h *harness) dial(t *testing.T, onNote func(ipc.Notification)) *ipc.Client {
	t.Helper()
	c, err := ipc.Dial(context.Background(), h.socket, ipc.ClientOptions{OnNotification: onNote})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextRequest(t *testing.T, eng *enginetest.Engine) envelope.Request {
	t.Helper()
	select {
	case req := <-eng.Requests():
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("engine received no request")
		return envelope.Request{}
	}
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

type who struct {
	Who string `json:"who"`
}

// Both clients use requestId 1. The engine sees distinct service ids and
// answers in reverse order; each client still gets its own reply.
func TestRelayRewritesIDs(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	alice := h.dial(t, nil)
	bob := h.dial(t, nil)

	results := make(map[string]who)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, c := range map[string]*ipc.Client{"alice": alice, "bob": bob} {
		wg.Add(1)
		go func(name string, c *ipc.Client) {
			defer wg.Done()
			got, info := bridge.Call[who](context.Background(), c, "echo", who{Who: name})
			if !assert.Nil(t, info) {
				return
			}
			mu.Lock()
			results[name] = got
			mu.Unlock()
		}(name, c)
	}

	first := nextRequest(t, h.eng)
	second := nextRequest(t, h.eng)
	assert.NotEqual(t, first.ID, second.ID)
	for _, req := range []envelope.Request{second, first} {
		var args who
		require.NoError(t, json.Unmarshal(req.Args, &args))
		h.eng.Respond(req.ID, req.Operation, args)
	}
	wg.Wait()

	assert.Equal(t, who{Who: "alice"}, results["alice"])
	assert.Equal(t, who{Who: "bob"}, results["bob"])
	assert.Zero(t, h.relay.Pending())
}

func TestRelayInitServedFromCache(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	c := h.dial(t, nil)

	for i := 0; i < 3; i++ {
		resp, info := bridge.Call[wallet.InitResponse](context.Background(), c, wallet.OpInit, wallet.InitArgs{PersistentStoragePath: "/elsewhere"})
		require.Nil(t, info)
		assert.Equal(t, enginetest.DefaultVersion, resp.VersionInfo)
	}
	inits := 0
	for _, req := range h.eng.Sent() {
		if req.Operation == wallet.OpInit {
			inits++
		}
	}
	assert.Equal(t, 1, inits)
}

func TestRelayPassesEngineErrors(t *testing.T) {
	eng := enginetest.New()
	eng.HandleFunc("withdraw", func(envelope.Request) (any, *taxonomy.ErrorInfo) {
		return nil, taxonomy.New(taxonomy.WalletNetworkError, "exchange unreachable")
	})
	h := startHarness(t, eng, Options{})
	c := h.dial(t, nil)

	_, info := c.CallRaw(context.Background(), "withdraw", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.WalletNetworkError, info.Code)
	assert.Equal(t, "exchange unreachable", info.Message)
}

func TestRelayRejectsInvalidOperation(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	c := h.dial(t, nil)

	_, info := c.CallRaw(context.Background(), "9-bad", nil)
	require.NotNil(t, info)
	assert.Equal(t, taxonomy.WalletCoreAPIOperationUnknown, info.Code)
	assert.Len(t, h.eng.Sent(), 1, "only init reached the engine")
}

func TestRelayPing(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	c := h.dial(t, nil)

	before := time.Now().UnixMilli()
	res, info := c.Ping(context.Background())
	require.Nil(t, info)
	assert.GreaterOrEqual(t, res.Now, before)
}

// A reply for a client that has gone away cannot be delivered. It is
// dropped and counted, and other clients are unaffected.
func TestRelayOrphanedReplyAfterDisconnect(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	leaver := h.dial(t, nil)
	stayer := h.dial(t, nil)

	go func() { _, _ = leaver.CallRaw(context.Background(), "slow", nil) }()
	req := nextRequest(t, h.eng)
	require.NoError(t, leaver.Close())
	require.Eventually(t, func() bool { return h.relay.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	h.eng.Respond(req.ID, req.Operation, map[string]any{})
	require.Eventually(t, func() bool {
		return counterValue(t, h.metrics, "walletbridge_relay_orphaned_replies_total") == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.eng.HandleFunc(wallet.OpGetVersion, func(envelope.Request) (any, *taxonomy.ErrorInfo) {
		return enginetest.DefaultVersion, nil
	})
	_, info := bridge.Call[wallet.VersionInfo](context.Background(), stayer, wallet.OpGetVersion, nil)
	assert.Nil(t, info)
}

func TestRelayTimesOutSlowEngine(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{CallTimeout: 50 * time.Millisecond})
	c := h.dial(t, nil)

	done := make(chan *taxonomy.ErrorInfo, 1)
	go func() {
		_, info := c.CallRaw(context.Background(), "slow", nil)
		done <- info
	}()
	req := nextRequest(t, h.eng)

	select {
	case info := <-done:
		require.NotNil(t, info)
		assert.Equal(t, taxonomy.GenericTimeout, info.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was not reported")
	}

	h.eng.Respond(req.ID, req.Operation, map[string]any{})
	require.Eventually(t, func() bool {
		return counterValue(t, h.metrics, "walletbridge_relay_orphaned_replies_total") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func collect(ch chan ipc.Notification, n int, t *testing.T) []ipc.Notification {
	t.Helper()
	var out []ipc.Notification
	for len(out) < n {
		select {
		case note := <-ch:
			out = append(out, note)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d notifications", len(out), n)
		}
	}
	return out
}

func TestRelaySubscribeReplaysAfterCursor(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	for i := 0; i < 3; i++ {
		h.eng.Notify(wallet.NotifyBalanceChange, map[string]any{"n": i})
	}
	require.Eventually(t, func() bool { return h.relay.Seq() == 3 }, 2*time.Second, 5*time.Millisecond)

	notes := make(chan ipc.Notification, 16)
	c := h.dial(t, func(n ipc.Notification) { notes <- n })
	res, info := c.Subscribe(context.Background(), 1)
	require.Nil(t, info)
	assert.Equal(t, ipc.SubscribeResult{Seq: 3, Replayed: 2}, res)
	// The replay is written ahead of the response.
	assert.Len(t, notes, 2)

	replayed := collect(notes, 2, t)
	assert.Equal(t, int64(2), replayed[0].Seq)
	assert.Equal(t, int64(3), replayed[1].Seq)

	h.eng.Notify(wallet.NotifyWaitingForRetry, nil)
	live := collect(notes, 1, t)
	assert.Equal(t, int64(4), live[0].Seq)
	decoded, err := live[0].Decode()
	require.NoError(t, err)
	assert.True(t, wallet.IsKeepAlive(decoded))
}

func TestRelayLiveOnlySubscription(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	h.eng.Notify(wallet.NotifyBalanceChange, nil)
	require.Eventually(t, func() bool { return h.relay.Seq() == 1 }, 2*time.Second, 5*time.Millisecond)

	notes := make(chan ipc.Notification, 4)
	c := h.dial(t, func(n ipc.Notification) { notes <- n })
	res, info := c.Subscribe(context.Background(), -1)
	require.Nil(t, info)
	assert.Zero(t, res.Replayed)

	h.eng.Notify(wallet.NotifyExchangeStateTransition, nil)
	got := collect(notes, 1, t)
	assert.Equal(t, int64(2), got[0].Seq)
}

func TestRelayDropsDepartedSubscribers(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	notes := make(chan ipc.Notification, 4)
	stay := h.dial(t, func(n ipc.Notification) { notes <- n })
	leave := h.dial(t, nil)
	_, info := stay.Subscribe(context.Background(), -1)
	require.Nil(t, info)
	_, info = leave.Subscribe(context.Background(), -1)
	require.Nil(t, info)
	assert.Equal(t, 2, h.relay.Subscribers())

	require.NoError(t, leave.Close())
	require.Eventually(t, func() bool { return h.relay.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.eng.Notify(wallet.NotifyBalanceChange, nil)
	collect(notes, 1, t)

	require.Nil(t, stay.Unsubscribe(context.Background()))
	assert.Zero(t, h.relay.Subscribers())
}

func TestRelayJournalSurvivesRestart(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "notifications.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))

	first := startHarness(t, enginetest.New(), Options{Journal: store})
	first.eng.Notify(wallet.NotifyBalanceChange, map[string]any{"id": "txn:1"})
	first.eng.Notify(wallet.NotifyBalanceChange, map[string]any{"id": "txn:2"})
	require.Eventually(t, func() bool { return first.relay.Seq() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.relay.Close())

	second := startHarness(t, enginetest.New(), Options{Journal: store})
	assert.Equal(t, int64(2), second.relay.Seq())

	notes := make(chan ipc.Notification, 8)
	c := second.dial(t, func(n ipc.Notification) { notes <- n })
	res, info := c.Subscribe(context.Background(), 0)
	require.Nil(t, info)
	assert.Equal(t, 2, res.Replayed)
	replayed := collect(notes, 2, t)
	decoded, err := replayed[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, "txn:2", decoded.ID)

	second.eng.Notify(wallet.NotifyBalanceChange, nil)
	live := collect(notes, 1, t)
	assert.Equal(t, int64(3), live[0].Seq)
}

func TestRelayStartTwice(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	assert.Error(t, h.relay.Start(context.Background()))
}

// A subscriber that stops reading is dropped without holding up replies to
// anyone else.
func TestRelaySlowSubscriberDoesNotStallOthers(t *testing.T) {
	eng := enginetest.New()
	eng.HandleFunc(wallet.OpGetBalances, func(envelope.Request) (any, *taxonomy.ErrorInfo) {
		return wallet.BalancesResponse{Balances: []wallet.Balance{}}, nil
	})
	h := startHarnessWith(t, eng, Options{}, ipc.ServerOptions{SendQueue: 8})

	stalled, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer stalled.Close()
	require.NoError(t, ipc.WriteFrame(stalled, []byte(`{"requestId":1,"operation":"subscribe","args":{"cursor":-1}}`)))
	require.Eventually(t, func() bool { return h.relay.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	pad := strings.Repeat("x", 64<<10)
	for i := 0; i < 200; i++ {
		h.eng.Notify(wallet.NotifyBalanceChange, map[string]any{"pad": pad})
	}
	require.Eventually(t, func() bool { return h.relay.Seq() == 200 }, 5*time.Second, 5*time.Millisecond)

	healthy := h.dial(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, info := healthy.CallRaw(ctx, wallet.OpGetBalances, nil)
	require.Nil(t, info)

	require.Eventually(t, func() bool { return h.relay.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, h.metrics, "walletbridge_ipc_slow_consumers_total"))
}

func TestRelayAnswersOutstandingWhenEngineExits(t *testing.T) {
	h := startHarness(t, enginetest.New(), Options{})
	c := h.dial(t, nil)

	done := make(chan *taxonomy.ErrorInfo, 1)
	go func() {
		_, info := c.CallRaw(context.Background(), wallet.OpGetTransactions, nil)
		done <- info
	}()
	nextRequest(t, h.eng)
	h.eng.Exit()

	select {
	case info := <-done:
		require.NotNil(t, info)
		assert.Equal(t, taxonomy.GenericClientInternalError, info.Code)
		assert.Contains(t, info.Message, engine.ErrStopped.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("request outlived the engine")
	}
	<-h.relay.Stopped()
	assert.Zero(t, h.relay.Pending())
}
