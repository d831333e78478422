package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

type fakeUpstream struct {
	cursor int64
}

func (f *fakeUpstream) CallRaw(_ context.Context, operation string, args any) (json.RawMessage, *taxonomy.ErrorInfo) {
	if operation == "fail" {
		return nil, taxonomy.New(taxonomy.WalletNetworkError, "down")
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeUpstream) Subscribe(_ context.Context, cursor int64) (ipc.SubscribeResult, *taxonomy.ErrorInfo) {
	f.cursor = cursor
	return ipc.SubscribeResult{Seq: 9}, nil
}

func runHost(t *testing.T, input string, up upstream) []message {
	t.Helper()
	var out bytes.Buffer
	h := newHost(&out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, h.serve(context.Background(), strings.NewReader(input), up))

	var msgs []message
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var m message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs
}

func TestHostRelaysCalls(t *testing.T) {
	input := `{"type":"getBalances","id":1,"data":{"currency":"KUDOS"}}
{"type":"fail","id":2}
`
	msgs := runHost(t, input, &fakeUpstream{})
	require.Len(t, msgs, 2)

	assert.Equal(t, typeResponse, msgs[0].Type)
	assert.JSONEq(t, `{"currency":"KUDOS"}`, string(msgs[0].Data))

	assert.Equal(t, typeError, msgs[1].Type)
	info := taxonomy.Parse(msgs[1].Data)
	assert.Equal(t, taxonomy.WalletNetworkError, info.Code)
}

func TestHostSubscribeDefaultsToLive(t *testing.T) {
	up := &fakeUpstream{}
	msgs := runHost(t, `{"type":"subscribe","id":3}`+"\n", up)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(-1), up.cursor)
	assert.JSONEq(t, `{"seq":9,"replayed":0}`, string(msgs[0].Data))
}

func TestHostRejectsGarbage(t *testing.T) {
	msgs := runHost(t, "not json\n", &fakeUpstream{})
	require.Len(t, msgs, 1)
	assert.Equal(t, typeError, msgs[0].Type)
	assert.Equal(t, taxonomy.GenericJSONInvalid, taxonomy.Parse(msgs[0].Data).Code)
}

func TestHostWritesNotifications(t *testing.T) {
	var out bytes.Buffer
	h := newHost(&out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.notify(ipc.Notification{Kind: ipc.KindNotification, Seq: 4, Notification: json.RawMessage(`{"type":"balance-change"}`)})
	assert.Equal(t, `{"type":"notification","id":4,"data":{"type":"balance-change"}}`+"\n", out.String())
}
