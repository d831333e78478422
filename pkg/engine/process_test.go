package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/walletbridge/pkg/envelope"
)

const helperEnv = "WALLETBRIDGE_HELPER_ENGINE"

// TestHelperEngine is not a real test. It is the child process started by
// helperProcess and answers every request with an echo of its arguments.
func TestHelperEngine(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	fmt.Fprintln(os.Stderr, "helper engine ready")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		req, err := envelope.DecodeRequest(scanner.Text())
		if err != nil {
			fmt.Println(`{"type":"bogus"}`)
			continue
		}
		if req.Operation == "exit" {
			os.Exit(3)
		}
		text, _ := envelope.EncodeSuccess(req.ID, req.Operation, map[string]any{"echo": req.Args})
		fmt.Println(text)
	}
	os.Exit(0)
}

func helperProcess(t *testing.T) *Process {
	t.Helper()
	return NewProcess(ProcessOptions{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^TestHelperEngine$"},
		Env:         []string{helperEnv + "=1"},
		StopTimeout: 2 * time.Second,
	})
}

func TestProcessRoundTrip(t *testing.T) {
	p := helperProcess(t)
	got := make(chan string, 4)
	p.OnMessage(func(text string) { got <- text })

	require.ErrorIs(t, p.Send("{}"), ErrNotStarted)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	text, err := envelope.EncodeRequest(envelope.Request{ID: 1, Operation: "getVersion"})
	require.NoError(t, err)
	require.NoError(t, p.Send(text))

	select {
	case line := <-got:
		msg, err := envelope.Decode(line)
		require.NoError(t, err)
		reply := msg.(envelope.Reply)
		assert.Equal(t, int64(1), reply.ID)
		assert.Equal(t, "getVersion", reply.Operation)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from helper engine")
	}
}

func TestProcessExitStopsSend(t *testing.T) {
	p := helperProcess(t)
	p.OnMessage(func(string) {})
	require.NoError(t, p.Start(context.Background()))

	text, _ := envelope.EncodeRequest(envelope.Request{ID: 1, Operation: "exit"})
	require.NoError(t, p.Send(text))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("helper engine did not exit")
	}
	assert.Error(t, p.Err())
	assert.ErrorIs(t, p.Send(text), ErrStopped)
	assert.NoError(t, p.Close())
}

func TestProcessRequiresCallback(t *testing.T) {
	p := helperProcess(t)
	assert.Error(t, p.Start(context.Background()))
}
