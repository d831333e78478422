// Command wallet-bridge speaks newline-delimited JSON on stdio, as browser
// native-messaging hosts do, and relays each message to walletd.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rexliu/walletbridge/pkg/bridge"
	"github.com/rexliu/walletbridge/pkg/config"
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/logging"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// Message types the host sends back.
const (
	typeResponse     = "response"
	typeError        = "error"
	typeNotification = "notification"
	typeSubscribe    = "subscribe"
)

// message is one line on stdin or stdout. Inbound, Type names the wallet
// operation and Data carries its arguments.
type message struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// upstream is the part of ipc.Client the host uses.
type upstream interface {
	bridge.Caller
	Subscribe(ctx context.Context, cursor int64) (ipc.SubscribeResult, *taxonomy.ErrorInfo)
}

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	flag.Parse()

	logger := logging.New("wallet-bridge")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, logger.Logger); err != nil {
		logger.Error("bridge exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, profile, socket string, logger *slog.Logger) error {
	if socket == "" {
		cfg, err := config.LoadProfile(profile)
		if err != nil {
			return err
		}
		socket = cfg.IPC.SocketPath
	}
	h := newHost(os.Stdout, logger)
	client, err := ipc.Dial(ctx, socket, ipc.ClientOptions{Logger: logger, OnNotification: h.notify})
	if err != nil {
		return err
	}
	defer client.Close()
	return h.serve(ctx, os.Stdin, client)
}

// host turns stdin lines into wallet calls and writes results as lines.
type host struct {
	mu     sync.Mutex
	out    *bufio.Writer
	logger *slog.Logger
}

func newHost(w io.Writer, logger *slog.Logger) *host {
	return &host{out: bufio.NewWriter(w), logger: logger}
}

func (h *host) serve(ctx context.Context, in io.Reader, up upstream) error {
	reader := bufio.NewReader(in)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var msg message
			if uerr := json.Unmarshal(line, &msg); uerr != nil || msg.Type == "" {
				h.logger.Warn("invalid message", "err", uerr)
				h.write(message{Type: typeError, Data: mustJSON(taxonomy.New(taxonomy.GenericJSONInvalid, "invalid message"))})
			} else {
				wg.Add(1)
				go func() {
					defer wg.Done()
					h.write(h.handle(ctx, up, msg))
				}()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

func (h *host) handle(ctx context.Context, up upstream, msg message) message {
	if msg.Type == typeSubscribe {
		var args ipc.SubscribeArgs
		args.Cursor = -1
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &args); err != nil {
				return message{Type: typeError, ID: msg.ID, Data: mustJSON(taxonomy.Errorf(taxonomy.GenericParameterMalformed, "subscribe: %v", err))}
			}
		}
		res, info := up.Subscribe(ctx, args.Cursor)
		if info != nil {
			return message{Type: typeError, ID: msg.ID, Data: mustJSON(info)}
		}
		return message{Type: typeResponse, ID: msg.ID, Data: mustJSON(res)}
	}

	var args any
	if len(msg.Data) > 0 {
		args = msg.Data
	}
	raw, info := up.CallRaw(ctx, msg.Type, args)
	if info != nil {
		return message{Type: typeError, ID: msg.ID, Data: mustJSON(info)}
	}
	return message{Type: typeResponse, ID: msg.ID, Data: raw}
}

func (h *host) notify(n ipc.Notification) {
	h.write(message{Type: typeNotification, ID: n.Seq, Data: n.Notification})
}

func (h *host) write(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := json.NewEncoder(h.out).Encode(msg); err != nil {
		h.logger.Error("write error", "err", err)
		return
	}
	_ = h.out.Flush()
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
