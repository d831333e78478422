package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rexliu/walletbridge/pkg/engine"
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

func (r *Relay) handlePing(_ context.Context, _ *ipc.Conn, _ json.RawMessage) (any, *taxonomy.ErrorInfo) {
	return ipc.PingResult{Now: time.Now().UnixMilli()}, nil
}

func (r *Relay) handleInit(_ context.Context, _ *ipc.Conn, _ json.RawMessage) (any, *taxonomy.ErrorInfo) {
	select {
	case <-r.ready:
	default:
		return nil, taxonomy.ClientInternal(engine.ErrNotStarted)
	}
	if r.initErr != nil {
		return nil, r.initErr
	}
	return r.initRaw, nil
}

// handleSubscribe replays history after the cursor, then adds conn to the
// live fan-out. Both happen under notifyMu, so nothing published in between
// is lost or sent twice. A negative cursor skips the replay.
//
// The backlog is queued on conn as one batch ahead of the subscribe
// response. Live notifications published after the lock is released may
// also be queued before the response.
func (r *Relay) handleSubscribe(ctx context.Context, conn *ipc.Conn, raw json.RawMessage) (any, *taxonomy.ErrorInfo) {
	var args ipc.SubscribeArgs
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, taxonomy.Errorf(taxonomy.GenericParameterMalformed, "subscribe args: %v", err)
		}
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	seq := r.seq.Load()
	replayed := 0
	if args.Cursor >= 0 && args.Cursor < seq {
		backlog, err := r.backlog(ctx, args.Cursor)
		if err != nil {
			r.logger.Error("journal read failed", "cursor", args.Cursor, "err", err)
			return nil, taxonomy.ClientInternal(err)
		}
		batch := make([]any, len(backlog))
		for i, n := range backlog {
			batch[i] = n
		}
		if err := conn.Send(batch...); err != nil {
			return nil, taxonomy.ClientInternal(err)
		}
		replayed = len(backlog)
	}
	if r.subs.Subscribe(conn) {
		r.metrics.SetSubscribers(r.subs.Len())
		r.logger.Debug("subscribed", "conn", conn.ID(), "cursor", args.Cursor, "replayed", replayed)
	}
	return ipc.SubscribeResult{Seq: seq, Replayed: replayed}, nil
}

// backlog returns the notifications after cursor. The journal is preferred
// since it outlives restarts. Callers hold notifyMu.
func (r *Relay) backlog(ctx context.Context, cursor int64) ([]ipc.Notification, error) {
	if r.journal != nil {
		entries, err := r.journal.Since(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out := make([]ipc.Notification, 0, len(entries))
		for _, e := range entries {
			out = append(out, ipc.Notification{Kind: ipc.KindNotification, Seq: e.Seq, Notification: e.Payload})
		}
		return out, nil
	}
	var out []ipc.Notification
	for _, n := range r.history {
		if n.Seq > cursor {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *Relay) handleUnsubscribe(_ context.Context, conn *ipc.Conn, _ json.RawMessage) (any, *taxonomy.ErrorInfo) {
	r.notifyMu.Lock()
	removed := r.subs.Unsubscribe(conn)
	r.notifyMu.Unlock()
	if removed {
		r.metrics.SetSubscribers(r.subs.Len())
	}
	return struct{}{}, nil
}
