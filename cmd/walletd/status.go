package main

import (
	"context"
	"encoding/json"

	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/relay"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

const opStatus = "status"

// status is the daemon's self-report, served without touching the engine.
type status struct {
	Profile     string              `json:"profile"`
	Version     *wallet.VersionInfo `json:"versionInfo,omitempty"`
	Seq         int64               `json:"seq"`
	Pending     int                 `json:"pending"`
	Subscribers int                 `json:"subscribers"`
	Connections int                 `json:"connections"`
	Degraded    bool                `json:"degraded"`
}

func statusHandler(profile string, r *relay.Relay, srv *ipc.Server) ipc.HandlerFunc {
	return func(context.Context, *ipc.Conn, json.RawMessage) (any, *taxonomy.ErrorInfo) {
		st := status{
			Profile:     profile,
			Seq:         r.Seq(),
			Pending:     r.Pending(),
			Subscribers: r.Subscribers(),
			Connections: srv.Connections(),
			Degraded:    r.Degraded(),
		}
		if v, ok := r.VersionInfo(); ok {
			st.Version = &v
		}
		return st, nil
	}
}
