package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rexliu/walletbridge/pkg/config"
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Profile string
	Socket  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for walletctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "walletctl",
		Short: "Talk to a running walletd",
		Long:  "walletctl drives the wallet engine shared by walletd over its local socket.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "./_dev_profile", "profile directory")
	cmd.PersistentFlags().StringVar(&opts.Socket, "socket", "", "override socket path")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-call timeout")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewDiagCommand(opts))
	cmd.AddCommand(NewPingCommand(opts))
	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewBalancesCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewExchangeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// socketPath prefers --socket, then the profile's configured socket.
func (o *RootOptions) socketPath() (string, error) {
	if o.Socket != "" {
		return o.Socket, nil
	}
	cfg, err := config.LoadProfile(o.Profile)
	if err != nil {
		return "", fmt.Errorf("resolve socket (use --socket or walletctl init): %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

func (o *RootOptions) dial(ctx context.Context, onNote func(ipc.Notification)) (*ipc.Client, error) {
	socket, err := o.socketPath()
	if err != nil {
		return nil, err
	}
	return ipc.Dial(ctx, socket, ipc.ClientOptions{OnNotification: onNote})
}

func (o *RootOptions) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.Timeout)
}

// callError turns an ErrorInfo into a command error, or nil.
func callError(operation string, info *taxonomy.ErrorInfo) error {
	if info == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", operation, info)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

var errMissingJSON = errors.New("--args must be a JSON object")
