package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rexliu/walletbridge/pkg/bridge"
	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

// Version is the walletctl build version.
var Version = "dev"

// NewPingCommand creates the ping command.
func NewPingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that walletd answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.callContext(cmd.Context())
			defer cancel()
			client, err := opts.dial(ctx, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			started := time.Now()
			res, info := client.Ping(ctx)
			if err := callError(ipc.OpPing, info); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon responded: now=%d rtt=%s\n", res.Now, time.Since(started).Round(time.Microsecond))
			return nil
		},
	}
}

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	Args string
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <operation>",
		Short: "Issue any engine operation and print its result",
		Long: `Issue any engine operation and print its result.

Example:
  walletctl call getTransactions --args '{"currency":"KUDOS"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callOperation(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Args, "args", "{}", "operation arguments as JSON")
	return cmd
}

func callOperation(cmd *cobra.Command, opts *CallOptions, operation string) error {
	if err := wallet.ValidateOperation(operation); err != nil {
		return err
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(opts.Args), &args); err != nil || args == nil {
		return errMissingJSON
	}

	ctx, cancel := opts.callContext(cmd.Context())
	defer cancel()
	client, err := opts.dial(ctx, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	raw, info := client.CallRaw(ctx, operation, json.RawMessage(opts.Args))
	if err := callError(operation, info); err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), pretty)
}

// BalancesOptions holds flags for the balances command.
type BalancesOptions struct {
	*RootOptions
	Watch bool
}

// NewBalancesCommand creates the balances command.
func NewBalancesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BalancesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show wallet balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return balances(cmd, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "reprint whenever the wallet reports a change")
	return cmd
}

func balances(cmd *cobra.Command, opts *BalancesOptions) error {
	changed := make(chan struct{}, 1)
	reload := wallet.SkipKeepAlive(func(envelope.Notification) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	onNote := func(n ipc.Notification) {
		if decoded, err := n.Decode(); err == nil {
			reload(decoded)
		}
	}

	client, err := opts.dial(cmd.Context(), onNote)
	if err != nil {
		return err
	}
	defer client.Close()

	show := func() error {
		ctx, cancel := opts.callContext(cmd.Context())
		defer cancel()
		resp, info := bridge.Call[wallet.BalancesResponse](ctx, client, wallet.OpGetBalances, nil)
		if err := callError(wallet.OpGetBalances, info); err != nil {
			return err
		}
		return printBalances(cmd, opts.RootOptions, resp)
	}

	if opts.Watch {
		ctx, cancel := opts.callContext(cmd.Context())
		_, info := client.Subscribe(ctx, -1)
		cancel()
		if err := callError(ipc.OpSubscribe, info); err != nil {
			return err
		}
	}
	if err := show(); err != nil || !opts.Watch {
		return err
	}
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-client.Done():
			return ipc.ErrClosed
		case <-changed:
			if err := show(); err != nil {
				return err
			}
		}
	}
}

func printBalances(cmd *cobra.Command, opts *RootOptions, resp wallet.BalancesResponse) error {
	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if len(resp.Balances) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no balances")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CURRENCY\tAVAILABLE\tINCOMING\tOUTGOING")
	for _, b := range resp.Balances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ScopeInfo.Currency, b.Available, b.PendingIncoming, b.PendingOutgoing)
	}
	return tw.Flush()
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Cursor        int64
	SkipKeepAlive bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream wallet notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd, opts)
		},
	}
	cmd.Flags().Int64Var(&opts.Cursor, "cursor", -1, "replay notifications after this seq (-1 for live only)")
	cmd.Flags().BoolVar(&opts.SkipKeepAlive, "skip-keepalive", true, "hide waiting-for-retry pings")
	return cmd
}

func watch(cmd *cobra.Command, opts *WatchOptions) error {
	out := cmd.OutOrStdout()
	notes := make(chan ipc.Notification, 64)
	client, err := opts.dial(cmd.Context(), func(n ipc.Notification) {
		select {
		case notes <- n:
		case <-cmd.Context().Done():
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := opts.callContext(cmd.Context())
	res, info := client.Subscribe(ctx, opts.Cursor)
	cancel()
	if err := callError(ipc.OpSubscribe, info); err != nil {
		return err
	}
	if opts.Format == "text" {
		fmt.Fprintf(out, "subscribed at seq %d, replayed %d (Ctrl+C to exit)\n", res.Seq, res.Replayed)
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-client.Done():
			return ipc.ErrClosed
		case n := <-notes:
			decoded, err := n.Decode()
			if err != nil {
				continue
			}
			if opts.SkipKeepAlive && wallet.IsKeepAlive(decoded) {
				continue
			}
			if opts.Format == "json" {
				if err := printJSON(out, n); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%d\t%s\t%s\n", n.Seq, decoded.Type, n.Notification)
		}
	}
}

// NewExchangeCommand creates the exchange command group.
func NewExchangeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Manage exchanges known to the wallet",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <base-url>",
		Short: "Add an exchange by base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := wallet.NormalizeBaseURL(args[0])
			if err := wallet.ValidateBaseURL(url); err != nil {
				return err
			}
			ctx, cancel := opts.callContext(cmd.Context())
			defer cancel()
			client, err := opts.dial(ctx, nil)
			if err != nil {
				return err
			}
			defer client.Close()
			_, info := client.CallRaw(ctx, wallet.OpAddExchange, wallet.AddExchangeArgs{ExchangeBaseURL: url})
			if err := callError(wallet.OpAddExchange, info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added exchange %s\n", url)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.callContext(cmd.Context())
			defer cancel()
			client, err := opts.dial(ctx, nil)
			if err != nil {
				return err
			}
			defer client.Close()
			resp, info := bridge.Call[wallet.ExchangesResponse](ctx, client, wallet.OpListExchanges, nil)
			if err := callError(wallet.OpListExchanges, info); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "URL\tCURRENCY\tSTATUS")
			for _, ex := range resp.Exchanges {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ex.ExchangeBaseURL, ex.Currency, ex.EntryStatus)
			}
			return tw.Flush()
		},
	})
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print walletctl and engine versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "walletctl %s\n", Version)
			ctx, cancel := opts.callContext(cmd.Context())
			defer cancel()
			client, err := opts.dial(ctx, nil)
			if err != nil {
				fmt.Fprintf(out, "engine: unavailable (%v)\n", err)
				return nil
			}
			defer client.Close()
			v, info := bridge.Call[wallet.VersionInfo](ctx, client, wallet.OpGetVersion, nil)
			if err := callError(wallet.OpGetVersion, info); err != nil {
				return err
			}
			fmt.Fprintf(out, "engine %s (protocol %s, exchange %s, merchant %s)\n",
				v.ImplementationSemver, v.Version, v.Exchange, v.Merchant)
			return nil
		},
	}
}
