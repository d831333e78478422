package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rexliu/walletbridge/pkg/config"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Name  string
	Force bool
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a local profile (writes config.toml)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initProfile(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "dev", "profile name")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite existing config if present")
	return cmd
}

func initProfile(cmd *cobra.Command, opts *InitOptions) error {
	if err := os.MkdirAll(opts.Profile, 0o700); err != nil {
		return err
	}
	configPath := filepath.Join(opts.Profile, config.FileName)
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultProfile(opts.Name)
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized profile %s at %s\n", cfg.ProfileName, opts.Profile)
	return nil
}

// NewDiagCommand creates the diag command.
func NewDiagCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print profile configuration and daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return diag(cmd, opts)
		},
	}
}

func diag(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := config.LoadProfile(opts.Profile)
	if err != nil {
		return err
	}
	if opts.Socket != "" {
		cfg.IPC.SocketPath = opts.Socket
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile: %s\n", cfg.ProfileName)
	fmt.Fprintf(out, "Config: %s\n", filepath.Join(opts.Profile, config.FileName))
	fmt.Fprintf(out, "Engine: %s %v\n", cfg.Engine.Command, cfg.Engine.Args)
	fmt.Fprintf(out, "Wallet DB: %s\n", cfg.Engine.StoragePath)
	fmt.Fprintf(out, "Socket: %s\n", cfg.IPC.SocketPath)
	if cfg.Journal.Enabled {
		fmt.Fprintf(out, "Journal: %s (retain %d)\n", cfg.Journal.DBPath, cfg.Journal.Retain)
	}
	if cfg.Logging.FilePath != "" {
		fmt.Fprintf(out, "Log File: %s\n", cfg.Logging.FilePath)
	}
	if cfg.Metrics.ListenAddr != "" {
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", cfg.Metrics.ListenAddr)
	}

	ctx, cancel := opts.callContext(cmd.Context())
	defer cancel()
	client, err := opts.dial(ctx, nil)
	if err != nil {
		fmt.Fprintf(out, "Daemon: not reachable (%v)\n", err)
		return nil
	}
	defer client.Close()
	raw, info := client.CallRaw(ctx, "status", nil)
	if info != nil {
		fmt.Fprintf(out, "Daemon: error (%v)\n", info)
		return nil
	}
	fmt.Fprintf(out, "Daemon: %s\n", raw)
	return nil
}
