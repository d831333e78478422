package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rexliu/walletbridge/pkg/config"
	"github.com/rexliu/walletbridge/pkg/engine"
	"github.com/rexliu/walletbridge/pkg/ipc"
	"github.com/rexliu/walletbridge/pkg/logging"
	"github.com/rexliu/walletbridge/pkg/metrics"
	"github.com/rexliu/walletbridge/pkg/relay"
	"github.com/rexliu/walletbridge/pkg/storage/sqlite"
	"github.com/rexliu/walletbridge/pkg/wallet"
)

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	flag.Parse()

	logger := logging.New("walletd")
	logger.Info("starting daemon", "profile", *profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, logger); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, profileDir, socketOverride string, logger *logging.Logger) error {
	cfg, err := config.LoadProfile(profileDir)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if socketOverride != "" {
		cfg.IPC.SocketPath = socketOverride
	}
	if err := logger.Configure(cfg.Logging); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	m := metrics.New()

	var journal relay.Journal
	if cfg.Journal.Enabled {
		store, err := sqlite.Open(cfg.Journal.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		journal = store
	}

	proc := engine.NewProcess(engine.ProcessOptions{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Logger:  logger.Logger,
	})
	r := relay.New(proc, relay.Options{
		Logger:      logger.Logger,
		Metrics:     m,
		Journal:     journal,
		Retain:      cfg.Journal.Retain,
		CallTimeout: cfg.Engine.CallTimeout.Duration,
		InitArgs: wallet.InitArgs{
			PersistentStoragePath: cfg.Engine.StoragePath,
			LogLevel:              cfg.Engine.LogLevel,
		},
	})
	startCtx, cancelStart := context.WithTimeout(ctx, time.Minute)
	err = r.Start(startCtx)
	cancelStart()
	if err != nil {
		_ = r.Close()
		return err
	}
	defer r.Close()

	if err := cleanupSocket(cfg.IPC.SocketPath); err != nil {
		return err
	}
	srv := ipc.NewServer(r, ipc.ServerOptions{
		RateLimit:    cfg.IPC.RateLimitRPS,
		Burst:        cfg.IPC.RateLimitBurst,
		WriteTimeout: cfg.IPC.WriteTimeout.Duration,
		SendQueue:    cfg.IPC.SendQueue,
		Logger:       logger.Logger,
		Metrics:      m,
	})
	r.Register(srv)
	srv.Register(opStatus, statusHandler(cfg.ProfileName, r, srv))
	if err := srv.Start(ctx, cfg.IPC.SocketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer func() {
		_ = srv.Stop()
		_ = cleanupSocket(cfg.IPC.SocketPath)
	}()

	if cfg.Metrics.ListenAddr != "" {
		ms := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
	}

	logger.Info("daemon ready", "socket", cfg.IPC.SocketPath, "journal", cfg.Journal.Enabled)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			return fmt.Errorf("wallet engine exited: %w", err)
		}
		return errors.New("wallet engine exited")
	}
	return nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
