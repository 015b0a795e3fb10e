package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/floegence/redeven-console/internal/chat"
	"github.com/floegence/redeven-console/internal/chat/mirror"
	"github.com/floegence/redeven-console/internal/config"
	"github.com/floegence/redeven-console/internal/lockfile"
	"github.com/floegence/redeven-console/internal/remote"
	"github.com/floegence/redeven-console/internal/ui"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "version" {
		fmt.Printf("redeven-console %s (%s) %s\n", Version, Commit, BuildTime)
		return
	}

	fs := flag.NewFlagSet("redeven-console", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(os.Args[1:])

	if err := run(filepath.Clean(*cfgPath)); err != nil {
		fmt.Fprintf(os.Stderr, "redeven-console: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stateDir, err := cfg.EffectiveStateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return err
	}

	// One console per state dir: the sqlite mirror is single-writer.
	lk, err := lockfile.Acquire(filepath.Join(stateDir, "console.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return fmt.Errorf("another redeven-console is already running for %s", stateDir)
		}
		return err
	}
	defer lk.Release()

	// The TUI owns the terminal, so logs go to a file under state_dir.
	logFile, err := os.OpenFile(filepath.Join(stateDir, "console.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger, err := config.NewLoggerTo(logFile, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	store, err := mirror.Open(filepath.Join(stateDir, "mirror.db"))
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer store.Close()

	direct, err := cfg.DirectConnectInfo()
	if err != nil {
		return fmt.Errorf("direct connect info: %w", err)
	}

	var sess *chat.Session
	client, err := remote.NewClient(remote.Options{
		Logger: logger,
		Direct: direct,
		OnEvent: func(ev chat.RealtimeEvent) {
			sess.HandleRealtimeEvent(ev)
		},
		OnConnected: func(ctx context.Context, activeRuns []chat.ActiveThreadRun) {
			sess.HandleConnected(ctx, activeRuns)
		},
	})
	if err != nil {
		return err
	}

	sess, err = chat.NewSession(chat.Options{
		Logger:         logger,
		Gateway:        client,
		Mirror:         store,
		RunIdleTimeout: cfg.Chat.EffectiveRunIdleTimeout(),
		RunMaxWallTime: cfg.Chat.EffectiveRunMaxWallTime(),
		CancelWait:     cfg.Chat.EffectiveCancelWait(),
		PollInterval:   cfg.Chat.EffectivePollInterval(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := sess.WarmStart(ctx); err != nil {
		logger.Warn("console.warm_start_failed", "error", err)
	}

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("console.channel_loop_exited", "error", err)
		}
	}()

	logger.Info("console.starting",
		"version", Version,
		"environment_id", cfg.EnvironmentID,
		"state_dir", stateDir,
	)
	return ui.Run(ui.Options{Session: sess})
}
