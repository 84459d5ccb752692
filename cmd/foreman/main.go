package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/foreman/internal/bus"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/credential"
	"github.com/antigravity-dev/foreman/internal/engine"
	"github.com/antigravity-dev/foreman/internal/git"
	"github.com/antigravity-dev/foreman/internal/history"
	"github.com/antigravity-dev/foreman/internal/spawn"
	"github.com/antigravity-dev/foreman/internal/workflow"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "foreman.toml", "path to config file")
	once := flag.Bool("once", false, "run a single tick then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("foreman starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	masterKey := os.Getenv(cfg.Credentials.MasterKeyEnv)
	if masterKey == "" {
		logger.Error("master key environment variable is empty", "env", cfg.Credentials.MasterKeyEnv)
		os.Exit(1)
	}

	b := bus.NewMemory(256)

	store := workflow.NewStore(config.ExpandHome(cfg.Stores.WorkflowPath), logger.With("component", "workflow"), b)
	store.ResolveRepo = func(cwd string) (*workflow.Repo, error) {
		rc, err := git.ResolveRepoContext(cwd)
		if err != nil {
			return nil, err
		}
		return &workflow.Repo{
			Path:      rc.Path,
			Owner:     rc.Owner,
			Name:      rc.Name,
			RemoteURL: rc.RemoteURL,
		}, nil
	}

	creds, err := credential.NewService(config.ExpandHome(cfg.Stores.CredentialPath), masterKey, logger.With("component", "credential"), b)
	if err != nil {
		logger.Error("failed to open credential vault", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hist, err := history.Open(ctx, config.ExpandHome(cfg.Stores.HistoryPath))
	if err != nil {
		logger.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer hist.Close()

	spawner, err := spawn.NewRunner(spawn.Config{
		Command:          cfg.Spawn.Cmd,
		Args:             cfg.Spawn.Args,
		PromptMode:       cfg.Spawn.PromptMode,
		SystemPromptFlag: cfg.Spawn.SystemPromptFlag,
		LogDir:           config.ExpandHome(cfg.Spawn.LogDir),
	}, logger.With("component", "spawn"))
	if err != nil {
		logger.Error("failed to create session runner", "error", err)
		os.Exit(1)
	}

	eng := engine.New(store, spawner, git.Client{}, creds, hist, logger.With("component", "engine"))
	eng.SetTickInterval(cfg.General.TickInterval.Duration)

	if *once {
		logger.Info("running single tick (--once mode)")
		eng.Tick(ctx)
		logger.Info("single tick complete, exiting")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.Run(gctx)
		return nil
	})
	g.Go(func() error {
		creds.RunSweeper(gctx, cfg.Credentials.SweepInterval.Duration)
		return nil
	})

	logger.Info("foreman running",
		"tick_interval", cfg.General.TickInterval.Duration.String(),
		"workflow_store", cfg.Stores.WorkflowPath,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			cfg = cfgManager.Get()
			logger = configureLogger(cfg.General.LogLevel, *dev)
			slog.SetDefault(logger)
			eng.SetTickInterval(cfg.General.TickInterval.Duration)
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			if err := g.Wait(); err != nil {
				logger.Error("worker error during shutdown", "error", err)
			}
			logger.Info("foreman stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			cancel()
			_ = g.Wait()
			return
		}
	}
}
