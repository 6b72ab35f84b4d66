package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/juju/clock"

	"github.com/agentbox/agentbox/internal/access"
	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/config"
	"github.com/agentbox/agentbox/internal/emitter"
	"github.com/agentbox/agentbox/internal/ingest"
	"github.com/agentbox/agentbox/internal/pkg/logctx"
	"github.com/agentbox/agentbox/internal/realtime"
	"github.com/agentbox/agentbox/internal/retention"
	"github.com/agentbox/agentbox/internal/store"
)

const DefaultConfigPath = "./agentbox.yaml"

var (
	currentLogFile  *os.File
	currentLogPath  string
	currentLogLevel slog.Leveler
	currentApp      string
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", DefaultConfigPath, "Path to config file")
	port := flag.Int("port", 0, "Port to listen on (TCP, overrides config)")
	socketPath := flag.String("socket", "", "Unix domain socket path (overrides config)")
	logLevelFlag := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()

	level := parseLevel(*logLevelFlag, slog.LevelInfo)
	logger := logctx.WrapLogger(newFileLogger("agentbox", level))
	slog.SetDefault(logger)

	// Handle SIGHUP to reopen log file after external rotation
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if currentLogFile != nil {
				_ = currentLogFile.Close()
			}
			newLogger := logctx.WrapLogger(newFileLogger(currentApp, currentLogLevel))
			slog.SetDefault(newLogger)
			slog.Info("log file reopened", slog.String("path", currentLogPath))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.InfoContext(ctx, "loading config", slog.String("path", *configPath))
	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", slog.Any("err", err))
		return 1
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	if *socketPath != "" {
		cfg.Listen.Socket = *socketPath
	}

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open store", slog.Any("err", err))
		return 1
	}
	defer func() { _ = st.Close() }()
	slog.InfoContext(ctx, "store opened", slog.String("database", cfg.Database))

	hub := bus.NewHub()
	em := emitter.New(st, hub)
	em.Start(ctx)

	policy := access.NewPolicy(st)
	ing := ingest.NewService(st, em, cfg.Limits.MaxSandboxesPerUser)

	sweeper := retention.NewSweeper(st, em,
		cfg.Retention.MaxAge.Std(), cfg.Retention.SweepInterval.Std(), clock.WallClock)
	sweeper.Start(ctx)

	opts := realtime.Options{
		Hub:      hub,
		Policy:   policy,
		Emitter:  em,
		Ingest:   ing,
		Identity: realtime.HeaderIdentity,
		Sweep:    sweeper.SweepOnce,
		Realtime: cfg.Realtime,
	}

	var server *realtime.Server
	if cfg.Listen.Socket != "" {
		server, err = realtime.NewUnixServer(ctx, opts, cfg.Listen.Socket)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create unix socket server", slog.Any("err", err))
			return 1
		}
		slog.InfoContext(ctx, "server started", slog.String("transport", "unix"), slog.String("socket", cfg.Listen.Socket))
	} else {
		server, err = realtime.NewServer(ctx, opts, cfg.Listen.Port)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create TCP server", slog.Any("err", err))
			return 1
		}
		slog.InfoContext(ctx, "server started", slog.String("transport", "tcp"), slog.Int("port", cfg.Listen.Port))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down")

	if err := server.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "server forced to shutdown", slog.Any("err", err))
		return 1
	}
	sweeper.Stop()
	em.Stop()

	slog.InfoContext(ctx, "server stopped")
	return 0
}

func newFileLogger(app string, level slog.Leveler) *slog.Logger {
	logDir := defaultLogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		// If we cannot create the directory, fallback to stderr so we don't lose logs
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		return slog.New(h).With(slog.String("app", app))
	}
	filePath := filepath.Join(logDir, fmt.Sprintf("%s.log", app))
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fallback to stderr if file cannot be opened
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		return slog.New(h).With(slog.String("app", app))
	}
	currentLogFile = f
	currentLogPath = filePath
	currentLogLevel = level
	currentApp = app

	h := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(slog.String("app", app))
}

func parseLevel(s string, def slog.Level) slog.Leveler {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return def
	}
}

func defaultLogDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, "agentbox")
	}
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "darwin" {
		if home != "" {
			return filepath.Join(home, "Library", "Logs", "agentbox")
		}
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "agentbox")
	}
	return filepath.Join(os.TempDir(), "agentbox")
}
