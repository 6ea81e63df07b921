// Command cooker is the cooking daemon binary. It loads a YAML configuration
// file, wires the Persisted State store, the optional PostgreSQL history
// mirror, and the Core Runtime (every watcher, the rule matcher, the command
// graph, and the scheduler), exposes the REST and WebSocket observability
// surface over HTTP, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cookforge/cooker/internal/api/rest"
	"github.com/cookforge/cooker/internal/api/ws"
	"github.com/cookforge/cooker/internal/audit"
	"github.com/cookforge/cooker/internal/config"
	"github.com/cookforge/cooker/internal/historymirror"
	"github.com/cookforge/cooker/internal/runtime"
	"github.com/cookforge/cooker/internal/state"
)

func main() {
	configPath := flag.String("config", "/etc/cooker/config.yaml", "path to the cooking daemon YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cooker: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("num_repos", len(cfg.Repos)),
		slog.String("state_path", cfg.StatePath),
		slog.String("log_level", cfg.LogLevel),
	)

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		logger.Error("failed to open persisted state", slog.String("path", cfg.StatePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mirror *historymirror.Mirror
	if cfg.HistoryMirror != nil {
		mirror, err = historymirror.New(ctx, cfg.HistoryMirror.ConnString, cfg.HistoryMirror.BatchSize, cfg.HistoryMirror.FlushInterval)
		if err != nil {
			logger.Error("failed to open history mirror", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("history mirror connected")
	}

	bc := ws.NewBroadcaster(logger, 0)
	defer bc.Close()

	var auditLog *audit.Logger
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("audit log enabled", slog.String("path", cfg.AuditLogPath))
	}

	repoSpecs := make([]runtime.RepoSpec, len(cfg.Repos))
	for i, r := range cfg.Repos {
		repoSpecs[i] = runtime.RepoSpec{Name: r.Name, Root: r.Root}
	}

	rtOpts := []runtime.Option{
		runtime.WithStateStore(store),
		runtime.WithBroadcaster(bc),
	}
	if mirror != nil {
		rtOpts = append(rtOpts, runtime.WithHistoryMirror(mirror))
	}
	if auditLog != nil {
		rtOpts = append(rtOpts, runtime.WithAuditLog(auditLog))
	}

	rt, err := runtime.New(repoSpecs, cfg.RuleFiles, cfg.Parallelism, cfg.MaxRetries, logger, rtOpts...)
	if err != nil {
		logger.Error("failed to construct runtime", slog.Any("error", err))
		os.Exit(1)
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start runtime", slog.Any("error", err))
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.API.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.API.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("no JWT public key configured; observability API authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(rt)
	mux := http.NewServeMux()
	mux.Handle("/", rest.NewRouter(restSrv, pubKey))
	mux.Handle("/ws/commands", ws.NewHandler(bc, logger, 10*time.Second))

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // disabled: the /ws/commands connection is long-lived
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("observability API listening", slog.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("observability API error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	rt.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability API shutdown error", slog.Any("error", err))
	}

	if mirror != nil {
		mirror.Close(shutdownCtx)
	}

	logger.Info("cooker exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
