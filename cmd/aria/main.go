// Command aria is the main entry point for the aria voice assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aria-voice/aria/internal/config"
	"github.com/aria-voice/aria/internal/gateway"
	"github.com/aria-voice/aria/internal/health"
	"github.com/aria-voice/aria/internal/observe"
	"github.com/aria-voice/aria/pkg/assist"
	"github.com/aria-voice/aria/pkg/history"
	"github.com/aria-voice/aria/pkg/history/postgres"
	"github.com/aria-voice/aria/pkg/live"
	"github.com/aria-voice/aria/pkg/live/gemini"
)

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aria: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aria: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	setLevel(logLevel, cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	slog.Info("aria starting",
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aria"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config watcher: hot log-level reload ──────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		if old.Server.LogLevel != updated.Server.LogLevel {
			setLevel(logLevel, updated.Server.LogLevel)
			slog.Info("log level changed", "level", updated.Server.LogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	apiKey := cfg.Live.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	// ── Turn store ────────────────────────────────────────────────────────────
	var store history.Store
	var checkers []health.Checker
	if cfg.History.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.History.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Ping})
		slog.Info("conversation history stored in postgres")
	} else {
		store = history.NewMemStore()
		slog.Warn("no postgres_dsn configured, conversation history is kept in memory")
	}

	checkers = append(checkers, health.Checker{
		Name: "live",
		Check: func(context.Context) error {
			if apiKey == "" {
				return errors.New("no api key configured")
			}
			return nil
		},
	})

	// ── Live provider ─────────────────────────────────────────────────────────
	var provOpts []gemini.Option
	if cfg.Live.BaseURL != "" {
		provOpts = append(provOpts, gemini.WithBaseURL(cfg.Live.BaseURL))
	}
	if cfg.Live.ConnectTimeout > 0 {
		provOpts = append(provOpts, gemini.WithConnectTimeout(cfg.Live.ConnectTimeout))
	}
	provider := gemini.New(apiKey, provOpts...)

	liveCfg := live.Config{
		Model:             cfg.Live.Model,
		SystemInstruction: cfg.Live.SystemInstruction,
		Voice:             cfg.Live.Voice,
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	gwOpts := []gateway.Option{
		gateway.WithAudioFormat(cfg.Audio.CaptureRate, cfg.Audio.FrameSize, cfg.Audio.PlaybackRate),
		gateway.WithQueueDepth(cfg.Audio.QueueDepth),
		gateway.WithHealthCheckers(checkers...),
	}
	if apiKey != "" {
		assistant, err := assist.New(ctx, apiKey, assist.Config{
			TextModel:         cfg.Assist.TextModel,
			VisionModel:       cfg.Assist.VisionModel,
			TranscribeModel:   cfg.Assist.TranscribeModel,
			SystemInstruction: cfg.Live.SystemInstruction,
		})
		if err != nil {
			slog.Error("failed to initialise assistant", "err", err)
			return 1
		}
		gwOpts = append(gwOpts, gateway.WithAssistant(assistant))
	} else {
		slog.Warn("no api key configured, assistant endpoints disabled")
	}

	srv := gateway.New(provider, store, liveCfg, gwOpts...)

	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve until signalled ─────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", listenAddr, "tls", cfg.Server.TLS != nil)
		var err error
		if cfg.Server.TLS != nil {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// setLevel maps the configured level onto the handler's level variable.
func setLevel(v *slog.LevelVar, level config.LogLevel) {
	switch level {
	case config.LogDebug:
		v.Set(slog.LevelDebug)
	case config.LogWarn:
		v.Set(slog.LevelWarn)
	case config.LogError:
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
