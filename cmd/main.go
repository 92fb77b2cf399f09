package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/tripguard/internal/config"
	"github.com/l0p7/tripguard/internal/logging"
	"github.com/l0p7/tripguard/internal/metrics"
	"github.com/l0p7/tripguard/internal/runtime"
	"github.com/l0p7/tripguard/internal/runtime/events"
	"github.com/l0p7/tripguard/internal/server"
	"github.com/l0p7/tripguard/internal/travel"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "TRIPGUARD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		logger.Error("unable to assemble service", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.Error("governance shutdown failed", slog.Any("error", err))
		}
	}()
	a.pipeline.Start(ctx)

	srv, err := server.New(cfg, logger, a.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// appOptions overrides collaborators in tests.
type appOptions struct {
	Now      func() time.Time
	Provider travel.Provider
}

type app struct {
	pipeline *runtime.Pipeline
	handler  http.Handler
	watcher  *config.FileWatcher
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	publisher := buildPublisher(logger.With(slog.String("agent", "events_factory")), cfg.Server.Events)

	pipe, err := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Store:      cfg.Server.Store,
		Governance: cfg.Governance,
		Publisher:  publisher,
		Metrics:    recorder,
		Now:        opts.Now,
	})
	if err != nil {
		_ = publisher.Close(ctx)
		return nil, err
	}

	provider := opts.Provider
	if provider == nil && strings.TrimSpace(cfg.Providers.BaseURL) != "" {
		httpProvider, err := travel.NewHTTPProvider(cfg.Providers.BaseURL, time.Duration(cfg.Providers.TimeoutSeconds)*time.Second)
		if err != nil {
			_ = pipe.Close(ctx)
			return nil, err
		}
		provider = httpProvider
	}
	api, err := travel.New(travel.Options{
		Store:    pipe.Store(),
		Provider: provider,
		CacheTTL: time.Duration(cfg.Providers.CacheTTLSeconds) * time.Second,
		Kinds:    cfg.Providers.SearchKinds,
		Logger:   logger,
	})
	if err != nil {
		_ = pipe.Close(ctx)
		return nil, err
	}

	a := &app{
		pipeline: pipe,
		handler: server.NewHandler(server.Deps{
			Pipeline:   pipe,
			API:        api,
			Metrics:    recorder.Handler(),
			AdminToken: cfg.Admin.Token,
		}),
	}

	if path := strings.TrimSpace(cfg.Governance.Tracker.AccessListFile); path != "" {
		watchLogger := logger.With(slog.String("agent", "access_list"))
		watcher, err := config.WatchAccessList(ctx, path, func(list config.AccessList) {
			if err := pipe.Tracker().SyncAccessList(list.Allow, list.Deny); err != nil {
				watchLogger.Error("access list rejected", slog.Any("error", err))
				return
			}
			watchLogger.Info("access list applied",
				slog.Int("allow", len(list.Allow)),
				slog.Int("deny", len(list.Deny)),
			)
		}, func(err error) {
			if err != nil {
				watchLogger.Error("access list watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			watchLogger.Error("access list watcher setup failed", slog.String("path", path), slog.Any("error", err))
		} else {
			a.watcher = watcher
		}
	}
	return a, nil
}

func (a *app) close(ctx context.Context) error {
	a.watcher.Stop()
	return a.pipeline.Close(ctx)
}

func buildPublisher(logger *slog.Logger, cfg config.EventsConfig) events.Publisher {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "none":
		return events.Noop{}
	case "valkey":
		publisher, err := events.NewValkey(events.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Channel:  cfg.Valkey.Channel,
			TLS: events.TLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey event sink initialization failed", slog.Any("error", err))
			logger.Info("falling back to discarding events")
			return events.Noop{}
		}
		logger.Info("publishing governance events to valkey",
			slog.String("address", cfg.Valkey.Address),
			slog.String("channel", publisher.Channel()),
		)
		return publisher
	default:
		logger.Warn("unsupported event backend, discarding events", slog.String("backend", cfg.Backend))
		return events.Noop{}
	}
}
