package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genricoloni/coverd/internal/artwork"
	"github.com/genricoloni/coverd/internal/config"
	"github.com/genricoloni/coverd/internal/domain"
	"github.com/genricoloni/coverd/internal/engine"
	"github.com/genricoloni/coverd/internal/fetcher"
	"github.com/genricoloni/coverd/internal/httpapi"
	"github.com/genricoloni/coverd/internal/lookup"
	"github.com/genricoloni/coverd/internal/resolver"
	"github.com/genricoloni/coverd/internal/source"
	"github.com/genricoloni/coverd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const _stopTimeout = 15 * time.Second

// AppOptions is the complete dependency graph
var AppOptions = fx.Options(
	fx.Provide(
		config.NewAppConfig,
		newLogger,
		artwork.NewPlaceholder,
		store.New,
		newPersister,
		newLookup,
		newFetcher,
		newResolver,
		newGate,
		source.New,
		newEngine,
		newHTTPServer,
		func(r *resolver.Resolver) domain.Resolver { return r },
		func(s *store.Store) domain.ArtifactReader { return s },
	),
	fx.Invoke(registerHooks),
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		AppOptions,
	)

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "coverd: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), _stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "coverd: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the zap logger from LOG_LEVEL and LOG_FORMAT
func newLogger(cfg *config.AppConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}

func newPersister(logger *zap.Logger, cfg *config.AppConfig, st *store.Store, placeholder *artwork.Placeholder) *store.Persister {
	return store.NewPersister(logger.Named("persister"), st, cfg.StaticDir, placeholder)
}

// newLookup builds the iTunes client, behind the SQLite cache when one is configured
func newLookup(lc fx.Lifecycle, logger *zap.Logger, cfg *config.AppConfig) (domain.Lookup, error) {
	logger = logger.Named("lookup")
	itunes := lookup.NewITunesClient(logger, cfg.Lookup.Timeout,
		lookup.WithBaseURL(cfg.Lookup.ITunesBaseURL),
		lookup.WithCountry(cfg.Lookup.Country),
		lookup.WithArtworkSize(cfg.Lookup.ArtworkSize),
		lookup.WithRateLimit(cfg.Lookup.Rate),
	)
	if cfg.Lookup.CachePath == "" {
		return itunes, nil
	}

	cached, err := lookup.NewCachedLookup(logger, itunes, cfg.Lookup.CachePath, cfg.Lookup.NegativeTTL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(cached.Close))
	return cached, nil
}

func newFetcher(logger *zap.Logger, cfg *config.AppConfig) domain.Fetcher {
	return fetcher.NewHTTPFetcher(logger.Named("fetcher"), cfg.FetchTimeout)
}

func newResolver(logger *zap.Logger, cfg *config.AppConfig, lk domain.Lookup, f domain.Fetcher, st *store.Store) *resolver.Resolver {
	return resolver.New(logger.Named("resolver"), lk, f, st, cfg.RetainArtwork())
}

func newEngine(logger *zap.Logger, src domain.Source, res domain.Resolver, gate *engine.Gate) *engine.Engine {
	return engine.NewEngine(logger.Named("engine"), src, res, gate)
}

func newGate(cfg *config.AppConfig) *engine.Gate {
	return engine.NewGate(cfg.RetainArtwork())
}

func newHTTPServer(
	logger *zap.Logger,
	cfg *config.AppConfig,
	reader domain.ArtifactReader,
	placeholder *artwork.Placeholder,
	persister *store.Persister,
) *httpapi.Server {
	return httpapi.NewServer(logger.Named("http"), cfg.HTTP, reader, placeholder, httpapi.Info{
		Topic:        cfg.Topic(),
		Source:       cfg.Source,
		AlbumArtPath: persister.Path(),
	})
}

// registerHooks sets up application lifecycle hooks.
// fx starts hooks in order and stops them in reverse, so the persister
// restores before anything serves and flushes after everything has stopped.
func registerHooks(
	lc fx.Lifecycle,
	logger *zap.Logger,
	cfg *config.AppConfig,
	persister *store.Persister,
	srv *httpapi.Server,
	src domain.Source,
	eng *engine.Engine,
	res *resolver.Resolver,
) {
	lc.Append(fx.Hook{
		OnStart: persister.Start,
		OnStop:  persister.Stop,
	})

	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := eng.Start(ctx); err != nil {
				return err
			}
			if err := src.Start(ctx); err != nil {
				return multierr.Append(
					fmt.Errorf("failed to start %s source: %w", cfg.Source, err),
					eng.Stop(ctx),
				)
			}
			logger.Info("coverd started", cfg.Fields()...)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			// Closing the source ends the engine loop; the resolver goes last
			// so no new attempt can start while it drains.
			return multierr.Combine(
				src.Stop(ctx),
				eng.Stop(ctx),
				res.Stop(ctx),
			)
		},
	})
}
