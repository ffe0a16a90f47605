package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/playground/config"
	"github.com/isdmx/playground/encoder"
	"github.com/isdmx/playground/httpapi"
	"github.com/isdmx/playground/logger"
	"github.com/isdmx/playground/mcpserver"
	"github.com/isdmx/playground/metrics"
	"github.com/isdmx/playground/sandbox"
	"github.com/isdmx/playground/scheduler"
	"github.com/isdmx/playground/snippet"
)

func main() {
	// Local runs re-execute this binary as their jail init
	sandbox.RunJailInit()

	app := fx.New(
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics
			newRegistry,
			newMetrics,

			// Sandbox executor based on config
			newExecutor,
			newScheduler,
			newEncoder,

			// Snippet store
			newStore,

			// Transports
			newMCPServer,
			newHTTPServer,
		),

		fx.Invoke(run),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newExecutor(log *zap.Logger, cfg *config.Config) (*sandbox.Executor, error) {
	executor, err := sandbox.NewFromConfig(log, cfg)
	if err != nil {
		return nil, err
	}

	// Leftovers of a previous process that did not shut down cleanly
	removed, err := executor.Sweep()
	if err != nil {
		log.Warn("sweeping stale workspaces", zap.Error(err))
	} else if removed > 0 {
		log.Info("removed stale workspaces", zap.Int("count", removed))
	}
	return executor, nil
}

func newScheduler(log *zap.Logger, cfg *config.Config, executor *sandbox.Executor, m *metrics.Metrics) (*scheduler.Scheduler, error) {
	return scheduler.New(log, executor, cfg.Scheduler.MaxConcurrency, cfg.Scheduler.QueueCapacity, scheduler.WithMetrics(m))
}

func newEncoder(cfg *config.Config, executor *sandbox.Executor) *encoder.Encoder {
	return encoder.New(cfg.Sandbox.StderrPolicy, executor.Limits())
}

func newStore(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (snippet.Store, error) {
	store, err := snippet.Open(cfg.Storage.SnippetDB)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Storage.Seed {
				return nil
			}
			n, err := snippet.Seed(ctx, store)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("seeded example snippets", zap.Int("count", n))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newMCPServer(log *zap.Logger, sched *scheduler.Scheduler, enc *encoder.Encoder, executor *sandbox.Executor) *mcpserver.MCPServer {
	return mcpserver.New(log, sched, enc, executor.Languages())
}

func newHTTPServer(
	log *zap.Logger,
	cfg *config.Config,
	sched *scheduler.Scheduler,
	enc *encoder.Encoder,
	store snippet.Store,
	m *metrics.Metrics,
	reg *prometheus.Registry,
	mcp *mcpserver.MCPServer,
) *httpapi.Server {
	opts := []httpapi.Option{
		httpapi.WithMetrics(m, reg),
		httpapi.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if cfg.Server.MCP == config.MCPHTTP {
		opts = append(opts, httpapi.WithMCPHandler(mcp.HTTPHandler()))
	}
	return httpapi.New(log, sched, enc, store, opts...)
}

// run starts the transports. On stop the scheduler is closed before the HTTP
// server drains, so queued requests fail fast instead of holding connections open.
func run(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	log *zap.Logger,
	cfg *config.Config,
	srv *httpapi.Server,
	sched *scheduler.Scheduler,
	mcp *mcpserver.MCPServer,
) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Start(cfg.Server.HTTPPort); err != nil {
				return err
			}
			if cfg.Server.MCP == config.MCPStdio {
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("MCP stdio server stopped", zap.Error(err))
					}
					if err := shutdowner.Shutdown(); err != nil {
						log.Error("requesting shutdown", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := sched.Close(ctx); err != nil {
				log.Warn("closing scheduler", zap.Error(err))
			}
			return srv.Shutdown(ctx)
		},
	})
}
