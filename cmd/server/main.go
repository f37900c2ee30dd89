package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/sandbox"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus collectors
			metrics.New,

			// Orchestrator based on config
			fx.Annotate(
				sandbox.NewExecutor,
				fx.As(new(sandbox.Orchestrator)),
			),

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(
			registerTransport,
			registerMetricsServer,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// registerTransport starts the configured MCP transport with the app
func registerTransport(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) error {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = server.ServeHTTP
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := serve()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("MCP transport stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				// stdio returns when the client closes the stream
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
	return nil
}

// registerMetricsServer serves /metrics on server.metrics_port; zero disables it
func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) {
	if cfg.Server.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("serving metrics", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
