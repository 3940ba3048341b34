package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lukolszewski/local-rerank/internal/auth"
	"github.com/lukolszewski/local-rerank/internal/config"
	"github.com/lukolszewski/local-rerank/internal/metrics"
	"github.com/lukolszewski/local-rerank/internal/reranker"
	"github.com/lukolszewski/local-rerank/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet; fall back to a JSON handler on stdout.
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	slog.Info("starting rerank service",
		"http_port", cfg.Port,
		"grpc_port", cfg.GRPCPort,
		"backend", cfg.Backend,
		"model", cfg.ModelName,
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	scorer, info, err := newScorer(cfg)
	if err != nil {
		return err
	}

	m := metrics.New(nil)

	svc, err := reranker.NewService(scorer,
		reranker.WithDefaultModel(cfg.ModelName),
		reranker.WithLogger(logger),
		reranker.WithObserver(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create rerank service: %w", err)
	}

	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(auth.DefaultJWTConfig(cfg.JWTSecret))
	}
	authenticator := auth.NewAuthenticator(cfg.APIKey, jwtManager, logger)
	if authenticator.Enabled() {
		slog.Info("authentication enabled for /rerank",
			"api_key", cfg.APIKey != "",
			"jwt", jwtManager != nil,
		)
	}

	var ready atomic.Bool

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:             cfg.Port,
		Logger:           logger,
		AllowedOrigins:   cfg.AllowedOrigins,
		H2C:              cfg.H2CEnabled,
		ExposeErrorTrace: cfg.ExposeErrorTrace,
	}, server.Dependencies{
		Reranker: svc,
		Info:     info,
		Auth:     authenticator,
		Metrics:  m,
		Ready:    ready.Load,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	var grpcServer *server.GRPCServer
	if cfg.GRPCPort != 0 {
		grpcServer, err = server.NewGRPCServer(server.GRPCServerConfig{
			Port:   cfg.GRPCPort,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
	}

	// Bind both ports before reporting ready so a bind failure never
	// follows a ready probe.
	httpListener, err := httpServer.Listen()
	if err != nil {
		return err
	}
	var grpcListener net.Listener
	if grpcServer != nil {
		if grpcListener, err = grpcServer.Listen(); err != nil {
			_ = httpListener.Close()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Serve(httpListener)
	})

	if grpcServer != nil {
		g.Go(func() error {
			return grpcServer.Serve(grpcListener)
		})
		grpcServer.SetServing(true)
	}
	ready.Store(true)

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("received shutdown signal")
		}

		ready.Store(false)
		if grpcServer != nil {
			grpcServer.SetServing(false)
		}

		// Graceful shutdown
		slog.Info("shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if grpcServer != nil {
			if err := grpcServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("gRPC server shutdown error: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("servers stopped")
	return nil
}

// newScorer constructs the configured backend. A local engine that cannot
// initialize aborts startup.
func newScorer(cfg *config.Config) (reranker.Scorer, server.InfoResponse, error) {
	info := server.InfoResponse{
		ModelName: cfg.ModelName,
		Version:   cfg.Version,
		BuildID:   cfg.BuildID,
		CommitSHA: cfg.CommitSHA,
		Backend:   cfg.Backend,
		ModelPath: cfg.ModelPath,
	}

	if cfg.IsLocal() {
		slog.Info("loading model",
			"model_path", cfg.ModelPath,
			"projector_path", cfg.ProjectorPath,
			"executable", cfg.LlamaEmbeddingPath,
		)
		engine, err := reranker.NewLocalEngine(reranker.LocalConfig{
			ExecutablePath: cfg.LlamaEmbeddingPath,
			ModelPath:      cfg.ModelPath,
			ProjectorPath:  cfg.ProjectorPath,
			Timeout:        cfg.LocalEngineTimeout,
		})
		if err != nil {
			return nil, info, err
		}
		slog.Info("model loaded successfully", "executable", engine.Executable())
		info.ProjectorPath = cfg.ProjectorPath
		return engine, info, nil
	}

	engine, err := reranker.NewRemoteEngine(reranker.RemoteConfig{
		BaseURL: cfg.RemoteURL,
		Path:    cfg.RemoteRerankPath,
		Timeout: cfg.RemoteTimeout,
	})
	if err != nil {
		return nil, info, fmt.Errorf("failed to create remote engine: %w", err)
	}
	slog.Info("using remote reranker", "endpoint", engine.Endpoint())
	info.RemoteURL = cfg.RemoteURL
	return engine, info, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "rerankd")
}

// Ensure interfaces are satisfied at compile time
var (
	_ reranker.Scorer   = (*reranker.LocalEngine)(nil)
	_ reranker.Scorer   = (*reranker.RemoteEngine)(nil)
	_ reranker.Observer = (*metrics.Metrics)(nil)
	_ server.Reranker   = (*reranker.Service)(nil)
)
