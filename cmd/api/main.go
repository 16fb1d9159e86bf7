package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bastion.dev/internal/app"
	"bastion.dev/internal/config"
	"bastion.dev/internal/httpapi"
	"bastion.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to bastion.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bastion-api: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("close", zap.Error(err))
		}
	}()

	api := httpapi.New(a.Service, a, version,
		httpapi.WithAdminToken(cfg.AdminToken),
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithEventStream(a.Events),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.AdminToken == "" {
		logger.Warn("admin token not configured; provisioning routes are disabled")
	}

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	health := httpapi.NewHealthServer(a)
	if lis != nil {
		grpcSrv := httpapi.NewGRPCServer(health)
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}
	g.Go(func() error {
		health.Run(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
