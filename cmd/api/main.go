package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/auth"
	"licensehub.org/internal/config"
	"licensehub.org/internal/httpapi"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/obs"
	"licensehub.org/internal/store"
	"licensehub.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal("licensehub-api stopped", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if err := obs.InitLogger(cfg.LogLevel); err != nil {
		return err
	}
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	backend, err := store.Open(openCtx, cfg)
	cancelOpen()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := backend.Close(closeCtx); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
	if err != nil {
		return err
	}

	hub := stream.New(64)
	leases := lease.NewService(backend.Leases,
		lease.WithPolicy(cfg.Policy()),
		lease.WithRecorder(audit.Multi(
			audit.LogRecorder{},
			audit.MetricsRecorder{},
			hub,
			backend.UsageLog,
		)),
	)

	ready := httpapi.StoreReadiness{Store: backend}
	api := httpapi.New(ready, version, leases, tokens,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins),
		httpapi.WithStream(hub),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Zero so the event stream is not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(leases, ready, version, tokens)
	gs := grpc.NewServer(grpc.UnaryInterceptor(grpcSrv.UnaryInterceptor()))
	grpcSrv.Register(gs)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go refreshHealth(ctx, grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version), zap.String("store", backend.Name))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		stop()
	}

	grpcSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	gs.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func refreshHealth(ctx context.Context, s *httpapi.GRPCServer) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		if err := s.RefreshHealth(ctx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("store not ready", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
