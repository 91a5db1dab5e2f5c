// Command sweep clears expired activations and reservations once and exits.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/config"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/obs"
	"licensehub.org/internal/store"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal("sweep failed", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := obs.InitLogger(cfg.LogLevel); err != nil {
		return err
	}
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	leases := lease.NewService(backend.Leases,
		lease.WithPolicy(cfg.Policy()),
		lease.WithRecorder(audit.Multi(audit.LogRecorder{}, backend.UsageLog)),
	)
	res, err := leases.SweepExpired(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}
