// Package store selects and opens the configured license store backend.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/config"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/migrate"
	"licensehub.org/internal/obs"
	"licensehub.org/internal/store/mongo"
	"licensehub.org/internal/store/pg"
)

// Backend bundles a lease store with its usage log sink and lifecycle hooks.
type Backend struct {
	Name     string
	Leases   lease.Store
	UsageLog audit.Recorder

	ping  func(context.Context) error
	close func(context.Context) error
}

// Ping reports whether the backend is reachable. The memory store always is.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

func (b *Backend) Close(ctx context.Context) error {
	if b.close == nil {
		return nil
	}
	return b.close(ctx)
}

// Open connects to the backend named by cfg.Store. Postgres schemas are
// migrated and mongo indexes created before the backend is returned.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	log := obs.Logger().With(zap.String("store", cfg.Store))
	switch cfg.Store {
	case config.StoreMemory, "":
		log.Warn("using in-memory license store; state is lost on restart")
		return &Backend{Name: config.StoreMemory, Leases: lease.NewMemoryStore()}, nil

	case config.StorePostgres:
		s, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := migrate.NewManager(s.DB(), pg.Migrations(), nil).Up(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("postgres store ready")
		return &Backend{
			Name:     config.StorePostgres,
			Leases:   s,
			UsageLog: s.UsageLog(),
			ping:     s.Ping,
			close:    func(context.Context) error { return s.Close() },
		}, nil

	case config.StoreMongo:
		s, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		log.Info("mongo store ready", zap.String("database", cfg.MongoDatabase))
		return &Backend{
			Name:     config.StoreMongo,
			Leases:   s,
			UsageLog: s.UsageLog(),
			ping:     s.Ping,
			close:    s.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
