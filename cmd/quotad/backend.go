package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/config"
	"github.com/edgequota/edgequota/internal/database"
	"github.com/edgequota/edgequota/internal/handlers"
	"github.com/edgequota/edgequota/internal/quota"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/spikearrest"
	"github.com/edgequota/edgequota/internal/store"
	"github.com/edgequota/edgequota/pkg/logger"
)

// backend is the counting backend selected by RATE_LIMIT_BACKEND, with
// the health checks and background jobs it brings along.
type backend struct {
	quotas  quota.BackendFactory
	spikes  spikearrest.BackendFactory
	checks  map[string]handlers.CheckFunc
	jobs    []func(context.Context) error
	closers []func() error
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	b := &backend{checks: make(map[string]handlers.CheckFunc)}

	switch cfg.Rate.Backend {
	case config.BackendMemory:
		b.quotas = quota.Memory(
			quota.WithSweepInterval(cfg.Rate.SweepInterval),
			quota.WithLogger(log),
		)
		b.spikes = spikearrest.Memory(
			spikearrest.WithSweepInterval(cfg.Rate.SweepInterval),
			spikearrest.WithLogger(log),
		)

	case config.BackendRedis:
		client, err := store.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rs := store.NewRedisStore(client)
		b.quotas = quota.Shared(rs, quota.WithLogger(log))
		b.spikes = spikearrest.Shared(rs, spikearrest.WithLogger(log))
		b.checks["redis"] = rs.Ping
		b.closers = append(b.closers, rs.Close)

	case config.BackendPostgres:
		pool, err := database.NewPool(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		if err := prometheus.Register(pool.Collector()); err != nil {
			log.Warn("pool metrics not registered", "error", err)
		}

		migrator, err := database.NewMigrator(pool)
		if err != nil {
			b.close(log)
			return nil, err
		}
		applied, err := migrator.Up(ctx)
		if err != nil {
			b.close(log)
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("database migrated", "applied", applied)

		ps := store.NewPostgresStore(pool, log)
		b.quotas = quota.Shared(ps, quota.WithLogger(log))
		b.spikes = spikearrest.Shared(ps, spikearrest.WithLogger(log))
		b.checks["postgres"] = pool.HealthCheck
		b.jobs = append(b.jobs, func(ctx context.Context) error {
			return ps.RunJanitor(ctx, cfg.Database.PurgeInterval)
		})

	case config.BackendDelegated:
		opts := []authority.ClientOption{
			authority.WithTimeout(cfg.Authority.Timeout),
			authority.WithClientLogger(log.With("component", "authority-client")),
		}
		if cfg.Authority.RPS > 0 {
			opts = append(opts, authority.WithRequestRate(cfg.Authority.RPS, cfg.Authority.Burst))
		}
		client := authority.NewClient(cfg.Authority.URL, opts...)
		b.quotas = quota.Delegated(client)
		// The authority protocol has no spike-arrest call; arrests stay local.
		b.spikes = spikearrest.Memory(spikearrest.WithLogger(log))
		b.checks["authority"] = func(ctx context.Context) error {
			_, err := client.Version(ctx)
			return err
		}

	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ratelimit.ErrConfiguration, cfg.Rate.Backend)
	}

	return b, nil
}

func (b *backend) close(log *logger.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Error("failed to close backend", "error", err.Error())
		}
	}
	b.closers = nil
}
