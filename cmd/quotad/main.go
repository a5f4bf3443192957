// Package main is the entry point for the quota authority daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/edgequota/edgequota/internal/config"
	"github.com/edgequota/edgequota/internal/handlers"
	"github.com/edgequota/edgequota/internal/server"
	"github.com/edgequota/edgequota/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel).With("service", "quotad", "env", cfg.App.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close(log)

	guards, err := buildGuards(ctx, cfg, b, log)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithAuthority(handlers.NewAuthorityHandler(b.quotas, log.With("component", "authority"),
			handlers.WithMaxPolicies(cfg.Authority.MaxPolicies),
		)),
	}
	for _, g := range guards {
		opts = append(opts, server.WithRateLimiter(g.name, g.limiter, g.paths))
	}
	for name, check := range b.checks {
		opts = append(opts, server.WithHealthCheck(name, check))
	}

	srv := server.New(cfg, log, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	for _, job := range b.jobs {
		g.Go(func() error { return job(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("quota authority started",
		"backend", cfg.Rate.Backend,
		"address", cfg.Server.Address(),
		"guards", len(guards),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
