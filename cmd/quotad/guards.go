package main

import (
	"context"
	"fmt"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/config"
	"github.com/edgequota/edgequota/internal/quota"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/spikearrest"
	"github.com/edgequota/edgequota/pkg/logger"
)

// guard is a limiter protecting the daemon's own routes.
type guard struct {
	name    string
	limiter ratelimit.Limiter
	paths   []string
}

// defaultGuardPaths are guarded when a policy names no paths of its own.
var defaultGuardPaths = []string{authority.PathApply}

// buildGuards turns the policy file, or the RATE_LIMIT_* defaults when no
// file is configured, into limiters. Spike arrests run before quotas so a
// burst is smoothed before it is counted.
func buildGuards(ctx context.Context, cfg *config.Config, b *backend, log *logger.Logger) ([]guard, error) {
	if !cfg.Rate.Enabled {
		return nil, nil
	}

	policies, err := guardPolicies(cfg)
	if err != nil {
		return nil, err
	}

	var guards []guard
	fail := func(err error) ([]guard, error) {
		for _, g := range guards {
			_ = g.limiter.Close()
		}
		return nil, err
	}

	for _, p := range policies.SpikeArrests {
		l, err := spikearrest.New(ctx, spikearrest.Config{
			Name:       p.Name,
			TimeUnit:   p.TimeUnit,
			Allow:      p.Allow,
			BufferSize: p.BufferSize,
		}, b.spikes, spikearrest.WithLogger(log))
		if err != nil {
			return fail(fmt.Errorf("spike arrest %q: %w", p.Name, err))
		}
		guards = append(guards, guard{name: p.Name, limiter: l, paths: pathsOrDefault(p.Paths)})
	}

	for _, p := range policies.Quotas {
		start, err := p.Start()
		if err != nil {
			return fail(err)
		}
		l, err := quota.New(ctx, quota.Config{
			Name:      p.Name,
			TimeUnit:  p.TimeUnit,
			Interval:  p.Interval,
			Allow:     p.Allow,
			StartTime: start,
		}, b.quotas)
		if err != nil {
			return fail(fmt.Errorf("quota %q: %w", p.Name, err))
		}
		guards = append(guards, guard{name: p.Name, limiter: l, paths: pathsOrDefault(p.Paths)})
	}

	return guards, nil
}

func guardPolicies(cfg *config.Config) (*config.PolicyFile, error) {
	if cfg.Rate.PoliciesFile != "" {
		return config.LoadPolicies(cfg.Rate.PoliciesFile)
	}

	pf := &config.PolicyFile{
		Quotas: []config.QuotaPolicy{{
			Name:     "default",
			TimeUnit: cfg.Rate.TimeUnit,
			Interval: cfg.Rate.Interval,
			Allow:    cfg.Rate.Allow,
		}},
	}
	if cfg.Rate.SpikeAllow > 0 {
		pf.SpikeArrests = append(pf.SpikeArrests, config.SpikeArrestPolicy{
			Name:       "default-spike",
			TimeUnit:   cfg.Rate.SpikeTimeUnit,
			Allow:      cfg.Rate.SpikeAllow,
			BufferSize: cfg.Rate.SpikeBuffer,
		})
	}
	return pf, nil
}

func pathsOrDefault(paths []string) []string {
	if len(paths) == 0 {
		return defaultGuardPaths
	}
	return paths
}
