// Package database provides the PostgreSQL pool behind the counter store.
package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgequota/edgequota/internal/config"
)

const (
	applicationName = "edgequota"

	defaultMaxConns = 10
	maxConnsCeiling = 1000

	// Counter statements touch one row; anything slower is a stuck lock.
	defaultStatementTimeout = 2 * time.Second
	lockTimeout             = time.Second
)

// Pool is the connection pool shared by the counter store, the migrator
// and the janitor.
type Pool struct {
	*pgxpool.Pool
}

// Stats is a snapshot of pool pressure. EmptyAcquires counts apply calls
// that had to wait for a connection.
type Stats struct {
	MaxConns      int32
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
	AcquireCount  int64
	EmptyAcquires int64
	AcquireWait   time.Duration
	CanceledWaits int64
}

// NewPool connects and pings. The pool is tuned by PoolConfig.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*Pool, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// PoolConfig builds the pgx pool settings for the counter workload: every
// session carries a statement and lock timeout so a blocked row cannot
// stall apply calls, and with AsyncCommit set the counter writes skip the
// WAL flush wait.
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = clampConns(cfg.MaxOpenConns, defaultMaxConns)
	poolConfig.MinConns = clampConns(cfg.MaxIdleConns, 0)
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns
	}
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	statementTimeout := cfg.StatementTimeout
	if statementTimeout <= 0 {
		statementTimeout = defaultStatementTimeout
	}
	params := poolConfig.ConnConfig.RuntimeParams
	params["application_name"] = applicationName
	params["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	params["lock_timeout"] = strconv.FormatInt(lockTimeout.Milliseconds(), 10)

	if cfg.AsyncCommit {
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET synchronous_commit = off")
			return err
		}
	}

	return poolConfig, nil
}

func clampConns(n, fallback int) int32 {
	if n <= 0 || n > maxConnsCeiling {
		return int32(fallback)
	}
	return int32(n)
}

// BuildDSN constructs a PostgreSQL connection URL. Credentials are escaped.
func BuildDSN(cfg *config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": {cfg.SSLMode}}.Encode(),
	}
	return u.String()
}

// Stats returns pool statistics.
func (p *Pool) Stats() *Stats {
	s := p.Pool.Stat()
	return &Stats{
		MaxConns:      s.MaxConns(),
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		AcquireCount:  s.AcquireCount(),
		EmptyAcquires: s.EmptyAcquireCount(),
		AcquireWait:   s.AcquireDuration(),
		CanceledWaits: s.CanceledAcquireCount(),
	}
}

// HealthCheck reports ready only when the counter table is reachable, so a
// database that lost its schema fails readiness instead of every apply.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var present bool
	if err := p.QueryRow(ctx, `SELECT to_regclass('quota_counters') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if !present {
		return fmt.Errorf("database health check failed: quota_counters table is missing")
	}
	return nil
}

// Collector exposes pool pressure to Prometheus.
func (p *Pool) Collector() prometheus.Collector {
	return poolCollector{pool: p}
}

var (
	poolConnsDesc = prometheus.NewDesc(
		"edgequota_db_pool_connections",
		"Counter store connections by state",
		[]string{"state"}, nil,
	)
	poolEmptyAcquiresDesc = prometheus.NewDesc(
		"edgequota_db_pool_empty_acquires_total",
		"Connection acquires that had to wait for a free connection",
		nil, nil,
	)
	poolAcquireWaitDesc = prometheus.NewDesc(
		"edgequota_db_pool_acquire_wait_seconds_total",
		"Total time spent acquiring connections",
		nil, nil,
	)
)

type poolCollector struct {
	pool *Pool
}

func (c poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolConnsDesc
	ch <- poolEmptyAcquiresDesc
	ch <- poolAcquireWaitDesc
}

func (c poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(poolConnsDesc, prometheus.GaugeValue, float64(s.AcquiredConns), "acquired")
	ch <- prometheus.MustNewConstMetric(poolConnsDesc, prometheus.GaugeValue, float64(s.IdleConns), "idle")
	ch <- prometheus.MustNewConstMetric(poolConnsDesc, prometheus.GaugeValue, float64(s.MaxConns), "max")
	ch <- prometheus.MustNewConstMetric(poolEmptyAcquiresDesc, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(poolAcquireWaitDesc, prometheus.CounterValue, s.AcquireWait.Seconds())
}
