package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/pkg/logger"
)

// Querier is the subset of a pgx pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps counters in the quota_counters table. Expired rows
// behave as missing: the next increment or set-if-absent starts them over,
// and Purge deletes them.
type PostgresStore struct {
	db  Querier
	log *logger.Logger
}

// NewPostgresStore creates a store over db. The quota_counters table must
// exist; database.Migrator creates it.
func NewPostgresStore(db Querier, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

const incrBySQL = `
	INSERT INTO quota_counters (key, value)
	VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET
		value = CASE
			WHEN quota_counters.expires_at IS NOT NULL AND quota_counters.expires_at <= now()
			THEN EXCLUDED.value
			ELSE quota_counters.value + EXCLUDED.value
		END,
		expires_at = CASE
			WHEN quota_counters.expires_at IS NOT NULL AND quota_counters.expires_at <= now()
			THEN NULL
			ELSE quota_counters.expires_at
		END
	RETURNING value`

// IncrBy atomically adds n to key.
func (s *PostgresStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	var v int64
	if err := s.db.QueryRow(ctx, incrBySQL, key, n).Scan(&v); err != nil {
		return 0, fmt.Errorf("postgres incrby failed: %w", err)
	}
	return v, nil
}

// Expire sets key's time to live.
func (s *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`UPDATE quota_counters SET expires_at = now() + $2 * interval '1 millisecond' WHERE key = $1`,
		key, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("postgres expire failed: %w", err)
	}
	return nil
}

// TTL returns key's remaining time to live, -1 when it has no expiry and -2
// when it is missing or expired.
func (s *PostgresStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ms *int64
	err := s.db.QueryRow(ctx, `
		SELECT (EXTRACT(EPOCH FROM (expires_at - now())) * 1000)::bigint
		FROM quota_counters
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return -2, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres ttl failed: %w", err)
	}
	if ms == nil {
		return -1, nil
	}
	return time.Duration(*ms) * time.Millisecond, nil
}

// SetNX sets key with the given TTL only if it is missing or expired.
func (s *PostgresStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var k string
	err := s.db.QueryRow(ctx, `
		INSERT INTO quota_counters (key, value, expires_at)
		VALUES ($1, 1, now() + $2 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET value = 1, expires_at = EXCLUDED.expires_at
		WHERE quota_counters.expires_at IS NOT NULL AND quota_counters.expires_at <= now()
		RETURNING key`,
		key, ttl.Milliseconds()).Scan(&k)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres setnx failed: %w", err)
	}
	return true, nil
}

// Delete removes key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM quota_counters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM quota_counters WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunJanitor purges expired rows every interval until ctx is done.
func (s *PostgresStore) RunJanitor(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Warn("quota counter purge failed", "error", err)
				continue
			}
			metrics.RecordSwept(int(n))
			if n > 0 {
				s.log.Debug("purged expired quota counters", "removed", n)
			}
		}
	}
}
