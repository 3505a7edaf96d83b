package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/client"
	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
	"github.com/redis/go-redis/v9"
)

type postgresAccountAggregateRepository struct {
	db *sql.DB
}

// NewAccountAggregateRepository reads the active_freemium_accounts view,
// which the account lifecycle service maintains.
func NewAccountAggregateRepository(db *sql.DB) AccountAggregateRepository {
	return &postgresAccountAggregateRepository{db: db}
}

func (r *postgresAccountAggregateRepository) ActiveCounts(ctx context.Context, id models.ClientIdentity) (models.ActiveFreemiumAggregate, error) {
	const q = `
SELECT
  count(*) FILTER (WHERE $1::text IS NOT NULL AND device_id = $1),
  count(*) FILTER (WHERE ip_address = $2)
FROM active_freemium_accounts
WHERE ($1::text IS NOT NULL AND device_id = $1) OR ip_address = $2
`
	var device sql.NullString
	if id.HasDevice() {
		device = sql.NullString{String: *id.DeviceID, Valid: true}
	}

	var agg models.ActiveFreemiumAggregate
	if err := r.db.QueryRowContext(ctx, q, device, id.IP).Scan(&agg.ByDevice, &agg.ByIP); err != nil {
		return models.ActiveFreemiumAggregate{}, fmt.Errorf("active freemium counts: %w", err)
	}
	return agg, nil
}

// AggregateCacheConfig bounds what the aggregate cache may hold. Only
// aggregates already at a cap are stored: account counts only move up
// between signups, so a cached denial stays a denial while a cached
// below-cap count would let the next signup through.
type AggregateCacheConfig struct {
	TTL       time.Duration
	DeviceCap int
	IPCap     int
}

func (c AggregateCacheConfig) atCap(id models.ClientIdentity, agg models.ActiveFreemiumAggregate) bool {
	if id.HasDevice() && c.DeviceCap > 0 && agg.ByDevice >= c.DeviceCap {
		return true
	}
	return c.IPCap > 0 && agg.ByIP >= c.IPCap
}

// cachedAccountAggregateRepository keeps capped aggregates in Redis for a
// short TTL. Cache failures fall through to the underlying repository.
type cachedAccountAggregateRepository struct {
	next  AccountAggregateRepository
	redis *client.RedisClient
	cfg   AggregateCacheConfig
}

func NewCachedAccountAggregateRepository(next AccountAggregateRepository, rc *client.RedisClient, cfg AggregateCacheConfig) AccountAggregateRepository {
	if rc == nil || cfg.TTL <= 0 {
		return next
	}
	return &cachedAccountAggregateRepository{next: next, redis: rc, cfg: cfg}
}

func aggregateCacheKey(id models.ClientIdentity) string {
	dev := "-"
	if id.HasDevice() {
		dev = *id.DeviceID
	}
	return "agg:freemium:" + id.IP + ":" + dev
}

func (c *cachedAccountAggregateRepository) ActiveCounts(ctx context.Context, id models.ClientIdentity) (models.ActiveFreemiumAggregate, error) {
	key := aggregateCacheKey(id)

	var agg models.ActiveFreemiumAggregate
	err := c.redis.GetJSON(ctx, key, &agg)
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, redis.Nil) {
		logger.Warnw("aggregate cache read failed", "key", key, "error", err)
	}

	agg, err = c.next.ActiveCounts(ctx, id)
	if err != nil {
		return agg, err
	}
	if !c.cfg.atCap(id, agg) {
		return agg, nil
	}
	if err := c.redis.SetJSON(ctx, key, agg, c.cfg.TTL); err != nil {
		logger.Warnw("aggregate cache write failed", "key", key, "error", err)
	}
	return agg, nil
}
