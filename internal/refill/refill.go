// Package refill replenishes an empty or thin source pool: cache first,
// then the authoritative store, with per-source serialization so a burst
// of simultaneously-empty sessions doesn't all hit Postgres for the same
// source at once.
package refill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/EPguitars/proxycare/internal/cache"
	"github.com/EPguitars/proxycare/internal/locks"
	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/observability"
	"github.com/EPguitars/proxycare/internal/pool"
	sentryreport "github.com/EPguitars/proxycare/internal/sentry"
	"github.com/EPguitars/proxycare/internal/store"
)

// ErrLockBusy names the case where another refill for the same source is
// already in flight. Ensure does not return it: that case is reported as
// zero records seeded and a nil error.
var ErrLockBusy = errors.New("refill: source is already being refilled")

// Coordinator owns the cache-then-store refill path for every source.
type Coordinator struct {
	cache      *cache.Cache
	store      store.Store
	pools      *pool.Manager
	lockMgr    locks.Manager
	lockTTL    time.Duration
	batchSize  int
	maxRetries int
	metrics    *observability.Metrics
	log        *slog.Logger
}

// Config tunes the coordinator's batch size and retry budget.
type Config struct {
	BatchSize  int
	MaxRetries int
	LockTTL    time.Duration
}

// New builds a Coordinator.
func New(c *cache.Cache, s store.Store, p *pool.Manager, lockMgr locks.Manager, cfg Config, metrics *observability.Metrics, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &Coordinator{
		cache:      c,
		store:      s,
		pools:      p,
		lockMgr:    lockMgr,
		lockTTL:    cfg.LockTTL,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		metrics:    metrics,
		log:        log.With(slog.String("component", "refill")),
	}
}

// Ensure tries to put at least one proxy into sourceID's pool. It returns
// the number of records seeded (0 is not an error: the source may
// genuinely be exhausted right now; the dispatch loop will just see an
// empty pool and send "waiting").
func (c *Coordinator) Ensure(ctx context.Context, sourceID int) (int, error) {
	cached, err := c.cache.GetBySource(ctx, sourceID)
	if err != nil {
		c.log.Warn("cache read failed during refill, falling through to store",
			slog.Int("source_id", sourceID), slog.String("error", err.Error()))
	}
	if len(cached) > 0 {
		c.pools.Seed(sourceID, cached)
		c.recordOutcome(sourceID, "cache_hit")
		return len(cached), nil
	}

	return c.refillFromStore(ctx, sourceID)
}

func (c *Coordinator) refillFromStore(ctx context.Context, sourceID int) (int, error) {
	lockKey := fmt.Sprintf("proxybroker:refill:source:%d", sourceID)
	lock, acquired, err := c.lockMgr.Acquire(ctx, lockKey, int(c.lockTTL.Seconds()))
	if err != nil {
		c.log.Warn("refill lock acquire failed, proceeding unlocked",
			slog.Int("source_id", sourceID), slog.String("error", err.Error()))
	} else if !acquired {
		c.recordOutcome(sourceID, "lock_busy")
		return 0, nil
	} else {
		defer func() {
			if relErr := lock.Release(ctx); relErr != nil {
				c.log.Warn("refill lock release failed", slog.Int("source_id", sourceID), slog.String("error", relErr.Error()))
			}
		}()
	}

	var fetched []model.ProxyRecord
	attempt := 0
	err = retry.Do(
		func() error {
			attempt++
			return c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				recs, fetchErr := c.store.FetchUnblocked(ctx, tx, sourceID, c.batchSize)
				if fetchErr != nil {
					return fmt.Errorf("fetch unblocked: %w", fetchErr)
				}
				if len(recs) == 0 {
					fetched = nil
					return nil
				}
				for _, r := range recs {
					if markErr := c.store.MarkTaken(ctx, tx, []int{r.ID}, r.EffectiveInterval()); markErr != nil {
						return fmt.Errorf("mark taken: %w", markErr)
					}
				}
				fetched = recs
				return nil
			})
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.recordOutcome(sourceID, "store_error")
		wrapped := fmt.Errorf("refill source %d after %d attempts: %w", sourceID, attempt, err)
		sentryreport.CaptureException("refill", wrapped)
		return 0, wrapped
	}

	if len(fetched) == 0 {
		c.recordOutcome(sourceID, "store_empty")
		return 0, nil
	}

	if _, cacheErr := c.cache.RefreshSourceFromStore(ctx, sourceID); cacheErr != nil {
		c.log.Warn("cache refresh after store fetch failed, continuing with store result",
			slog.Int("source_id", sourceID), slog.String("error", cacheErr.Error()))
	}

	c.pools.Seed(sourceID, fetched)
	c.recordOutcome(sourceID, "store_hit")
	return len(fetched), nil
}

func (c *Coordinator) recordOutcome(sourceID int, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RefillAttempts.WithLabelValues(fmt.Sprintf("%d", sourceID), outcome).Inc()
}
