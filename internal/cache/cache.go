// Package cache is the Redis-backed warm cache sitting between the pool
// manager and the authoritative Postgres store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/store"
)

// Cache mirrors the proxy catalogue in Redis. Reads query Redis only: a
// miss returns no records and a Redis error is returned to the caller, who
// decides whether to go to the store instead (the refill coordinator does).
type Cache struct {
	client *redis.Client
	store  store.Store
	ttl    time.Duration
	log    *slog.Logger
}

// New builds a Cache. ttl is applied to every per-id key, to the "all" list
// after a full load, and to a source's list after that source is refreshed,
// so a forgotten refresh eventually self-heals. The priority-band lists
// carry no TTL.
func New(client *redis.Client, backingStore store.Store, ttl time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{client: client, store: backingStore, ttl: ttl, log: log.With(slog.String("component", "cache"))}
}

func keyAll() string                { return "proxies:all" }
func keyByID(id int) string         { return fmt.Sprintf("proxy:%d", id) }
func keyBySource(id int) string     { return fmt.Sprintf("proxies:source:%d", id) }
func keyByPriority(band int) string { return fmt.Sprintf("proxies:priority:%d", band) }

// LoadAllFromStore reloads every proxy from the store into the cache,
// replacing whatever was there. Mirrors the Python implementation's
// load_all_proxies: clear the list keys, then pipeline one rpush/set per
// proxy into all four key families.
func (c *Cache) LoadAllFromStore(ctx context.Context) (int, error) {
	proxies, err := c.store.AllProxies(ctx)
	if err != nil {
		return 0, fmt.Errorf("load all proxies: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, keyAll())
	for _, p := range proxies {
		if p.SourceID != 0 {
			pipe.Del(ctx, keyBySource(p.SourceID))
		}
		if p.Priority != 0 {
			pipe.Del(ctx, keyByPriority(model.PriorityBand(p.Priority)))
		}
	}
	for _, p := range proxies {
		c.stageProxy(ctx, pipe, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Error("pipeline exec failed loading cache", slog.String("error", err.Error()))
		return 0, fmt.Errorf("load all proxies: %w", err)
	}
	if c.ttl > 0 {
		c.client.Expire(ctx, keyAll(), c.ttl)
	}
	return len(proxies), nil
}

// RefreshSourceFromStore reloads a single source's proxies, used by the
// refill coordinator after a store fetch so later reads see fresh data
// without paying for a full reload.
func (c *Cache) RefreshSourceFromStore(ctx context.Context, sourceID int) (int, error) {
	proxies, err := c.store.ProxiesBySource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("refresh source %d: %w", sourceID, err)
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, keyBySource(sourceID))
	for _, p := range proxies {
		c.stageProxy(ctx, pipe, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("refresh source %d: %w", sourceID, err)
	}
	if c.ttl > 0 {
		c.client.Expire(ctx, keyBySource(sourceID), c.ttl)
	}
	return len(proxies), nil
}

func (c *Cache) stageProxy(ctx context.Context, pipe redis.Pipeliner, p model.ProxyRecord) {
	data, err := json.Marshal(p)
	if err != nil {
		c.log.Error("marshal proxy for cache", slog.Int("proxy_id", p.ID), slog.String("error", err.Error()))
		return
	}
	pipe.RPush(ctx, keyAll(), data)
	pipe.Set(ctx, keyByID(p.ID), data, c.ttl)
	if p.SourceID != 0 {
		pipe.RPush(ctx, keyBySource(p.SourceID), data)
	}
	if p.Priority != 0 {
		pipe.RPush(ctx, keyByPriority(model.PriorityBand(p.Priority)), data)
	}
}

func (c *Cache) GetAll(ctx context.Context) ([]model.ProxyRecord, error) {
	return c.readList(ctx, keyAll())
}

func (c *Cache) GetByID(ctx context.Context, id int) (*model.ProxyRecord, error) {
	data, err := c.client.Get(ctx, keyByID(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		c.log.Warn("cache get by id failed, falling through", slog.Int("proxy_id", id), slog.String("error", err.Error()))
		return nil, err
	}
	var rec model.ProxyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cached proxy %d: %w", id, err)
	}
	return &rec, nil
}

func (c *Cache) GetBySource(ctx context.Context, sourceID int) ([]model.ProxyRecord, error) {
	return c.readList(ctx, keyBySource(sourceID))
}

// GetHighPriority returns every cached proxy with priority >= minPriority.
// Mirrors get_high_priority_proxies: walk bands from the floor of
// minPriority up to 100, then filter to the exact threshold since a band
// can contain proxies below it.
func (c *Cache) GetHighPriority(ctx context.Context, minPriority int) ([]model.ProxyRecord, error) {
	var result []model.ProxyRecord
	for band := model.PriorityBand(minPriority); band <= 100; band += 10 {
		entries, err := c.readList(ctx, keyByPriority(band))
		if err != nil {
			return nil, err
		}
		result = append(result, entries...)
	}
	filtered := result[:0]
	for _, p := range result {
		if p.Priority >= minPriority {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (c *Cache) readList(ctx context.Context, key string) ([]model.ProxyRecord, error) {
	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		c.log.Warn("cache list read failed, falling through", slog.String("key", key), slog.String("error", err.Error()))
		return nil, err
	}
	out := make([]model.ProxyRecord, 0, len(raw))
	for _, item := range raw {
		var rec model.ProxyRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			c.log.Error("unmarshal cached list entry", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateFields updates specific fields of a cached proxy, rewriting the
// per-id key and the source list it belongs to (read-modify-write the
// whole list, same as the Python implementation).
func (c *Cache) UpdateFields(ctx context.Context, id int, mutate func(*model.ProxyRecord)) error {
	current, err := c.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("cache: proxy %d not cached", id)
	}
	mutate(current)

	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal updated proxy %d: %w", id, err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, keyByID(id), data, c.ttl)

	if current.SourceID != 0 {
		sourceProxies, err := c.readList(ctx, keyBySource(current.SourceID))
		if err == nil {
			for i, p := range sourceProxies {
				if p.ID == id {
					sourceProxies[i] = *current
					break
				}
			}
			pipe.Del(ctx, keyBySource(current.SourceID))
			for _, p := range sourceProxies {
				if encoded, err := json.Marshal(p); err == nil {
					pipe.RPush(ctx, keyBySource(current.SourceID), encoded)
				}
			}
		}
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a proxy from the id key and, if sourceID is known, from
// that source's list (read-filter-rewrite, matching delete_proxy).
func (c *Cache) Delete(ctx context.Context, id int, sourceID int) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, keyByID(id))

	if sourceID != 0 {
		sourceProxies, err := c.readList(ctx, keyBySource(sourceID))
		if err == nil {
			pipe.Del(ctx, keyBySource(sourceID))
			for _, p := range sourceProxies {
				if p.ID == id {
					continue
				}
				if encoded, err := json.Marshal(p); err == nil {
					pipe.RPush(ctx, keyBySource(sourceID), encoded)
				}
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Clear deletes every proxy-related key from the cache.
func (c *Cache) Clear(ctx context.Context) error {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.client.Scan(ctx, cursor, "proxy*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan cache keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
