package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// ErrClientRequired is returned for operations without a client ID.
var ErrClientRequired = errors.New("clientID is required")

// defaultLocalTTL bounds how long the first tier trusts a shared result.
const defaultLocalTTL = 5 * time.Minute

// New builds the result cache named by cfg.Type:
//
//	memory  in-process LRU
//	redis   shared Redis; with EnableTwoPhase an LRU in front of it
//	none    nil, which disables memoization
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through an in-process LRU to a shared remote cache.
// Memoization is an optimization, so a remote outage degrades to local
// misses instead of failing the analysis.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

// NewTwoPhaseCache layers local over remote. localTTL <= 0 uses five minutes.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

func (c *TwoPhaseCache) Get(ctx context.Context, clientID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, clientID, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.remote.Get(ctx, clientID, key)
	if err != nil {
		slog.Warn("remote result cache unavailable", "client_id", clientID, "error", err)
		return nil, nil
	}
	if val != nil {
		_ = c.local.Set(ctx, clientID, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes the local tier, capped at the local TTL, then the remote one.
func (c *TwoPhaseCache) Set(ctx context.Context, clientID string, key string, value []byte, ttl time.Duration) error {
	localTTL := c.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	if err := c.local.Set(ctx, clientID, key, value, localTTL); err != nil {
		return err
	}
	return c.remote.Set(ctx, clientID, key, value, ttl)
}

func (c *TwoPhaseCache) Delete(ctx context.Context, clientID string, key string) error {
	if err := c.local.Delete(ctx, clientID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, clientID, key)
}

// Ping reports the remote tier's health; the local tier cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote result cache: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the local tier.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}

// Results stores crossing results in a domain.Cache as JSON. A nil
// *Results is valid and never hits.
type Results struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewResults wraps c. A nil c returns nil.
func NewResults(c domain.Cache, ttl time.Duration) *Results {
	if c == nil {
		return nil
	}
	return &Results{cache: c, ttl: ttl}
}

// Get returns the memoized result for key. Entries that no longer decode
// are deleted and reported as misses.
func (r *Results) Get(ctx context.Context, clientID, key string) (domain.CrossingResult, bool) {
	var res domain.CrossingResult
	if r == nil {
		return res, false
	}
	data, err := r.cache.Get(ctx, clientID, key)
	if err != nil || data == nil {
		return res, false
	}
	if err := json.Unmarshal(data, &res); err != nil {
		slog.Debug("dropping undecodable cached result", "key", key, "error", err)
		_ = r.cache.Delete(ctx, clientID, key)
		return domain.CrossingResult{}, false
	}
	return res, true
}

// Put memoizes res under key.
func (r *Results) Put(ctx context.Context, clientID, key string, res domain.CrossingResult) error {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", res.StateCode, err)
	}
	return r.cache.Set(ctx, clientID, key, data, r.ttl)
}
