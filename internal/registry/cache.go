package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/redis"
	"github.com/google/uuid"
)

// CachedClient layers a Redis read-through cache over device lookups.
// Only positive identity hits are cached; absence and assignment lookups
// always go to the registry. Cache failures degrade to a direct lookup.
type CachedClient struct {
	inner Client
	store redis.DeviceCacheStore
	ttl   time.Duration
	logg  *logger.Logger
}

// NewCachedClient wraps the inner client with a device cache.
func NewCachedClient(inner Client, store redis.DeviceCacheStore, ttl time.Duration, logg *logger.Logger) (*CachedClient, error) {
	if inner == nil {
		return nil, errors.New("registry client is required")
	}
	if store == nil {
		return nil, errors.New("device cache store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("device cache ttl must be positive")
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	return &CachedClient{inner: inner, store: store, ttl: ttl, logg: logg}, nil
}

// DeviceByToken checks the cache before hitting the registry.
func (c *CachedClient) DeviceByToken(ctx context.Context, token string) (*DeviceIdentity, error) {
	key := c.store.DeviceCacheKey(token)

	cached, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var identity DeviceIdentity
		if unmarshalErr := json.Unmarshal([]byte(cached), &identity); unmarshalErr == nil {
			return &identity, nil
		}
		// Corrupt entry: drop it and fall through to the registry.
		_ = c.store.Del(ctx, key)
	case !errors.Is(err, redis.ErrCacheMiss):
		logCtx := c.logg.WithDeviceToken(ctx, token)
		c.logg.Warn(logCtx, "device cache read failed, falling back to registry")
	}

	identity, err := c.inner.DeviceByToken(ctx, token)
	if err != nil || identity == nil {
		return identity, err
	}

	if encoded, marshalErr := json.Marshal(identity); marshalErr == nil {
		if setErr := c.store.Set(ctx, key, string(encoded), c.ttl); setErr != nil {
			logCtx := c.logg.WithDeviceToken(ctx, token)
			c.logg.Warn(logCtx, "device cache write failed")
		}
	}
	return identity, nil
}

// ActiveAssignments passes through to the registry.
func (c *CachedClient) ActiveAssignments(ctx context.Context, deviceID uuid.UUID) ([]ActiveAssignment, error) {
	return c.inner.ActiveAssignments(ctx, deviceID)
}
