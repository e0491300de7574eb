package decisioncache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/clients/redis"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

// DefaultKeyPrefix namespaces cache keys in a shared Redis.
const DefaultKeyPrefix = "realmgate:decision:"

// Store is the part of the Redis client the cache uses.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

var _ Store = (*redis.Client)(nil)

// Redis caches allow decisions in Redis as JSON. Failures degrade to a cache
// miss: a broken cache costs latency, never a wrong decision.
type Redis struct {
	store  Store
	prefix string
	logger zerolog.Logger
}

var _ auth.DecisionCache = (*Redis)(nil)

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger sets the logger for store failures.
func WithLogger(l zerolog.Logger) RedisOption {
	return func(r *Redis) { r.logger = logging.Component(l, "decisioncache") }
}

// NewRedis returns a cache backed by store.
func NewRedis(store Store, opts ...RedisOption) *Redis {
	r := &Redis{store: store, prefix: DefaultKeyPrefix, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the cached decision for key. Entries that fail to decode or
// are not allows are treated as misses.
func (r *Redis) Get(ctx context.Context, key string) (auth.Decision, bool) {
	raw, err := r.store.Get(ctx, r.prefix+key)
	if err != nil {
		if !redis.IsNil(err) {
			logging.WithError(logging.FromContext(ctx, r.logger).Warn(), err).Msg("decision cache read failed")
		}
		return auth.Decision{}, false
	}
	var d auth.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		logging.WithError(r.logger.Warn(), err).Msg("decision cache entry is corrupt")
		return auth.Decision{}, false
	}
	if !d.Allowed() {
		return auth.Decision{}, false
	}
	return d, true
}

// Put stores d for ttl. Non-allow decisions and TTLs under one millisecond,
// the Redis expiry granularity, are ignored.
func (r *Redis) Put(ctx context.Context, key string, d auth.Decision, ttl time.Duration) {
	if !d.Allowed() || ttl < time.Millisecond {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		logging.WithError(r.logger.Error(), err).Msg("decision cache encode failed")
		return
	}
	if err := r.store.Set(ctx, r.prefix+key, data, ttl); err != nil {
		logging.WithError(logging.FromContext(ctx, r.logger).Warn(), err).Msg("decision cache write failed")
	}
}
