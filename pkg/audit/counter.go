package audit

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/clients/redis"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

// Counter increments a key that expires window after its first increment.
type Counter interface {
	IncrWithin(ctx context.Context, key string, window time.Duration) (int64, error)
}

var _ Counter = (*redis.Client)(nil)

// CounterConfig tunes a [RedisCounter].
type CounterConfig struct {
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"realmgate:denies:"`

	// Window is the fixed counting window.
	Window time.Duration `json:"window" yaml:"window" env:"WINDOW" envDefault:"1m"`

	// Threshold raises an alert when one caller reaches this many denies
	// with one code in a window. Zero disables alerts.
	Threshold int64 `json:"threshold" yaml:"threshold" env:"THRESHOLD" envDefault:"50"`

	// CrossPoolThreshold applies to CROSS_POOL_ACCESS instead of Threshold.
	CrossPoolThreshold int64 `json:"cross_pool_threshold" yaml:"cross_pool_threshold" env:"CROSS_POOL_THRESHOLD" envDefault:"3"`
}

// RedisCounter counts denies per error code and caller across all gateway
// replicas and logs an alert the moment a count reaches its threshold.
type RedisCounter struct {
	counter Counter
	cfg     CounterConfig
	logger  zerolog.Logger
}

var _ auth.AuditSink = (*RedisCounter)(nil)

// NewRedisCounter returns a counting sink. Zero config fields take their
// defaults, except the thresholds, where zero disables alerting.
func NewRedisCounter(c Counter, cfg CounterConfig, logger zerolog.Logger) *RedisCounter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "realmgate:denies:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RedisCounter{counter: c, cfg: cfg, logger: logging.Component(logger, "audit")}
}

func (r *RedisCounter) RecordDeny(ctx context.Context, ev auth.DenyEvent) {
	key := r.key(ev)
	n, err := r.counter.IncrWithin(ctx, key, r.cfg.Window)
	if err != nil {
		logging.WithError(logging.FromContext(ctx, r.logger).Warn(), err).
			Str("key", key).
			Msg("deny counter update failed")
		return
	}

	threshold := r.cfg.Threshold
	if ev.CrossPool() {
		threshold = r.cfg.CrossPoolThreshold
	}
	// Alert once per window: only the increment that lands on the
	// threshold logs.
	if threshold > 0 && n == threshold {
		logging.FromContext(ctx, r.logger).Error().
			Str("event", "deny_rate_exceeded").
			Str("error_code", ev.Code.String()).
			Str("caller", ev.Caller).
			Str("target_realm", ev.TargetRealm.String()).
			Int64("count", n).
			Dur("window", r.cfg.Window).
			Msg("deny rate threshold reached")
	}
}

func (r *RedisCounter) key(ev auth.DenyEvent) string {
	caller := ev.Caller
	if caller == "" {
		caller = "unknown"
	}
	var b strings.Builder
	b.WriteString(r.cfg.KeyPrefix)
	b.WriteString(ev.Code.String())
	b.WriteByte(':')
	b.WriteString(caller)
	return b.String()
}
