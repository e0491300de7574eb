// Package redis provides the Redis client behind the shared decision cache
// and the deny-rate counters. It wraps go-redis with OpenTelemetry spans and
// maps failures onto realmgate error codes.
//
//	cfg := redis.DefaultConfig()
//	cfg.Password = config.Secret(os.Getenv("REALMGATE_REDIS_PASSWORD"))
//	client, err := redis.NewClient(ctx, cfg)
package redis

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

const tracerName = "github.com/StricklySoft/realmgate/pkg/clients/redis"

// Cmdable is the set of go-redis commands the gateway issues.
type Cmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// Client is safe for concurrent use.
type Client struct {
	cmds   Cmdable
	config *Config
	tracer trace.Tracer
	db     int
}

// NewClient validates cfg, connects and pings the server.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "redis: invalid configuration")
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "redis: invalid configuration")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeDependencyDown, "redis: failed to connect to server")
	}
	c := NewFromClient(rdb, &cfg)
	c.db = opts.DB
	return c, nil
}

// NewFromClient wraps an existing Cmdable. cfg may be nil.
func NewFromClient(cmds Cmdable, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{cmds: cmds, config: cfg, tracer: otel.Tracer(tracerName), db: cfg.DB}
}

// Set stores value under key for expiration.
func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	err := c.do(ctx, "Set", "SET "+key, func(ctx context.Context, _ trace.Span) error {
		return c.cmds.Set(ctx, key, value, expiration).Err()
	})
	return classify(err, "redis: set failed")
}

// Get returns the value of key. A missing key returns an error for which
// [IsNil] is true; it is not a failure and is not classified.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	var miss error
	err := c.do(ctx, "Get", "GET "+key, func(ctx context.Context, span trace.Span) error {
		var err error
		val, err = c.cmds.Get(ctx, key).Result()
		if IsNil(err) {
			span.SetAttributes(attribute.Bool("redis.miss", true))
			miss = err
			return nil
		}
		return err
	})
	switch {
	case err != nil:
		return "", classify(err, "redis: get failed")
	case miss != nil:
		return "", miss
	}
	return val, nil
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.do(ctx, "Del", "DEL "+strings.Join(keys, " "), func(ctx context.Context, _ trace.Span) (err error) {
		n, err = c.cmds.Del(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return 0, classify(err, "redis: del failed")
	}
	return n, nil
}

// IncrWithin increments a fixed-window counter. The increment that creates
// key also sets its expiry to window. INCR and EXPIRE are separate round
// trips; if EXPIRE is lost the key outlives its window and keeps counting.
func (c *Client) IncrWithin(ctx context.Context, key string, window time.Duration) (int64, error) {
	var n int64
	err := c.do(ctx, "IncrWithin", "INCR "+key, func(ctx context.Context, span trace.Span) error {
		var err error
		if n, err = c.cmds.Incr(ctx, key).Result(); err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("redis.counter", n))
		if n == 1 {
			return c.cmds.Expire(ctx, key, window).Err()
		}
		return nil
	})
	if err != nil {
		return 0, classify(err, "redis: incr failed")
	}
	return n, nil
}

// Health pings the server. Without a deadline on ctx it waits at most
// DefaultHealthTimeout.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	err := c.do(ctx, "Health", "PING", func(ctx context.Context, _ trace.Span) error {
		return c.cmds.Ping(ctx).Err()
	})
	if err != nil {
		return sserr.Wrap(err, sserr.CodeDependencyDown, "redis: health check failed")
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.cmds.Close() }

// IsNil reports whether err means the key does not exist.
func IsNil(err error) bool { return errors.Is(err, redis.Nil) }

// do runs fn inside a client span named after op.
func (c *Client) do(ctx context.Context, op, statement string, fn func(context.Context, trace.Span) error) error {
	ctx, span := c.tracer.Start(ctx, "redis."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("db.redis.database_index", c.db),
			attribute.String("db.statement", truncateStatement(statement)),
		))
	defer span.End()

	if err := fn(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// classify maps a command error to a platform code. A deadline is a
// STORAGE_TIMEOUT, a closed client or a network failure means the server
// is unreachable, and anything else, cancellation included, is
// INTERNAL_STORAGE.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return sserr.Wrap(err, sserr.CodeStorageTimeout, message)
	case errors.Is(err, redis.ErrClosed), errors.As(err, &netErr):
		return sserr.Wrap(err, sserr.CodeDependencyDown, message)
	default:
		return sserr.Wrap(err, sserr.CodeInternalStorage, message)
	}
}
