// Package postgres provides the PostgreSQL client behind the denial audit
// store. It wraps a pgx connection pool with OpenTelemetry spans and maps
// failures onto realmgate error codes, so a lost database shows up as
// DEPENDENCY_UNAVAILABLE on /readyz rather than as a storage bug.
//
// Create a client with [NewClient], or with [NewFromPool] and pgxmock in
// tests:
//
//	mock, _ := pgxmock.NewPool()
//	client := postgres.NewFromPool(mock, &postgres.Config{Database: "realmgate"})
package postgres

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

const tracerName = "github.com/StricklySoft/realmgate/pkg/clients/postgres"

// Pool is the part of the pgx pool API the audit store needs.
// *pgxpool.Pool and pgxmock pools satisfy it.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client is safe for concurrent use.
type Client struct {
	pool   Pool
	config *Config
	tracer trace.Tracer
	dbName string
}

// NewClient validates cfg, opens the pool and pings the database.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "postgres: invalid configuration")
	}
	poolCfg, err := poolConfig(&cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeDependencyDown, "postgres: failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeDependencyDown, "postgres: failed to connect to database")
	}

	c := NewFromPool(pool, &cfg)
	if cfg.URI != "" {
		if u, err := url.Parse(cfg.URI); err == nil {
			c.dbName = strings.TrimPrefix(u.Path, "/")
		}
	}
	return c, nil
}

func poolConfig(cfg *Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "postgres: failed to parse connection string")
	}
	pc.MaxConns, pc.MinConns = cfg.MaxConns, cfg.MinConns
	pc.MaxConnLifetime, pc.MaxConnIdleTime = cfg.MaxConnLifetime, cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod

	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "postgres: failed to configure TLS")
	}
	if tlsCfg != nil {
		pc.ConnConfig.TLSConfig = tlsCfg
	}
	return pc, nil
}

// NewFromPool wraps an existing pool. cfg may be nil.
func NewFromPool(pool Pool, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{pool: pool, config: cfg, tracer: otel.Tracer(tracerName), dbName: cfg.Database}
}

// Query runs a statement that returns rows. The caller closes the rows;
// errors met while iterating are not recorded on the span.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := c.observe(ctx, "Query", sql, func(ctx context.Context) (err error) {
		rows, err = c.pool.Query(ctx, sql, args...)
		return err
	})
	if err != nil {
		return nil, classify(err, "postgres: query failed")
	}
	return rows, nil
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := c.observe(ctx, "Exec", sql, func(ctx context.Context) (err error) {
		tag, err = c.pool.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return tag, classify(err, "postgres: exec failed")
	}
	return tag, nil
}

// Health pings the database. Without a deadline on ctx it waits at most
// DefaultHealthTimeout.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	if err := c.observe(ctx, "Health", "SELECT 1", c.pool.Ping); err != nil {
		return sserr.Wrap(err, sserr.CodeDependencyDown, "postgres: health check failed")
	}
	return nil
}

// Close releases the pool, waiting for acquired connections.
func (c *Client) Close() { c.pool.Close() }

// observe runs fn inside a client span named after op.
func (c *Client) observe(ctx context.Context, op, sql string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.name", c.dbName),
			attribute.String("db.statement", truncateSQL(sql)),
		))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// classify maps a driver error to a platform code:
//
//	deadline, cancellation, SQLSTATE 57014    STORAGE_TIMEOUT
//	SQLSTATE class 08, 57P01-57P03            DEPENDENCY_UNAVAILABLE
//	anything else                             INTERNAL_STORAGE
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeStorageTimeout, message)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return sserr.Wrap(err, sserr.CodeStorageTimeout, message)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return sserr.Wrap(err, sserr.CodeDependencyDown, message)
		}
	}
	return sserr.Wrap(err, sserr.CodeInternalStorage, message)
}
