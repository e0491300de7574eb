package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/realmgate/internal/server"
	"github.com/StricklySoft/realmgate/pkg/audit"
	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/clients/minio"
	"github.com/StricklySoft/realmgate/pkg/clients/postgres"
	"github.com/StricklySoft/realmgate/pkg/clients/redis"
	"github.com/StricklySoft/realmgate/pkg/decisioncache"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/lifecycle"
	"github.com/StricklySoft/realmgate/pkg/logging"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

// purgeInterval is how often expired denial records are deleted.
const purgeInterval = time.Hour

// clients holds the backend connections a configuration enables. Unused
// backends stay nil.
type clients struct {
	redis    *redis.Client
	postgres *postgres.Client
	minio    *minio.Client
}

func openClients(ctx context.Context, cfg *Config) (*clients, error) {
	c := &clients{}
	var err error
	if cfg.usesRedis() {
		if c.redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}
	if cfg.Audit.Postgres {
		if c.postgres, err = postgres.NewClient(ctx, cfg.Postgres); err != nil {
			c.close()
			return nil, err
		}
	}
	if cfg.usesMinIO() {
		if c.minio, err = minio.NewClient(ctx, cfg.MinIO); err != nil {
			c.close()
			return nil, err
		}
	}
	return c, nil
}

func (c *clients) close() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.postgres != nil {
		c.postgres.Close()
	}
	return errors.Join(errs...)
}

// loadPolicy returns the permission tables named by cfg.Policy.
func loadPolicy(ctx context.Context, cfg PolicyConfig, store *minio.Client) (*policy.Policy, error) {
	switch cfg.Source {
	case PolicyFile:
		return policy.LoadFile(cfg.File)
	case PolicyObject:
		if store == nil {
			return nil, sserr.New(sserr.CodeConfigRequired, "policy: object source needs a minio client")
		}
		bucket, key := store.TablesLocation()
		return policy.LoadObject(ctx, store, bucket, key)
	default:
		return policy.Default(), nil
	}
}

// gateway is the assembled process: authorizer, listeners and the
// lifecycle service that starts and stops them in order.
type gateway struct {
	cfg     Config
	logger  zerolog.Logger
	clients *clients
	keys    *auth.KeyCache
	authz   *auth.Authorizer
	audit   *audit.Async
	store   *audit.PostgresStore
	http    *server.Server
	grpc    *grpc.Server
	health  *health.Server
	svc     *lifecycle.Service

	grpcAddr net.Addr

	purgeStop context.CancelFunc
	purgeDone sync.WaitGroup
}

func newGateway(ctx context.Context, cfg Config, logger zerolog.Logger) (*gateway, error) {
	cl, err := openClients(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	gw, err := assemble(ctx, cfg, logger, cl, http.DefaultClient)
	if err != nil {
		_ = cl.close()
		return nil, err
	}
	return gw, nil
}

// assemble wires a gateway over already opened clients. keyClient fetches
// the JWKS documents.
func assemble(ctx context.Context, cfg Config, logger zerolog.Logger, cl *clients, keyClient auth.HTTPClient) (*gateway, error) {
	gw := &gateway{cfg: cfg, logger: logger, clients: cl}

	pol, err := loadPolicy(ctx, cfg.Policy, cl.minio)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("policy_version", pol.Version()).Str("source", cfg.Policy.Source).Msg("policy tables loaded")

	opts := []auth.Option{auth.WithLogger(logger), auth.WithAuditSink(gw.auditSink())}
	switch cfg.Cache.Backend {
	case CacheMemory:
		opts = append(opts, auth.WithDecisionCache(decisioncache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.TTL), cfg.Cache.TTL))
	case CacheRedis:
		cache := decisioncache.NewRedis(cl.redis, decisioncache.WithKeyPrefix(cfg.Cache.KeyPrefix), decisioncache.WithLogger(logger))
		opts = append(opts, auth.WithDecisionCache(cache, cfg.Cache.TTL))
	}

	gw.keys = auth.NewRealmKeyCache(cfg.Auth, keyClient, auth.WithLogger(logger))
	if gw.authz, err = auth.New(cfg.Auth, gw.keys, pol, opts...); err != nil {
		return nil, err
	}

	serverOpts := []server.Option{server.WithLogger(logger), server.WithPolicy(pol)}
	if cl.redis != nil {
		serverOpts = append(serverOpts, server.WithReadinessCheck("redis", cl.redis))
	}
	if cl.postgres != nil {
		serverOpts = append(serverOpts, server.WithReadinessCheck("postgres", cl.postgres))
	}
	if cl.minio != nil {
		serverOpts = append(serverOpts, server.WithReadinessCheck("minio", cl.minio))
	}

	if cfg.GRPC.Addr != "" {
		gw.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(gw.authz, auth.RealmStaff, grpcResource)),
			grpc.ChainStreamInterceptor(auth.StreamServerInterceptor(gw.authz, auth.RealmStaff, grpcResource)),
		)
		gw.health = health.NewServer()
		gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(gw.grpc, gw.health)
	}
	gw.svc, err = gw.lifecycle()
	if err != nil {
		return nil, err
	}
	serverOpts = append(serverOpts, server.WithLifecycle(gw.svc))
	if gw.http, err = server.New(cfg.HTTP, gw.authz, serverOpts...); err != nil {
		return nil, err
	}
	return gw, nil
}

// grpcResource names gRPC methods under staff/grpc/. The listener serves
// operator tooling only, so its interceptors also pin the staff realm.
func grpcResource(fullMethod string) string {
	return "staff/grpc/" + auth.MethodResource(fullMethod)
}

// auditSink fans denies out to the log and, when enabled, to the Redis
// rate counter and the asynchronous Postgres store.
func (gw *gateway) auditSink() auth.AuditSink {
	sinks := []auth.AuditSink{audit.NewLogSink(gw.logger)}
	if gw.clients.redis != nil && gw.cfg.Audit.Counter {
		sinks = append(sinks, audit.NewRedisCounter(gw.clients.redis, gw.cfg.Audit.Rates, gw.logger))
	}
	if gw.clients.postgres != nil {
		gw.store = audit.NewPostgresStore(gw.clients.postgres, gw.logger)
		gw.audit = audit.NewAsync(gw.store, gw.cfg.Audit.Async, gw.logger)
		sinks = append(sinks, gw.audit)
	}
	return audit.Multi(sinks...)
}

func (gw *gateway) lifecycle() (*lifecycle.Service, error) {
	b := lifecycle.NewBuilder("realmgated", version).
		WithLogger(gw.logger).
		OnStart("dependencies", gw.checkDependencies).
		OnStart("keys", gw.keys.Warm)
	if gw.store != nil {
		b.OnStart("audit-schema", gw.store.EnsureSchema).
			OnStart("audit-retention", gw.startPurger)
	}
	b.OnStart("http", func(ctx context.Context) error { return gw.http.Start(ctx) })
	if gw.grpc != nil {
		b.OnStart("grpc", gw.startGRPC)
	}

	for _, h := range gw.stopHooks() {
		b.OnStop(h.Name, h.Fn)
	}
	b.OnStateChange(func(_, to lifecycle.State) {
		if gw.health == nil {
			return
		}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if to == lifecycle.StateRunning {
			status = healthpb.HealthCheckResponse_SERVING
		}
		gw.health.SetServingStatus("", status)
	})
	return b.Build()
}

// stopHooks lists the stop hooks in registration order. The service runs
// them in reverse, so listeners close before the audit queue drains and
// clients close last.
func (gw *gateway) stopHooks() []lifecycle.Hook {
	hooks := []lifecycle.Hook{{Name: "clients", Fn: func(context.Context) error { return gw.clients.close() }}}
	if gw.audit != nil {
		hooks = append(hooks,
			lifecycle.Hook{Name: "audit", Fn: gw.audit.Close},
			lifecycle.Hook{Name: "audit-retention", Fn: gw.stopPurger},
		)
	}
	hooks = append(hooks, lifecycle.Hook{Name: "http", Fn: func(ctx context.Context) error { return gw.http.Shutdown(ctx) }})
	if gw.grpc != nil {
		hooks = append(hooks, lifecycle.Hook{Name: "grpc", Fn: gw.stopGRPC})
	}
	return hooks
}

// abort releases everything after a failed start, which leaves the
// service in a state Stop treats as final.
func (gw *gateway) abort(ctx context.Context) error {
	hooks := gw.stopHooks()
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		errs = append(errs, hooks[i].Fn(ctx))
	}
	return errors.Join(errs...)
}

// checkDependencies fails startup when an enabled backend is unreachable.
func (gw *gateway) checkDependencies(ctx context.Context) error {
	checks := map[string]server.HealthChecker{}
	if gw.clients.redis != nil {
		checks["redis"] = gw.clients.redis
	}
	if gw.clients.postgres != nil {
		checks["postgres"] = gw.clients.postgres
	}
	if gw.clients.minio != nil {
		checks["minio"] = gw.clients.minio
	}
	for name, c := range checks {
		if err := c.Health(ctx); err != nil {
			return sserr.Wrapf(err, sserr.CodeDependencyDown, "%s is not reachable", name)
		}
	}
	return nil
}

func (gw *gateway) startGRPC(context.Context) error {
	ln, err := net.Listen("tcp", gw.cfg.GRPC.Addr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeConfigInvalid, "grpc: listen on %s", gw.cfg.GRPC.Addr)
	}
	gw.grpcAddr = ln.Addr()
	go func() {
		if err := gw.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logging.WithError(gw.logger.Error(), err).Msg("grpc server stopped")
		}
	}()
	gw.logger.Info().Str("addr", ln.Addr().String()).Msg("grpc listening")
	return nil
}

func (gw *gateway) stopGRPC(ctx context.Context) error {
	gw.health.Shutdown()
	done := make(chan struct{})
	go func() {
		gw.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		gw.grpc.Stop()
		return sserr.Wrap(ctx.Err(), sserr.CodeDependencyTimeout, "grpc: graceful stop did not complete")
	}
}

// startPurger deletes denial records older than the retention once at
// start and then every purgeInterval until stopPurger.
func (gw *gateway) startPurger(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	gw.purgeStop = cancel
	gw.purgeDone.Add(1)
	go func() {
		defer gw.purgeDone.Done()
		t := time.NewTicker(purgeInterval)
		defer t.Stop()
		for {
			gw.purge(ctx)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return nil
}

func (gw *gateway) purge(ctx context.Context) {
	n, err := gw.store.Purge(ctx, gw.cfg.Audit.Retention, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			logging.WithError(gw.logger.Warn(), err).Msg("audit retention purge failed")
		}
		return
	}
	if n > 0 {
		gw.logger.Info().Int64("deleted", n).Dur("retention", gw.cfg.Audit.Retention).Msg("audit records purged")
	}
}

func (gw *gateway) stopPurger(context.Context) error {
	if gw.purgeStop != nil {
		gw.purgeStop()
		gw.purgeDone.Wait()
	}
	return nil
}
