// Package containers starts throwaway backing services for integration
// tests. Each helper skips under -short, fails the test when the container
// cannot start and terminates the container in t.Cleanup.
//
// Only files built with the integration tag import this package.
package containers

import (
	"context"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const (
	postgresImage = "docker.io/postgres:16-alpine"
	redisImage    = "docker.io/redis:7-alpine"
	minioImage    = "docker.io/minio/minio:latest"
)

// MinIOEndpoint is what minio.Config needs to reach a test container.
type MinIOEndpoint struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
}

// Postgres starts PostgreSQL with TLS off and returns its connection URI.
func Postgres(t testing.TB) string {
	t.Helper()
	ctx := start(t)
	c, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("realmgate_test"),
		tcpostgres.WithUsername("gate"),
		tcpostgres.WithPassword("gatepass"),
		tcpostgres.BasicWaitStrategies(),
	)
	cleanup(t, c, err, "postgres")
	uri, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("containers: postgres connection string: %v", err)
	}
	return uri
}

// Redis starts Redis and returns a redis:// URI.
func Redis(t testing.TB) string {
	t.Helper()
	ctx := start(t)
	c, err := tcredis.Run(ctx, redisImage)
	cleanup(t, c, err, "redis")
	uri, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("containers: redis connection string: %v", err)
	}
	return uri
}

// MinIO starts MinIO with fixed root credentials.
func MinIO(t testing.TB) MinIOEndpoint {
	t.Helper()
	ctx := start(t)
	ep := MinIOEndpoint{AccessKey: "realmgate", SecretKey: "realmgate-secret"}
	c, err := tcminio.Run(ctx, minioImage,
		tcminio.WithUsername(ep.AccessKey),
		tcminio.WithPassword(ep.SecretKey),
	)
	cleanup(t, c, err, "minio")
	addr, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("containers: minio endpoint: %v", err)
	}
	ep.Endpoint = strings.TrimRight(strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://"), "/")
	return ep
}

func start(t testing.TB) context.Context {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	return context.Background()
}

// cleanup fails t when the container did not start and otherwise schedules
// its termination.
func cleanup(t testing.TB, c testcontainers.Container, err error, name string) {
	t.Helper()
	if err != nil {
		t.Fatalf("containers: start %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("containers: terminate %s: %v", name, err)
		}
	})
}
