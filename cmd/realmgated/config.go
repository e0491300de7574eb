package main

import (
	"time"

	"github.com/StricklySoft/realmgate/internal/server"
	"github.com/StricklySoft/realmgate/pkg/audit"
	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/clients/minio"
	"github.com/StricklySoft/realmgate/pkg/clients/postgres"
	"github.com/StricklySoft/realmgate/pkg/clients/redis"
	"github.com/StricklySoft/realmgate/pkg/config"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

const envPrefix = "REALMGATE"

// Policy table sources.
const (
	PolicyDefault = "default"
	PolicyFile    = "file"
	PolicyObject  = "object"
)

// Decision cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the complete gateway configuration. Every field can be set
// from the config file or from REALMGATE_* environment variables.
type Config struct {
	Logging  logging.Config  `json:"logging" yaml:"logging" env:"LOG"`
	Auth     auth.Config     `json:"auth" yaml:"auth" env:"AUTH"`
	HTTP     server.Config   `json:"http" yaml:"http" env:"HTTP"`
	GRPC     GRPCConfig      `json:"grpc" yaml:"grpc" env:"GRPC"`
	Policy   PolicyConfig    `json:"policy" yaml:"policy" env:"POLICY"`
	Cache    CacheConfig     `json:"cache" yaml:"cache" env:"CACHE"`
	Audit    AuditConfig     `json:"audit" yaml:"audit" env:"AUDIT"`
	Redis    redis.Config    `json:"redis" yaml:"redis" env:"REDIS"`
	Postgres postgres.Config `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	MinIO    minio.Config    `json:"minio" yaml:"minio" env:"MINIO"`

	// ShutdownTimeout bounds the stop hooks after a signal.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// GRPCConfig enables the gRPC listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`
}

// PolicyConfig selects where the permission tables come from.
type PolicyConfig struct {
	Source string `json:"source" yaml:"source" env:"SOURCE" envDefault:"default"`
	File   string `json:"file" yaml:"file" env:"FILE"`
}

// CacheConfig selects the allow-decision cache.
type CacheConfig struct {
	Backend    string        `json:"backend" yaml:"backend" env:"BACKEND" envDefault:"memory"`
	TTL        time.Duration `json:"ttl" yaml:"ttl" env:"TTL" envDefault:"30s"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries" env:"MAX_ENTRIES" envDefault:"10000"`
	KeyPrefix  string        `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"realmgate:decision:"`
}

// AuditConfig selects the deny sinks. Denies are always logged; Postgres
// and the Redis rate counter are opt-in.
type AuditConfig struct {
	Postgres  bool                `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	Counter   bool                `json:"counter" yaml:"counter" env:"COUNTER"`
	Retention time.Duration       `json:"retention" yaml:"retention" env:"RETENTION" envDefault:"720h"`
	Async     audit.AsyncConfig   `json:"async" yaml:"async" env:"ASYNC"`
	Rates     audit.CounterConfig `json:"rates" yaml:"rates" env:"RATES"`
}

// usesRedis reports whether any component needs the Redis client.
func (c *Config) usesRedis() bool {
	return c.Cache.Backend == CacheRedis || c.Audit.Counter
}

// usesMinIO reports whether any component needs the object store client.
func (c *Config) usesMinIO() bool {
	return c.Policy.Source == PolicyObject
}

// Validate checks every section, including the client sections of the
// backends that are enabled.
func (c *Config) Validate() error {
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	switch c.Policy.Source {
	case PolicyDefault, PolicyObject:
	case PolicyFile:
		if c.Policy.File == "" {
			return sserr.New(sserr.CodeConfigRequired, "config: policy.file is required when policy.source is \"file\"")
		}
	default:
		return sserr.Newf(sserr.CodeConfigInvalid, "config: unknown policy.source %q", c.Policy.Source)
	}
	switch c.Cache.Backend {
	case CacheNone:
	case CacheMemory, CacheRedis:
		if c.Cache.TTL <= 0 {
			return sserr.Newf(sserr.CodeConfigInvalid, "config: cache.ttl must be positive, got %v", c.Cache.TTL)
		}
	default:
		return sserr.Newf(sserr.CodeConfigInvalid, "config: unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Audit.Postgres && c.Audit.Retention <= 0 {
		return sserr.Newf(sserr.CodeConfigInvalid, "config: audit.retention must be positive, got %v", c.Audit.Retention)
	}
	if c.ShutdownTimeout <= 0 {
		return sserr.Newf(sserr.CodeConfigInvalid, "config: shutdown_timeout must be positive, got %v", c.ShutdownTimeout)
	}

	if c.usesRedis() {
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeConfigInvalid, "config: redis")
		}
	}
	if c.Audit.Postgres {
		if err := c.Postgres.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeConfigInvalid, "config: postgres")
		}
	}
	if c.usesMinIO() {
		if err := c.MinIO.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeConfigInvalid, "config: minio")
		}
	}
	return nil
}

// loadConfig resolves the configuration from path, ./.env and the
// environment.
func loadConfig(path string) (Config, error) {
	var cfg Config
	err := config.New().
		WithEnvPrefix(envPrefix).
		WithDotEnv(".env").
		WithFile(path).
		Load(&cfg)
	return cfg, err
}
