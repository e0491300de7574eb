package redis

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/StricklySoft/realmgate/pkg/config"
)

// maxStatementLen bounds commands recorded in spans. Keys hold token
// hashes, never tokens, and values are not recorded at all.
const maxStatementLen = 100

// DefaultHealthTimeout bounds Health when the caller sets no deadline.
const DefaultHealthTimeout = 5 * time.Second

// Config locates the Redis server shared by gateway replicas. URI, when
// set, wins over Host, Port, DB, Password and TLSEnabled. Read and write
// timeouts default low because cache lookups sit on the authorization path
// and a slow cache is treated as a miss.
type Config struct {
	URI        string        `json:"uri,omitempty" yaml:"uri,omitempty" env:"URI"`
	Host       string        `json:"host,omitempty" yaml:"host,omitempty" env:"HOST"`
	Port       int           `json:"port,omitempty" yaml:"port,omitempty" env:"PORT"`
	DB         int           `json:"db" yaml:"db" env:"DB"`
	Password   config.Secret `json:"-" yaml:"-" env:"PASSWORD"`
	TLSEnabled bool          `json:"tls_enabled,omitempty" yaml:"tls_enabled,omitempty" env:"TLS_ENABLED"`

	PoolSize     int           `json:"pool_size,omitempty" yaml:"pool_size,omitempty" env:"POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns,omitempty" yaml:"min_idle_conns,omitempty" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty" env:"MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty" env:"WRITE_TIMEOUT"`
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     25,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// Validate fills zero fields from DefaultConfig and checks the result.
// A negative MaxRetries is kept; go-redis reads it as "no retries".
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = d.MinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	for _, t := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.DialTimeout, d.DialTimeout},
		{&c.ReadTimeout, d.ReadTimeout},
		{&c.WriteTimeout, d.WriteTimeout},
	} {
		if *t.v < 0 {
			return errors.New("redis: timeouts must not be negative")
		}
		if *t.v == 0 {
			*t.v = t.def
		}
	}
	if c.PoolSize < c.MinIdleConns {
		return fmt.Errorf("redis: pool_size (%d) is below min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	}

	if c.URI != "" {
		if _, err := redis.ParseURL(c.URI); err != nil {
			return fmt.Errorf("redis: uri: %w", err)
		}
		return nil
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: port %d out of range", c.Port)
	}
	return nil
}

// options translates c into go-redis options. Call Validate first.
func (c *Config) options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URI != "" {
		var err error
		if opts, err = redis.ParseURL(c.URI); err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{
			Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			Password: c.Password.Value(),
			DB:       c.DB,
		}
		if c.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.MaxRetries = c.MaxRetries
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}

func truncateStatement(s string) string {
	r := []rune(s)
	if len(r) <= maxStatementLen {
		return s
	}
	return string(r[:maxStatementLen]) + "..."
}
