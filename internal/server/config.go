package server

import (
	"time"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Config is the HTTP listener configuration.
type Config struct {
	Addr              string        `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"60s"`

	// CheckTimeout bounds one authorization check, key fetch included. A
	// check that runs out of time denies.
	CheckTimeout time.Duration `json:"check_timeout" yaml:"check_timeout" env:"CHECK_TIMEOUT" envDefault:"3s"`

	// MaxBodyBytes caps the /v1/authorize request body.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES" envDefault:"65536"`

	// TrustProxyHeaders takes the caller address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `json:"trust_proxy_headers" yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// DefaultConfig returns the defaults the env tags describe.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		CheckTimeout:      3 * time.Second,
		MaxBodyBytes:      64 << 10,
	}
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return sserr.New(sserr.CodeConfigInvalid, "server: addr is required")
	}
	if c.CheckTimeout <= 0 {
		return sserr.New(sserr.CodeConfigInvalid, "server: check_timeout must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return sserr.New(sserr.CodeConfigInvalid, "server: max_body_bytes must be positive")
	}
	for name, d := range map[string]time.Duration{
		"read_header_timeout": c.ReadHeaderTimeout,
		"read_timeout":        c.ReadTimeout,
		"write_timeout":       c.WriteTimeout,
		"idle_timeout":        c.IdleTimeout,
	} {
		if d < 0 {
			return sserr.Newf(sserr.CodeConfigInvalid, "server: %s must not be negative", name)
		}
	}
	return nil
}
