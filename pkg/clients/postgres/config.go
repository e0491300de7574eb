package postgres

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/StricklySoft/realmgate/pkg/config"
)

// maxStatementLen bounds SQL recorded in spans.
const maxStatementLen = 100

// DefaultHealthTimeout bounds Health when the caller sets no deadline.
const DefaultHealthTimeout = 5 * time.Second

// sslModes are the libpq sslmode values. verify-ca and verify-full need
// SSLRootCert to check anything beyond what pgx does by default.
var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Config locates the denial audit database. URI, when set, wins over the
// discrete connection fields; the pool fields apply either way.
type Config struct {
	URI         string        `json:"uri,omitempty" yaml:"uri,omitempty" env:"URI"`
	Host        string        `json:"host,omitempty" yaml:"host,omitempty" env:"HOST"`
	Port        int           `json:"port,omitempty" yaml:"port,omitempty" env:"PORT"`
	Database    string        `json:"database" yaml:"database" env:"DATABASE"`
	User        string        `json:"user" yaml:"user" env:"USER"`
	Password    config.Secret `json:"-" yaml:"-" env:"PASSWORD"`
	SSLMode     string        `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" env:"SSLMODE"`
	SSLRootCert string        `json:"ssl_root_cert,omitempty" yaml:"ssl_root_cert,omitempty" env:"SSL_ROOT_CERT"`

	MaxConns          int32         `json:"max_conns,omitempty" yaml:"max_conns,omitempty" env:"MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" yaml:"min_conns,omitempty" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime,omitempty" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time,omitempty" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period,omitempty" env:"HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" env:"CONNECT_TIMEOUT"`
}

// DefaultConfig is a local, TLS-required connection to the realmgate
// database with a small pool. Audit writes are batched, so a handful of
// connections is enough.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		Database:          "realmgate",
		User:              "realmgate",
		SSLMode:           "require",
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    10 * time.Second,
	}
}

// Validate fills zero fields from DefaultConfig and reports the first
// problem. With a URI only its scheme is checked; the server reports the
// rest on connect.
func (c *Config) Validate() error {
	d := DefaultConfig()
	fillInt32(&c.MaxConns, d.MaxConns)
	fillInt32(&c.MinConns, d.MinConns)
	fillDuration(&c.MaxConnLifetime, d.MaxConnLifetime)
	fillDuration(&c.MaxConnIdleTime, d.MaxConnIdleTime)
	fillDuration(&c.HealthCheckPeriod, d.HealthCheckPeriod)
	fillDuration(&c.ConnectTimeout, d.ConnectTimeout)
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: max_conns (%d) is below min_conns (%d)", c.MaxConns, c.MinConns)
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: uri: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("postgres: uri scheme %q, want postgres or postgresql", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.SSLMode == "" {
		c.SSLMode = d.SSLMode
	}
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("postgres: port %d out of range", c.Port)
	case c.Database == "":
		return errors.New("postgres: database is required")
	case c.User == "":
		return errors.New("postgres: user is required")
	case !sslModes[c.SSLMode]:
		return fmt.Errorf("postgres: unknown ssl_mode %q", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return fmt.Errorf("postgres: ssl_root_cert: %w", err)
		}
	}
	return nil
}

func fillInt32(v *int32, d int32) {
	if *v <= 0 {
		*v = d
	}
}

func fillDuration(v *time.Duration, d time.Duration) {
	if *v <= 0 {
		*v = d
	}
}

// ConnectionString returns the URI, or one assembled from the discrete
// fields. It carries the password in cleartext and must not be logged.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password.Value()),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// tlsConfig builds a TLS config around SSLRootCert. Without a CA file, or
// with sslmode=disable, it returns nil and pgx follows sslmode alone.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.SSLRootCert == "" || c.SSLMode == "disable" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.SSLRootCert)
	if err != nil {
		return nil, fmt.Errorf("postgres: read CA %q: %w", c.SSLRootCert, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("postgres: no certificates in %q", c.SSLRootCert)
	}

	cfg := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}
	switch c.SSLMode {
	case "verify-full":
		cfg.ServerName = c.Host
	case "verify-ca":
		// Verify the chain against roots but not the host name.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs.PeerCertificates, roots)
		}
	default:
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func verifyChain(certs []*x509.Certificate, roots *x509.CertPool) error {
	if len(certs) == 0 {
		return errors.New("postgres: server sent no certificate")
	}
	inter := x509.NewCertPool()
	for _, ic := range certs[1:] {
		inter.AddCert(ic)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter})
	return err
}

func truncateSQL(sql string) string {
	r := []rune(sql)
	if len(r) <= maxStatementLen {
		return sql
	}
	return string(r[:maxStatementLen]) + "..."
}
