package minio

import (
	"errors"
	"time"

	"github.com/StricklySoft/realmgate/pkg/config"
)

// maxStatementLen bounds operation descriptions recorded in spans.
const maxStatementLen = 100

// DefaultHealthTimeout bounds Health when the caller sets no deadline.
const DefaultHealthTimeout = 5 * time.Second

// Config holds the object store credentials and where the published policy
// tables live.
type Config struct {
	Endpoint     string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty" env:"ENDPOINT"`
	AccessKey    string        `json:"access_key,omitempty" yaml:"access_key,omitempty" env:"ACCESS_KEY"`
	SecretKey    config.Secret `json:"-" yaml:"-" env:"SECRET_KEY"`
	Region       string        `json:"region,omitempty" yaml:"region,omitempty" env:"REGION"`
	UseSSL       bool          `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty" env:"USE_SSL"`
	TablesBucket string        `json:"tables_bucket,omitempty" yaml:"tables_bucket,omitempty" env:"TABLES_BUCKET"`
	TablesKey    string        `json:"tables_key,omitempty" yaml:"tables_key,omitempty" env:"TABLES_KEY"`
}

// DefaultConfig points at a local MinIO without TLS.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "localhost:9000",
		Region:       "us-east-1",
		TablesBucket: "realmgate",
		TablesKey:    "policy/tables.yaml",
	}
}

// Validate requires an endpoint and access key and fills the region and
// tables location from DefaultConfig.
func (c *Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("minio: endpoint is required")
	case c.AccessKey == "":
		return errors.New("minio: access_key is required")
	}
	d := DefaultConfig()
	for _, f := range []struct {
		v   *string
		def string
	}{
		{&c.Region, d.Region},
		{&c.TablesBucket, d.TablesBucket},
		{&c.TablesKey, d.TablesKey},
	} {
		if *f.v == "" {
			*f.v = f.def
		}
	}
	return nil
}

func truncateStatement(s string) string {
	r := []rune(s)
	if len(r) <= maxStatementLen {
		return s
	}
	return string(r[:maxStatementLen]) + "..."
}
