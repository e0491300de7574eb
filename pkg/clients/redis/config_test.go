package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_PasswordNeverSerialized(t *testing.T) {
	t.Parallel()
	cfg := Config{Host: "cache.internal", Password: "hunter2"}

	j, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(j), "hunter2")

	y, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(y), "hunter2")
}

func TestDefaultConfig_Validates(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig(), cfg, "defaults are already complete")
	assert.Equal(t, 500*time.Millisecond, cfg.ReadTimeout)
}

func TestConfig_Validate_FillsFromDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{PoolSize: -1, MinIdleConns: -1}
	require.NoError(t, cfg.Validate())

	d := DefaultConfig()
	assert.Equal(t, d.Host, cfg.Host)
	assert.Equal(t, d.Port, cfg.Port)
	assert.Equal(t, d.PoolSize, cfg.PoolSize)
	assert.Equal(t, d.MinIdleConns, cfg.MinIdleConns)
	assert.Equal(t, d.ReadTimeout, cfg.ReadTimeout)
}

func TestConfig_Options(t *testing.T) {
	t.Parallel()
	cfg := Config{Host: "cache.internal", Port: 6380, DB: 2, Password: "pw", TLSEnabled: true}
	require.NoError(t, cfg.Validate())
	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.NotNil(t, opts.TLSConfig)
	assert.Equal(t, DefaultConfig().PoolSize, opts.PoolSize)

	cfg = Config{URI: "redis://:secret@cache.internal:6379/3", ReadTimeout: time.Second}
	require.NoError(t, cfg.Validate())
	opts, err = cfg.options()
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, time.Second, opts.ReadTimeout)
}

func TestConfig_Validate_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Host:         "cache.internal",
		Port:         6380,
		DB:           4,
		PoolSize:     50,
		MinIdleConns: 10,
		MaxRetries:   -1,
		ReadTimeout:  time.Second,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cache.internal", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, 50, cfg.PoolSize)
	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.ReadTimeout)
}

func TestConfig_Validate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"port negative", Config{Port: -1}, "port"},
		{"port too high", Config{Port: 70000}, "port"},
		{"pool smaller than idle", Config{PoolSize: 2, MinIdleConns: 5}, "pool_size"},
		{"negative dial timeout", Config{DialTimeout: -time.Second}, "timeouts"},
		{"negative read timeout", Config{ReadTimeout: -time.Second}, "timeouts"},
		{"negative write timeout", Config{WriteTimeout: -time.Second}, "timeouts"},
		{"uri http scheme", Config{URI: "http://localhost:6379"}, "scheme"},
		{"uri no scheme", Config{URI: "localhost:6379"}, "uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_URI(t *testing.T) {
	t.Parallel()
	for _, uri := range []string{"redis://localhost:6379/0", "rediss://user:pw@cache.internal:6380/1"} {
		cfg := Config{URI: uri, Port: 99999}
		require.NoError(t, cfg.Validate(), uri)
		assert.Equal(t, DefaultConfig().PoolSize, cfg.PoolSize, "pool defaults apply with a URI")
	}
}
