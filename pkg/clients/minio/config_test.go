package minio

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SecretKeyNeverSerialized(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(Config{Endpoint: "e", AccessKey: "a", SecretKey: "minio-secret"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "minio-secret")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Endpoint: "s3.internal:9000", AccessKey: "gate"}
	require.NoError(t, cfg.Validate())
	d := DefaultConfig()
	assert.Equal(t, d.Region, cfg.Region)
	assert.Equal(t, d.TablesBucket, cfg.TablesBucket)
	assert.Equal(t, d.TablesKey, cfg.TablesKey)
	assert.False(t, cfg.UseSSL)

	cfg = Config{AccessKey: "gate"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	cfg = Config{Endpoint: "s3.internal:9000"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_key")
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "GET b/k", truncateStatement("GET b/k"))
	long := strings.Repeat("ü", maxStatementLen+5)
	got := truncateStatement(long)
	assert.Len(t, []rune(got), maxStatementLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}
