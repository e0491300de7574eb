// Package testutil holds small helpers shared by realmgate tests. Every
// helper calls t.Helper so failures point at the caller.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// RequireErrorCode halts the test unless err is a platform error carrying
// code.
//
//	_, err := loadConfig(path)
//	testutil.RequireErrorCode(t, err, sserr.CodeConfigRequired)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	e, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code, "error code mismatch (message: %s)", e.Message)
}

// TempConfigFile writes content to config<ext> in a fresh temp dir with
// mode 0600 and returns its path.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	return TempFile(t, "config"+ext, content)
}

// TempFile writes content to name in a fresh temp dir and returns its path.
func TempFile(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "write %s", path)
	return path
}

// SetEnv sets key for the rest of the test and restores the previous value
// (or unsets it) on cleanup. Tests using it must not call t.Parallel.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	prev, existed := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value), "set %s", key)
	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// AssertJSONNotContains fails the test if the JSON form of v contains
// unexpected. Use it to check that secrets are redacted.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) bool {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	return assert.NotContains(t, string(data), unexpected)
}
