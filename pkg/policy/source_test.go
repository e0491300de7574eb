package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

const smallTablesJSON = `{
  "version": "test-1",
  "tiers": [{"name": "individual", "permissions": ["listing:read"]}],
  "roles": [{"name": "admin", "permissions": ["*"]}, {"name": "viewer", "permissions": ["listing:read"]}]
}`

func TestRead_YAMLAndJSON(t *testing.T) {
	t.Parallel()
	p, err := Read(strings.NewReader(string(defaultTablesYAML)), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, Default().Version(), p.Version())

	p, err = Read(strings.NewReader(smallTablesJSON), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "test-1", p.Version())
	assert.Equal(t, Role("viewer"), p.LeastRole())
}

func TestRead_Errors(t *testing.T) {
	t.Parallel()
	_, err := Read(strings.NewReader("{"), FormatJSON)
	assert.True(t, sserr.HasCode(err, sserr.CodePolicyTableInvalid))

	_, err = Read(strings.NewReader("x"), Format("toml"))
	assert.True(t, sserr.HasCode(err, sserr.CodePolicyTableInvalid))

	huge := strings.Repeat("#", maxTableSize+10)
	_, err = Read(strings.NewReader(huge), FormatYAML)
	assert.True(t, sserr.HasCode(err, sserr.CodePolicyTableInvalid))
}

func TestFormatFromName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, FormatJSON, FormatFromName("tables.JSON"))
	assert.Equal(t, FormatYAML, FormatFromName("tables.yml"))
	assert.Equal(t, FormatYAML, FormatFromName("tables"))
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.json")
	require.NoError(t, os.WriteFile(path, []byte(smallTablesJSON), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "test-1", p.Version())

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, sserr.HasCode(err, sserr.CodePolicyTableNotFound))
}

type failingGetter struct{ err error }

func (f failingGetter) GetObject(context.Context, string, string, minio.GetObjectOptions) (*minio.Object, error) {
	return nil, f.err
}

func TestLoadObject_GetErrors(t *testing.T) {
	t.Parallel()
	_, err := LoadObject(context.Background(), failingGetter{errors.New("connection refused")}, "b", "k.yaml")
	assert.True(t, sserr.HasCode(err, sserr.CodeDependencyDown))

	missing := minio.ErrorResponse{Code: "NoSuchKey", Message: "gone"}
	_, err = LoadObject(context.Background(), failingGetter{fmt.Errorf("wrapped: %w", missing)}, "b", "k.yaml")
	assert.True(t, sserr.HasCode(err, sserr.CodePolicyTableNotFound))
}

// fakeS3 serves a single object over the S3 path-style GET API.
func fakeS3(t *testing.T, bucket, key, body string) *minio.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+bucket+"/"+key {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key><BucketName>%s</BucketName></Error>`, key, bucket)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4("test", "testsecret", ""),
		Secure:       false,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err)
	return client
}

func TestLoadObject_FromObjectStore(t *testing.T) {
	t.Parallel()
	client := fakeS3(t, "policies", "tables.json", smallTablesJSON)

	p, err := LoadObject(context.Background(), client, "policies", "tables.json")
	require.NoError(t, err)
	assert.Equal(t, "test-1", p.Version())

	_, err = LoadObject(context.Background(), client, "policies", "other.json")
	assert.True(t, sserr.HasCode(err, sserr.CodePolicyTableNotFound))
}
