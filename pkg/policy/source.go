package policy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Format is a table serialization format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// maxTableSize bounds how much of a table document is read.
const maxTableSize = 1 << 20

// FormatFromName picks a format from a file or object name extension.
// Anything other than .json is treated as YAML.
func FormatFromName(name string) Format {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Decode parses a table document.
func Decode(data []byte, format Format) (Tables, error) {
	var t Tables
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &t)
	case FormatYAML, "":
		err = yaml.Unmarshal(data, &t)
	default:
		return Tables{}, sserr.Newf(sserr.CodePolicyTableInvalid, "policy: unsupported format %q", format)
	}
	if err != nil {
		return Tables{}, sserr.Wrap(err, sserr.CodePolicyTableInvalid, "policy: decode tables")
	}
	return t, nil
}

// Read decodes and compiles a table document from r.
func Read(r io.Reader, format Format) (*Policy, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTableSize+1))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodePolicyTableInvalid, "policy: read tables")
	}
	if len(data) > maxTableSize {
		return nil, sserr.New(sserr.CodePolicyTableInvalid, "policy: table document exceeds 1 MiB")
	}
	t, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return Compile(t)
}

// LoadFile reads tables from a local file.
func LoadFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, sserr.Wrapf(err, sserr.CodePolicyTableNotFound, "policy: %q not found", path)
	}
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodePolicyTableInvalid, "policy: open %q", path)
	}
	defer f.Close()
	return Read(f, FormatFromName(path))
}

// ObjectGetter is the subset of the object store client used to fetch
// table documents. It is satisfied by the minio client wrapper.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// LoadObject reads tables from an object store bucket.
func LoadObject(ctx context.Context, store ObjectGetter, bucket, key string) (*Policy, error) {
	obj, err := store.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(err, bucket, key)
	}
	defer obj.Close()

	p, err := Read(obj, FormatFromName(key))
	if err != nil {
		// minio defers the GET until the first read, so a missing object
		// surfaces here rather than from GetObject.
		var resp minio.ErrorResponse
		if errors.As(err, &resp) {
			return nil, classifyObjectError(resp, bucket, key)
		}
		return nil, err
	}
	return p, nil
}

func classifyObjectError(err error, bucket, key string) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket") {
		return sserr.Wrapf(err, sserr.CodePolicyTableNotFound, "policy: s3://%s/%s not found", bucket, key)
	}
	return sserr.Wrapf(err, sserr.CodeDependencyDown, "policy: fetch s3://%s/%s", bucket, key)
}
