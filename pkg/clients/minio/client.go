// Package minio provides the S3-compatible object store client that holds
// published policy tables. Operators publish a table document with
// [Client.Publish]; gateways read it back through [Client.GetObject], which
// satisfies policy.ObjectGetter. Calls are traced with OpenTelemetry and
// failures carry realmgate error codes.
package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

const tracerName = "github.com/StricklySoft/realmgate/pkg/clients/minio"

// ObjectStore is the part of the minio-go API the client uses.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

// Client holds no connection state and is safe for concurrent use.
type Client struct {
	store  ObjectStore
	config *Config
	tracer trace.Tracer
}

// NewClient validates cfg and probes the tables bucket. The bucket need not
// exist yet; the probe only proves the endpoint and credentials work.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "minio: invalid configuration")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfigInvalid, "minio: failed to create client")
	}
	if _, err := mc.BucketExists(ctx, cfg.TablesBucket); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeDependencyDown, "minio: failed to connect to server")
	}
	return NewFromStore(mc, &cfg), nil
}

// NewFromStore wraps an existing store. cfg may be nil, in which case the
// tables location comes from DefaultConfig.
func NewFromStore(store ObjectStore, cfg *Config) *Client {
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	return &Client{store: store, config: cfg, tracer: otel.Tracer(tracerName)}
}

// TablesLocation returns the configured bucket and key of the policy tables.
func (c *Client) TablesLocation() (bucket, key string) {
	return c.config.TablesBucket, c.config.TablesKey
}

// Publish writes a table document to bucket/key, creating the bucket when
// it is missing. The content type follows the key's extension.
func (c *Client) Publish(ctx context.Context, bucket, key string, doc []byte) (minio.UploadInfo, error) {
	var info minio.UploadInfo
	err := c.do(ctx, "Publish", bucket, "PUT "+bucket+"/"+key, func(ctx context.Context) error {
		if err := c.ensureBucket(ctx, bucket); err != nil {
			return err
		}
		var err error
		info, err = c.store.PutObject(ctx, bucket, key, bytes.NewReader(doc), int64(len(doc)),
			minio.PutObjectOptions{ContentType: contentTypeFor(key)})
		return err
	})
	if err != nil {
		return minio.UploadInfo{}, classify(err, "minio: publish failed")
	}
	return info, nil
}

// GetObject opens an object for reading. minio-go defers the request to the
// first read, so a missing object usually surfaces there instead. The
// caller closes the object.
func (c *Client) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error) {
	var obj *minio.Object
	err := c.do(ctx, "GetObject", bucket, "GET "+bucket+"/"+key, func(ctx context.Context) (err error) {
		obj, err = c.store.GetObject(ctx, bucket, key, opts)
		return err
	})
	if err != nil {
		return nil, classify(err, "minio: get object failed")
	}
	return obj, nil
}

// EnsureBucket creates bucket when it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	err := c.do(ctx, "EnsureBucket", bucket, "MAKEBUCKET "+bucket, func(ctx context.Context) error {
		return c.ensureBucket(ctx, bucket)
	})
	return classify(err, "minio: ensure bucket failed")
}

func (c *Client) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := c.store.BucketExists(ctx, bucket)
	if err != nil || exists {
		return err
	}
	return c.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region})
}

// Health probes the tables bucket. Without a deadline on ctx it waits at
// most DefaultHealthTimeout.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	bucket := c.config.TablesBucket
	err := c.do(ctx, "Health", bucket, "HEADBUCKET "+bucket, func(ctx context.Context) error {
		_, err := c.store.BucketExists(ctx, bucket)
		return err
	})
	if err != nil {
		return sserr.Wrap(err, sserr.CodeDependencyDown, "minio: health check failed")
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, bucket, statement string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "minio."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "minio"),
			attribute.String("db.name", bucket),
			attribute.String("db.statement", truncateStatement(statement)),
		))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func contentTypeFor(key string) string {
	if strings.EqualFold(path.Ext(key), ".json") {
		return "application/json"
	}
	return "application/yaml"
}

// classify maps an object store error to a platform code. Deadlines are
// STORAGE_TIMEOUT; network failures and 5xx responses mean the store is
// down; everything else is INTERNAL_STORAGE.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return sserr.Wrap(err, sserr.CodeStorageTimeout, message)
	case errors.As(err, &netErr), minio.ToErrorResponse(err).StatusCode >= http.StatusInternalServerError:
		return sserr.Wrap(err, sserr.CodeDependencyDown, message)
	default:
		return sserr.Wrap(err, sserr.CodeInternalStorage, message)
	}
}
