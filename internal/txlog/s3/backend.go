// Package s3 provides an S3-backed transaction log, one object per branch.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gezibash/arc-session/internal/storage"
	"github.com/gezibash/arc-session/internal/txlog"
	"github.com/gezibash/arc-session/pkg/xa"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

func init() {
	txlog.Register(txlog.Driver{Name: "s3", Open: Open, Defaults: Defaults()})
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:          "us-east-1",
		KeyEndpoint:        "",
		KeyPrefix:          "txlog/",
		KeyAccessKeyID:     "",
		KeySecretAccessKey: "",
		KeyForcePathStyle:  "false",
	}
}

// Open checks that the bucket is reachable before returning.
func Open(ctx context.Context, config map[string]string) (txlog.Backend, error) {
	bucket, err := storage.RequireString(config, "s3", KeyBucket)
	if err != nil {
		return nil, err
	}
	client, err := newClient(ctx, config)
	if err != nil {
		return nil, err
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	prefix := storage.GetString(config, KeyPrefix, "txlog/")
	slog.Info("s3 txlog opened", "bucket", bucket, "prefix", prefix)
	return &Backend{client: client, bucket: bucket, prefix: prefix}, nil
}

// newClient uses static credentials when both keys are set and the default
// AWS chain otherwise. An endpoint points the client at MinIO or similar.
func newClient(ctx context.Context, config map[string]string) (*s3.Client, error) {
	pathStyle, err := storage.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.WithBackend("s3", err)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(storage.GetString(config, KeyRegion, "us-east-1")),
	}
	id, secret := storage.GetString(config, KeyAccessKeyID, ""), storage.GetString(config, KeySecretAccessKey, "")
	if id != "" && secret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	endpoint := storage.GetString(config, KeyEndpoint, "")
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	}), nil
}

// Backend stores each record as the object prefix+xid key.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	closed atomic.Bool
}

func (b *Backend) key(xid xa.Xid) string {
	return b.prefix + xid.Key()
}

func (b *Backend) Put(ctx context.Context, r *txlog.Record) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	data, err := txlog.Encode(r)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:         aws.String(b.key(r.Xid)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/cbor"),
		Metadata:    map[string]string{"xa-state": string(r.State)},
	})
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, xid xa.Xid) (*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	return b.get(ctx, b.key(xid))
}

func (b *Backend) get(ctx context.Context, key string) (*txlog.Record, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, txlog.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get: read body: %w", err)
	}
	return txlog.Decode(data)
}

func (b *Backend) Delete(ctx context.Context, xid xa.Xid) error {
	if b.closed.Load() {
		return txlog.ErrClosed
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(xid)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete: %w", err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]*txlog.Record, error) {
	if b.closed.Load() {
		return nil, txlog.ErrClosed
	}
	var out []*txlog.Record
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if _, err := xa.ParseKey(strings.TrimPrefix(key, b.prefix)); err != nil {
				continue
			}
			r, err := b.get(ctx, key)
			if errors.Is(err, txlog.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}
