// Package s3 provides an S3/MinIO storage backend. It serves the card
// contents when images are offloaded to a bucket and archives firmware
// images.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/storage/object"
)

// BackendConfig is the JSON-serializable S3 configuration.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	// CapacityBytes is reported as the total size of the "card"; buckets
	// have no intrinsic capacity. 0 reports used space only.
	CapacityBytes int64 `json:"capacity_bytes"`
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client   *s3.Client
	bucket   string
	prefix   string
	capacity int64
}

// NewBackend creates a new S3 backend and makes sure the bucket exists.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	b := &S3Backend{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		capacity: cfg.CapacityBytes,
	}
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}
	return b, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *S3Backend) objectKey(key string) string {
	return b.prefix + strings.TrimPrefix(key, "/")
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	metrics.RecordS3Operation("create_bucket", time.Since(start), createErr == nil)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// notFound maps S3 "missing" errors to fs.ErrNotExist.
func notFound(err error, key string) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("object %s: %w", key, fs.ErrNotExist)
	}
	return err
}

// GetObject retrieves an object from S3 with range support.
func (b *S3Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := b.client.GetObject(ctx, input)
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key, notFound(err, key))
	}

	size := aws.ToInt64(result.ContentLength)
	return result.Body, size, nil
}

// PutObject uploads content to S3. A negative size leaves the content
// length unset.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	_, err := b.client.PutObject(ctx, input)
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes an object from S3.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// StatObject returns size and modification time via HeadObject.
func (b *S3Backend) StatObject(ctx context.Context, key string) (object.Info, error) {
	start := time.Now()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil)
	if err != nil {
		return object.Info{}, fmt.Errorf("head object %s: %w", key, notFound(err, key))
	}
	return object.Info{
		Key:     key,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

// ListObjects lists objects directly under prefix using "/" as delimiter.
func (b *S3Backend) ListObjects(ctx context.Context, prefix string) ([]object.Info, error) {
	listPrefix := b.prefix
	if p := strings.Trim(prefix, "/"); p != "" {
		listPrefix += p + "/"
	}
	return b.list(ctx, listPrefix, aws.String("/"))
}

func (b *S3Backend) list(ctx context.Context, listPrefix string, delimiter *string) ([]object.Info, error) {
	start := time.Now()
	out := []object.Info{}

	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: delimiter,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list objects %s: %w", listPrefix, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			out = append(out, object.Info{
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	metrics.RecordS3Operation("list_objects", time.Since(start), true)
	return out, nil
}

// Usage sums every object under the backend prefix against the configured
// capacity.
func (b *S3Backend) Usage(ctx context.Context) (object.Usage, error) {
	objs, err := b.list(ctx, b.prefix, nil)
	if err != nil {
		return object.Usage{}, err
	}
	var used uint64
	for _, o := range objs {
		used += uint64(o.Size)
	}
	if b.capacity <= 0 {
		return object.Usage{Total: used, Free: 0}, nil
	}
	total := uint64(b.capacity)
	if used > total {
		return object.Usage{Total: total, Free: 0}, nil
	}
	return object.Usage{Total: total, Free: total - used}, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
