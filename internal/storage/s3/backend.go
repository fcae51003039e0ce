// Package s3 mirrors workspace files into an S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
)

// BackendConfig holds the connection settings for an S3 mirror.
type BackendConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
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

	backend := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}

	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

func (b *S3Backend) key(path string) string {
	if b.prefix == "" {
		return path
	}
	return b.prefix + "/" + path
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordS3Operation("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordS3Operation("create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// PutObject uploads content to S3.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordS3Operation("put_object", time.Since(start), true)
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes an object from S3.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		metrics.RecordS3Operation("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	metrics.RecordS3Operation("delete_object", time.Since(start), true)
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// ObjectExists checks if an object exists in S3.
func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		return false, nil
	}

	metrics.RecordS3Operation("head_object", time.Since(start), true)
	return true, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
