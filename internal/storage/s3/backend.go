// Package s3 provides an S3 storage backend for s3://bucket/key URLs.
package s3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/storage"
)

// Config holds S3 connection settings. Empty credentials fall back to the
// default AWS credential chain.
type Config struct {
	Region    string
	Endpoint  string // custom endpoint for MinIO or other S3-compatible stores
	AccessKey string
	SecretKey string
}

// S3Backend implements storage.Backend using S3.
type S3Backend struct {
	client *s3.Client
}

// NewBackend creates a new S3 backend.
func NewBackend(ctx context.Context, cfg Config) (*S3Backend, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
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
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client}, nil
}

// GetObject retrieves an object from S3.
func (b *S3Backend) GetObject(ctx context.Context, bucket, key string) (*storage.Object, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 URL has no bucket")
	}
	start := time.Now()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}

	logging.Debug("s3 get", zap.String("bucket", bucket), zap.String("key", key),
		zap.Duration("elapsed", time.Since(start)))

	obj := &storage.Object{
		Body:        out.Body,
		Size:        -1,
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		obj.ModTime = *out.LastModified
	}
	return obj, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op; the SDK client holds no resources needing release.
func (b *S3Backend) Close() error { return nil }
