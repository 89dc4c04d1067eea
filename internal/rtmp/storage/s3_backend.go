package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Backend uploads recordings to an S3 bucket, selectable via
// -storage-provider=s3 as an alternative to the Azure backend.
type s3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Backend(cfg Config) (Backend, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("storage: s3 backend requires a bucket")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return &s3Backend{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
	}, nil
}

func (s *s3Backend) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	// PutObject needs a seekable body for retries/signing; buffer it since
	// finished recordings are read once off disk.
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return fmt.Errorf("storage: s3 read %s: %w", key, err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 upload %s: %w", key, err)
	}
	return nil
}

func (s *s3Backend) Close() error { return nil }
