// Package archive stores raw callback payloads for audit and replay. Runner
// reports are the only record of what an untrusted pool actually sent, so the
// bytes are kept verbatim before any processing touches them.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"scrape-coordinator/internal/config"
)

// Archiver persists one raw payload and returns its storage location.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) (string, error)
}

// New picks a backend from configuration: S3 when a bucket is set, a local
// directory otherwise, nil (archiving disabled) when neither is configured.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Archiver{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	}
	if cfg.ArchiveDir != "" {
		return &dirArchiver{baseDir: cfg.ArchiveDir}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// PayloadKey builds a date-partitioned object key for a callback payload.
func PayloadKey(jobID string, received time.Time) string {
	return fmt.Sprintf("callbacks/%s/%s-%d.json",
		received.UTC().Format("2006/01/02"), jobID, received.UnixNano())
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (a *s3Archiver) Store(ctx context.Context, key string, body []byte) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

type dirArchiver struct {
	baseDir string
}

func (a *dirArchiver) Store(_ context.Context, key string, body []byte) (string, error) {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	path := filepath.Join(a.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}
