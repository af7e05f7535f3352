// Package archive hands computed payroll runs off to object storage, where
// the accounting integration picks them up.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/warp/payroll-engine/payroll"
)

// S3Config locates the archive bucket. Endpoint and static credentials are
// optional and mostly used for MinIO.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// ObjectPutter is the part of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes runs as JSON documents.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Archiver creates an archiver.
func NewS3Archiver(client ObjectPutter, cfg S3Config, logger *slog.Logger) *S3Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "payroll-runs"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: prefix, logger: logger}
}

// Key returns the object key of a run:
// <prefix>/<tenant>/<yyyy>/<mm>/<run id>.json, dated by period start.
func (a *S3Archiver) Key(run payroll.Run) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%s.json",
		a.prefix, run.TenantID, run.PeriodStart.Year(), int(run.PeriodStart.Month()), run.ID)
}

// ArchiveRun uploads run and returns its key. Unbalanced runs are refused.
func (a *S3Archiver) ArchiveRun(ctx context.Context, run payroll.Run) (string, error) {
	if err := payroll.ValidateRun(run); err != nil {
		return "", err
	}
	body, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to encode run: %w", err)
	}

	key := a.Key(run)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"tenant": run.TenantID,
			"run-id": run.ID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run %s: %w", run.ID, err)
	}

	a.logger.Info("payroll run archived",
		slog.String("tenant", run.TenantID), slog.String("run", run.ID),
		slog.String("bucket", a.bucket), slog.String("key", key), slog.Int("entries", len(run.Entries)))
	return key, nil
}
