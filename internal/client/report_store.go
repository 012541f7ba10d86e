package client

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// ReportStoreConfig locates the report bucket.
type ReportStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores such as MinIO
	Prefix   string
}

// S3ReportStore uploads generated report artifacts to S3.
type S3ReportStore struct {
	s3     *s3.Client
	bucket string
	prefix string
	log    *logger.Logger
}

// NewS3ReportStore resolves AWS credentials from the default chain.
func NewS3ReportStore(ctx context.Context, cfg ReportStoreConfig, log *logger.Logger) (*S3ReportStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("reports bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ReportStore{
		s3:     client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

// Put uploads body under key and returns the s3:// location.
func (s *S3ReportStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	objectKey := key
	if s.prefix != "" {
		objectKey = path.Join(s.prefix, key)
	}

	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", errors.Retryable(err, "failed to upload report")
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, objectKey)
	s.log.Info().Str("location", location).Int("bytes", len(body)).Msg("Report uploaded")
	return location, nil
}
