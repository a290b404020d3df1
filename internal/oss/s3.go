package oss

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"render-orchestrator/internal/config"
)

type s3Uploader struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

func newS3Uploader(ctx context.Context, cfg config.S3Config) (*s3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
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
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &s3Uploader{client: client, bucket: cfg.Bucket, endpoint: cfg.Endpoint}, nil
}

func (s *s3Uploader) Name() string { return "s3" }

func (s *s3Uploader) Upload(ctx context.Context, name string, data []byte, onProgress ProgressFunc) (string, error) {
	body := &progressReader{
		reader: bytes.NewReader(data),
		total:  int64(len(data)),
		report: onProgress,
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(name),
		Body:          body,
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, name), nil
}

// progressReader reports fractional read progress as the SDK consumes the
// body.
type progressReader struct {
	reader *bytes.Reader
	total  int64
	sent   int64
	report ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	if n > 0 && p.total > 0 && p.report != nil {
		p.sent += int64(n)
		p.report(float64(p.sent) / float64(p.total))
	}
	return n, err
}
