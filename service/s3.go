package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jsusurcia/pryGobierno-sub000/config"
)

// S3Store keeps contract documents in an S3 (or S3-compatible) bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	baseURL string
	fetcher *HTTPFetcher
}

func NewS3Store(ctx context.Context, cfg *config.S3Config, prefix string, fetcher *HTTPFetcher) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  prefix,
		baseURL: s3BaseURL(cfg),
		fetcher: fetcher,
	}, nil
}

// s3BaseURL is the URL prefix every object URL of the bucket starts with.
func s3BaseURL(cfg *config.S3Config) string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", cfg.Bucket, cfg.Region)
}

func (s *S3Store) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	key := objectKey(s.prefix, filename)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload document to S3: %w", err)
	}

	return s.baseURL + key, nil
}

func (s *S3Store) Download(ctx context.Context, rawURL string) ([]byte, error) {
	key, ok := s.keyFromURL(rawURL)
	if !ok {
		if s.fetcher == nil {
			return nil, Permanent(fmt.Errorf("url %s is not in bucket %s", rawURL, s.bucket))
		}
		return s.fetcher.Fetch(ctx, rawURL)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download document from S3: %w", err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read document content: %w", err)
	}

	return content, nil
}

func (s *S3Store) PresignURL(ctx context.Context, rawURL string) (string, error) {
	key, ok := s.keyFromURL(rawURL)
	if !ok {
		return rawURL, nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", fmt.Errorf("failed to presign document: %w", err)
	}
	return req.URL, nil
}

func (s *S3Store) keyFromURL(rawURL string) (string, bool) {
	if !strings.HasPrefix(rawURL, s.baseURL) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, s.baseURL)
	return key, key != ""
}
