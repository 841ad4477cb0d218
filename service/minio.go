package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jsusurcia/pryGobierno-sub000/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioService stores contract documents in a MinIO bucket and addresses
// them by their public object URL.
type MinioService struct {
	client  *minio.Client
	bucket  string
	prefix  string
	config  *config.MinioConfig
	fetcher *HTTPFetcher
}

func NewMinioService(cfg *config.MinioConfig, prefix string, fetcher *HTTPFetcher) (*MinioService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioService{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		config:  cfg,
		fetcher: fetcher,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioService) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Upload stores data under a fresh object name and returns its public URL.
// Every version of a document gets its own object, so earlier URLs stay valid.
func (s *MinioService) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	objectName := s.objectName(filename)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	return s.GetPublicURL(objectName), nil
}

// Download reads the object behind rawURL. URLs outside this bucket are
// fetched over HTTP.
func (s *MinioService) Download(ctx context.Context, rawURL string) ([]byte, error) {
	objectName, ok := s.objectFromURL(rawURL)
	if !ok {
		if s.fetcher == nil {
			return nil, Permanent(fmt.Errorf("url %s is not in bucket %s", rawURL, s.bucket))
		}
		return s.fetcher.Fetch(ctx, rawURL)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// PresignURL returns a presigned GET link for a document URL in this bucket.
func (s *MinioService) PresignURL(ctx context.Context, rawURL string) (string, error) {
	objectName, ok := s.objectFromURL(rawURL)
	if !ok {
		return rawURL, nil
	}
	return s.GetPresignedURL(ctx, objectName)
}

// GetPresignedURL generates a presigned URL for the object with expiration
func (s *MinioService) GetPresignedURL(ctx context.Context, objectName string) (string, error) {
	expiry := time.Duration(s.config.ExpireDays) * 24 * time.Hour
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return u.String(), nil
}

// GetPublicURL returns a public URL for the object (if bucket policy allows)
func (s *MinioService) GetPublicURL(objectName string) string {
	protocol := "http"
	if s.config.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, s.config.Endpoint, s.bucket, objectName)
}

func (s *MinioService) objectName(filename string) string {
	return objectKey(s.prefix, filename)
}

// objectFromURL reverses GetPublicURL.
func (s *MinioService) objectFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host != s.config.Endpoint {
		return "", false
	}
	bucketPrefix := "/" + s.bucket + "/"
	if !strings.HasPrefix(u.Path, bucketPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(u.Path, bucketPrefix)
	return name, name != ""
}

// objectKey builds "<prefix>/<dir of filename>/<uuid>-<base of filename>".
func objectKey(prefix, filename string) string {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(filename, "\\", "/")), "/")
	if clean == "" {
		clean = "document.pdf"
	}
	dir, base := path.Split(clean)
	return path.Join(prefix, dir, uuid.New().String()+"-"+base)
}
