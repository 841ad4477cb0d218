package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// BlobStore hosts contract documents. Upload returns a URL that Download accepts.
type BlobStore interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Presigner is implemented by stores that can hand out time-limited direct links.
type Presigner interface {
	PresignURL(ctx context.Context, url string) (string, error)
}

// permanentError marks blob failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so RetryingBlobStore gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryingBlobStore bounds every call with a timeout and retries downloads
// with exponential backoff. Uploads get exactly one attempt.
type RetryingBlobStore struct {
	inner    BlobStore
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetryingBlobStore(inner BlobStore, attempts int, backoff, timeout time.Duration) *RetryingBlobStore {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingBlobStore{
		inner:    inner,
		attempts: attempts,
		backoff:  backoff,
		timeout:  timeout,
		sleep:    sleepContext,
	}
}

func (r *RetryingBlobStore) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.inner.Upload(ctx, filename, data)
}

func (r *RetryingBlobStore) Download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff * time.Duration(1<<(attempt-1))
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		data, err := r.downloadOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("transient document download failure, retrying",
			"url", url,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", r.attempts, lastErr)
}

func (r *RetryingBlobStore) downloadOnce(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.inner.Download(ctx, url)
}

// PresignURL delegates to the wrapped store when it supports presigning.
func (r *RetryingBlobStore) PresignURL(ctx context.Context, url string) (string, error) {
	p, ok := r.inner.(Presigner)
	if !ok {
		return "", Permanent(errors.New("blob store does not support presigned urls"))
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return p.PresignURL(ctx, url)
}

func (r *RetryingBlobStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const memoryURLPrefix = "mem://documents/"

// MemoryBlobStore keeps documents in process memory. URLs use the mem:// scheme.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	seq   int
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	url := fmt.Sprintf("%s%d/%s", memoryURLPrefix, m.seq, strings.TrimLeft(filename, "/"))
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[url] = stored
	return url, nil
}

func (m *MemoryBlobStore) Download(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[url]
	if !ok {
		return nil, Permanent(fmt.Errorf("document %s not found", url))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Len returns the number of stored documents, orphans included.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
