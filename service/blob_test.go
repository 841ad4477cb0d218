package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// flakyBlobStore fails the first failures downloads and counts every call.
type flakyBlobStore struct {
	*MemoryBlobStore
	failures  int
	err       error
	downloads int
	uploads   int
}

func (f *flakyBlobStore) Upload(ctx context.Context, name string, data []byte) (string, error) {
	f.uploads++
	if f.err != nil && f.failures > 0 {
		return "", f.err
	}
	return f.MemoryBlobStore.Upload(ctx, name, data)
}

func (f *flakyBlobStore) Download(ctx context.Context, url string) ([]byte, error) {
	f.downloads++
	if f.downloads <= f.failures {
		return nil, f.err
	}
	return f.MemoryBlobStore.Download(ctx, url)
}

func newRetrying(inner BlobStore, attempts int) (*RetryingBlobStore, *[]time.Duration) {
	r := NewRetryingBlobStore(inner, attempts, 100*time.Millisecond, time.Second)
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return r, &delays
}

func TestMemoryBlobStoreRoundTrip(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	inputs := [][]byte{
		{},
		[]byte("%PDF-1.4 small"),
		bytes.Repeat([]byte{0, 1, 2, 255}, 4096),
	}
	for _, in := range inputs {
		url, err := store.Upload(ctx, "c1/doc.pdf", in)
		if err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
		if !strings.HasPrefix(url, memoryURLPrefix) {
			t.Errorf("Expected mem url, got %s", url)
		}
		out, err := store.Download(ctx, url)
		if err != nil {
			t.Fatalf("Download failed: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("Round trip changed %d bytes", len(in))
		}
	}
	if store.Len() != len(inputs) {
		t.Errorf("Expected %d blobs, got %d", len(inputs), store.Len())
	}
}

func TestMemoryBlobStoreIsolation(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	data := []byte("original")
	url, _ := store.Upload(ctx, "a.pdf", data)
	data[0] = 'X'

	out, _ := store.Download(ctx, url)
	if string(out) != "original" {
		t.Errorf("Expected stored copy, got %q", out)
	}
	out[0] = 'Y'
	again, _ := store.Download(ctx, url)
	if string(again) != "original" {
		t.Errorf("Expected download copy, got %q", again)
	}

	second, _ := store.Upload(ctx, "a.pdf", data)
	if second == url {
		t.Error("Expected each upload to get a new url")
	}
}

func TestMemoryBlobStoreMissing(t *testing.T) {
	_, err := NewMemoryBlobStore().Download(context.Background(), "mem://documents/404/x.pdf")
	if err == nil || !IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestRetryingBlobStoreDownloadRetries(t *testing.T) {
	inner := &flakyBlobStore{MemoryBlobStore: NewMemoryBlobStore(), failures: 2, err: errors.New("timeout")}
	url, _ := inner.MemoryBlobStore.Upload(context.Background(), "doc.pdf", []byte("data"))

	r, delays := newRetrying(inner, 3)
	out, err := r.Download(context.Background(), url)
	if err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if string(out) != "data" {
		t.Errorf("Unexpected data %q", out)
	}
	if inner.downloads != 3 {
		t.Errorf("Expected 3 attempts, got %d", inner.downloads)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("Expected backoff %v, got %v", want, *delays)
	}
}

func TestRetryingBlobStoreDownloadGivesUp(t *testing.T) {
	inner := &flakyBlobStore{MemoryBlobStore: NewMemoryBlobStore(), failures: 10, err: errors.New("timeout")}

	r, _ := newRetrying(inner, 3)
	_, err := r.Download(context.Background(), "mem://documents/1/doc.pdf")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Expected exhausted retries error, got %v", err)
	}
	if inner.downloads != 3 {
		t.Errorf("Expected 3 attempts, got %d", inner.downloads)
	}
}

func TestRetryingBlobStorePermanentStopsEarly(t *testing.T) {
	inner := &flakyBlobStore{MemoryBlobStore: NewMemoryBlobStore(), failures: 10, err: Permanent(errors.New("no such key"))}

	r, delays := newRetrying(inner, 5)
	_, err := r.Download(context.Background(), "x")
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if inner.downloads != 1 || len(*delays) != 0 {
		t.Errorf("Expected a single attempt, got %d", inner.downloads)
	}
}

func TestRetryingBlobStoreCancelled(t *testing.T) {
	inner := &flakyBlobStore{MemoryBlobStore: NewMemoryBlobStore(), failures: 10, err: errors.New("timeout")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newRetrying(inner, 5)
	if _, err := r.Download(ctx, "x"); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if inner.downloads != 1 {
		t.Errorf("Expected 1 attempt, got %d", inner.downloads)
	}
}

func TestRetryingBlobStoreUploadNotRetried(t *testing.T) {
	inner := &flakyBlobStore{MemoryBlobStore: NewMemoryBlobStore(), failures: 1, err: errors.New("reset")}

	r, _ := newRetrying(inner, 3)
	if _, err := r.Upload(context.Background(), "doc.pdf", []byte("x")); err == nil {
		t.Error("Expected upload error")
	}
	if inner.uploads != 1 {
		t.Errorf("Expected exactly 1 upload attempt, got %d", inner.uploads)
	}
}

func TestRetryingBlobStoreTimeout(t *testing.T) {
	r := NewRetryingBlobStore(blockingBlobStore{}, 1, 0, 20*time.Millisecond)

	start := time.Now()
	_, err := r.Download(context.Background(), "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected timeout to bound the call")
	}
}

func TestRetryingBlobStorePresign(t *testing.T) {
	r := NewRetryingBlobStore(NewMemoryBlobStore(), 1, 0, time.Second)
	if _, err := r.PresignURL(context.Background(), "x"); !IsPermanent(err) {
		t.Errorf("Expected permanent unsupported error, got %v", err)
	}
}

type blockingBlobStore struct{}

func (blockingBlobStore) Upload(ctx context.Context, _ string, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingBlobStore) Download(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
