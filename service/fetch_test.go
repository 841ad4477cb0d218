package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPFetcherFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/doc.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF-1.4 remote"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte("late"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	f := NewHTTPFetcher(time.Second)

	data, err := f.Fetch(context.Background(), server.URL+"/doc.pdf")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "%PDF-1.4 remote" {
		t.Errorf("Unexpected body %q", data)
	}

	_, err = f.Fetch(context.Background(), server.URL+"/down")
	if err == nil {
		t.Fatal("Expected error for 503")
	}
	if IsPermanent(err) {
		t.Error("Expected bad status to be retryable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Fetch(ctx, server.URL+"/slow"); err == nil {
		t.Error("Expected context deadline error")
	}
}

func TestHTTPFetcherInvalidURL(t *testing.T) {
	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), "://bad")
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error for malformed url, got %v", err)
	}
}

func TestHTTPFetcherNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), url)
	if err == nil || IsPermanent(err) {
		t.Errorf("Expected transient network error, got %v", err)
	}
}
