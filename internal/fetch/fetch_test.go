package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestFetchDownloadsAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("fake-mp3-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewHTTPFetcher(srv.URL+"/%s", dir)

	path, err := f.Fetch(context.Background(), "song1", Range{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if string(data) != "fake-mp3-bytes" {
		t.Errorf("fetched content: got %q", data)
	}

	// Second fetch should hit the cache, not the server.
	path2, err := f.Fetch(context.Background(), "song1", Range{})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if path2 != path {
		t.Errorf("expected same cache path, got %q vs %q", path2, path)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected exactly 1 server hit, got %d", hits)
	}
}

func TestFetchPermanentFailureNoRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewHTTPFetcher(srv.URL+"/%s", dir)
	f.Backoff = 0

	_, err := f.Fetch(context.Background(), "missing", Range{})
	if err == nil {
		t.Fatalf("expected error for 404")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("404 should not be retried, got %d attempts", hits)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewHTTPFetcher(srv.URL+"/%s", dir)
	f.Backoff = 0

	path, err := f.Fetch(context.Background(), "flaky", Range{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("expected 3 attempts, got %d", hits)
	}
	if filepath.Base(path) != "flaky.mp3" {
		t.Errorf("cache path: got %q", path)
	}
}

func TestFetchRangeRequestSetsHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write([]byte("partial"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewHTTPFetcher(srv.URL+"/%s", dir)

	_, err := f.Fetch(context.Background(), "ranged", Range{StartSeconds: 10, EndSeconds: 40})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotRange == "" {
		t.Errorf("expected a Range header to be sent")
	}
}
