package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// newTestClient builds an s3.Client against an httptest server with the
// SDK's own retry layer disabled, so attempt counts in these tests
// reflect only objectstore's retry loop.
func newTestClient(t *testing.T, endpoint string) *s3.Client {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...any) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint, SigningRegion: "us-east-1", HostnameImmutable: true}, nil
	})
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("id", "secret", "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = true })
}

func TestRetryDelayCapsAtMaxDelay(t *testing.T) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if d := retryDelay(attempt); d > retryMaxDelay {
			t.Errorf("retryDelay(%d) = %s, exceeds cap %s", attempt, d, retryMaxDelay)
		}
	}
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	u := New(client, "photos", nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "thumb-1.webp")
	if err := os.WriteFile(path, []byte("webpdata"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := u.Upload(context.Background(), path, "Photos/Residential/1/thumb-1.webp", "image/webp"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 PUT attempts (3 failures + 1 success), got %d", got)
	}
}

func TestUploadFailsAfterMaxAttempts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	u := New(client, "photos", nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "thumb-1.webp")
	if err := os.WriteFile(path, []byte("webpdata"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := u.Upload(context.Background(), path, "Photos/Residential/1/thumb-1.webp", "image/webp"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestReclaimRemovesDirOnlyWhenComplete(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0")
	u := New(client, "photos", nil)

	dir := t.TempDir()
	for _, v := range []string{"original", "large", "medium", "small"} {
		if err := os.WriteFile(filepath.Join(dir, v+"-1.webp"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	for _, v := range []string{"original", "large", "medium", "small"} {
		u.MarkUploaded("1", v)
	}
	if err := u.Reclaim("1", dir); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected dir to survive incomplete upload set: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "thumb-1.webp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	u.MarkUploaded("1", "thumb")
	if err := u.Reclaim("1", dir); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir removed once complete, stat err = %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	got := ObjectKey("Residential", "100001", "thumb", "5")
	want := "Photos/Residential/100001/thumb-5.webp"
	if got != want {
		t.Errorf("ObjectKey = %q, want %q", got, want)
	}
}
