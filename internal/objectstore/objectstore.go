// Package objectstore publishes processed photo variants to the
// configured S3-compatible bucket (spec.md §4.9) and tracks, per listing,
// which of the five size variants have been confirmed uploaded so the
// local staging directory can be reclaimed once a listing is complete.
//
// Retry/backoff follows the same shape as the teacher's rclone retry
// helper (internal/jobs/rclone_retry.go): exponential delay from a base,
// capped at a max, computed per attempt rather than accumulated.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"retssync/internal/logging"
	"retssync/internal/metrics"
	"retssync/internal/rets"
)

const (
	maxAttempts       = 5
	retryBaseDelay    = 1 * time.Second
	retryMaxDelay     = 30 * time.Second
	streamThreshold   = 5 * 1024 * 1024 // 5 MiB; below this the file is buffered, above it is streamed
	variantCount      = 5               // original, large, medium, small, thumb
)

// Uploader publishes variant files to one S3-compatible bucket and tracks
// per-listing upload completeness so finished local directories can be
// removed.
type Uploader struct {
	client  *s3.Client
	bucket  string
	log     *logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	completed map[string]map[string]bool // listingID -> variant name -> uploaded
}

func New(client *s3.Client, bucket string, m *metrics.Metrics) *Uploader {
	return &Uploader{
		client:    client,
		bucket:    bucket,
		log:       logging.Component("objectstore"),
		metrics:   m,
		completed: make(map[string]map[string]bool),
	}
}

// Upload puts one variant file at key with ACL public-read, retrying
// transient failures with exponential backoff. Files under 5 MiB are
// buffered into memory first (so a failed attempt can be retried without
// re-reading the source); larger files are streamed directly from disk on
// each attempt.
func (u *Uploader) Upload(ctx context.Context, localPath, key, contentType string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return rets.Storage("stat variant file", err)
	}

	var body []byte
	buffered := info.Size() < streamThreshold
	if buffered {
		body, err = os.ReadFile(localPath)
		if err != nil {
			return rets.Storage("read variant file for buffered upload", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reader *bytes.Reader
		var file *os.File
		if buffered {
			reader = bytes.NewReader(body)
		} else {
			file, err = os.Open(localPath)
			if err != nil {
				return rets.Storage("open variant file for streamed upload", err)
			}
		}

		putInput := &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			ACL:         types.ObjectCannedACLPublicRead,
			ContentType: aws.String(contentType),
		}
		if buffered {
			putInput.Body = reader
		} else {
			putInput.Body = file
		}

		_, err = u.client.PutObject(ctx, putInput)
		if file != nil {
			file.Close()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		delay := retryDelay(attempt)
		u.metrics.IncPhotoUploadRetry()
		u.log.Infof("upload attempt %d/%d for %s failed, retrying in %s: %v", attempt, maxAttempts, key, delay, err)
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return rets.Storage(fmt.Sprintf("upload %s failed after %d attempts", key, maxAttempts), lastErr)
}

// retryDelay implements min(base*2^(attempt-1)*(1+jitter), maxDelay) with
// jitter in [0, 0.1).
func retryDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	jitter := 1 + rand.Float64()*0.1
	delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(exp)) * jitter)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MarkUploaded records that variant has been confirmed uploaded for
// listingID. Once all five variants are present, Reclaim removes the
// staging directory.
func (u *Uploader) MarkUploaded(listingID, variant string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	set, ok := u.completed[listingID]
	if !ok {
		set = make(map[string]bool, variantCount)
		u.completed[listingID] = set
	}
	set[variant] = true
}

// IsComplete reports whether all five variants have been marked uploaded
// for listingID.
func (u *Uploader) IsComplete(listingID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.completed[listingID]) >= variantCount
}

// Reclaim removes stagingDir (and its contents) and drops the listing's
// completeness tracking once every variant has been confirmed uploaded.
// It matches files by filename-stem prefix (e.g. "thumb-100001.webp")
// against the five known variant names rather than trusting a caller-
// supplied count, so a partially-written directory from a prior crash
// is never deleted by mistake.
func (u *Uploader) Reclaim(listingID, stagingDir string) error {
	if !u.IsComplete(listingID) {
		return nil
	}
	entries, err := os.ReadDir(stagingDir)
	if err == nil {
		for _, variant := range []string{"original", "large", "medium", "small", "thumb"} {
			found := false
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), variant+"-") {
					found = true
					break
				}
			}
			if !found {
				return nil // a variant file is missing on disk; don't delete yet
			}
		}
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		return rets.Storage("remove completed staging dir", err)
	}
	u.mu.Lock()
	delete(u.completed, listingID)
	u.mu.Unlock()
	return nil
}

// ObjectKey builds the bucket key for one variant file, keyed by class
// long name and listing ID per spec.md §6.3:
// Photos/<ClassLongName>/<listingId>/<variant>-<objectId>.webp.
func ObjectKey(classLongName, listingID, variant, objectID string) string {
	return filepath.ToSlash(filepath.Join("Photos", classLongName, listingID, fmt.Sprintf("%s-%s.webp", variant, objectID)))
}
