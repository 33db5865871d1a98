// Package photoscheduler implements the background batch loop that picks
// listings needing photos and runs them through fetch (C7), the image
// pipeline (C8), and the object store (C9) — spec.md §4.10.
//
// The worker pool is grounded on the teacher's internal/jobs.Manager.Run
// semaphore-channel pattern, expressed here with golang.org/x/sync/errgroup
// (already present indirectly in the corpus) instead of a hand-rolled
// channel, since errgroup.Group.SetLimit is the idiomatic equivalent.
package photoscheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"retssync/internal/config"
	"retssync/internal/imagepipeline"
	"retssync/internal/logging"
	"retssync/internal/metrics"
	"retssync/internal/objectstore"
	"retssync/internal/photofetch"
	"retssync/internal/retsclient"
	"retssync/internal/session"
	"retssync/internal/store"
)

const listingIDField = "L_ListingID"

// Target names one Property table the scheduler watches for pending
// photo work.
type Target struct {
	TableName     string // e.g. "Property_RE_1"
	ClassLongName string // e.g. "Residential"
}

// Scheduler runs the Normal/Aggressive batch loop described in spec.md
// §4.10 against the Property tables named by Targets.
type Scheduler struct {
	client   *retsclient.Client
	store    *store.Store
	pipeline *imagepipeline.Pipeline
	uploader *objectstore.Uploader
	cfg      config.PhotoSchedulerConfig
	dataDir  string
	targets  []Target
	metrics  *metrics.Metrics
	log      *logging.Logger
}

func New(client *retsclient.Client, st *store.Store, pipeline *imagepipeline.Pipeline, uploader *objectstore.Uploader, cfg config.PhotoSchedulerConfig, dataDir string, targets []Target, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		client:   client,
		store:    st,
		pipeline: pipeline,
		uploader: uploader,
		cfg:      cfg,
		dataDir:  dataDir,
		targets:  targets,
		metrics:  m,
		log:      logging.Component("photoscheduler"),
	}
}

// SetTargets replaces the watched Property tables. Callers use this to
// supply the target list derived from the catalog once it's fetched,
// since New is constructed before the first catalog load; it must not be
// called concurrently with Run.
func (s *Scheduler) SetTargets(targets []Target) {
	s.targets = targets
}

// Run loops forever, reverting to a 30s backoff-and-retry on any error from
// one cycle (spec.md §4.10's "fatal errors in the outer loop ... the loop
// never exits"). Apart from a failed initial PhotoProcessing table check,
// which it returns as an error, it returns only when ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.store.EnsurePhotoProcessingTable(ctx); err != nil {
		return fmt.Errorf("ensure PhotoProcessing table: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.runCycle(ctx); err != nil {
			s.log.Errorf("photo scheduler cycle failed: %v", err)
			if sleepErr := sleepWithContext(ctx, 30*time.Second); sleepErr != nil {
				return nil
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	sess, err := s.client.Login(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, t := range s.targets {
		n, err := s.store.CountPendingPhotoListings(ctx, t.TableName, listingIDField)
		if err != nil {
			return fmt.Errorf("count pending for %s: %w", t.TableName, err)
		}
		pending += n
	}
	s.metrics.SetPhotoQueueDepth(pending)

	mode := s.modeFor(pending)
	batch, err := s.selectBatch(ctx, mode.BatchSize)
	if err != nil {
		return fmt.Errorf("select batch: %w", err)
	}

	if len(batch) == 0 {
		return sleepWithContext(ctx, mode.IdleWait)
	}

	s.log.Infof("photo scheduler: mode=%s batch=%d pending=%d", mode.Name, len(batch), pending)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mode.BatchSize)
	for _, item := range batch {
		item := item
		g.Go(func() error {
			if err := s.processListing(gctx, sess, item); err != nil {
				s.log.Errorf("photo job for listing %s (%s) failed: %v", item.row.ListingID, item.target.TableName, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return sleepWithContext(ctx, mode.InterBatchWait)
}

type mode struct {
	Name           string
	BatchSize      int
	InterBatchWait time.Duration
	IdleWait       time.Duration
}

func (s *Scheduler) modeFor(pending int) mode {
	if pending > s.cfg.AggressiveThreshold {
		return mode{
			Name:           "aggressive",
			BatchSize:      s.cfg.AggressiveBatchSize,
			InterBatchWait: s.cfg.AggressiveInterBatchWait,
			IdleWait:       s.cfg.AggressiveIdleWait,
		}
	}
	return mode{
		Name:           "normal",
		BatchSize:      s.cfg.NormalBatchSize,
		InterBatchWait: s.cfg.NormalInterBatchWait,
		IdleWait:       s.cfg.NormalIdleWait,
	}
}

type batchItem struct {
	target Target
	row    store.PendingPhotoListing
}

// selectBatch implements spec.md §4.10 step 3 across every target table.
// Each table's rows already arrive ordered (needs_reprocessing desc, status
// category asc, last-photo-update desc); a stable sort across the merged
// set on (needs_reprocessing, status category) preserves that per-table
// ordering while producing one global ranking.
func (s *Scheduler) selectBatch(ctx context.Context, limit int) ([]batchItem, error) {
	var all []batchItem
	for _, t := range s.targets {
		rows, err := s.store.SelectPendingPhotoListings(ctx, t.TableName, listingIDField, limit)
		if err != nil {
			return nil, fmt.Errorf("select pending for %s: %w", t.TableName, err)
		}
		for _, r := range rows {
			all = append(all, batchItem{target: t, row: r})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].row.NeedsReprocessing != all[j].row.NeedsReprocessing {
			return all[i].row.NeedsReprocessing
		}
		return all[i].row.StatusCatID < all[j].row.StatusCatID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// processListing implements spec.md §4.10 step 4: mark processing, run
// C7→C8→C9 for one listing, then transition to completed/failed.
func (s *Scheduler) processListing(ctx context.Context, sess session.Session, item batchItem) error {
	listingID := item.row.ListingID
	target := item.target

	if err := s.store.UpsertPhotoProcessing(ctx, store.PhotoProcessingRecord{
		ListingID:    listingID,
		PropertyType: target.TableName,
		Status:       "processing",
	}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	processed, err := s.runPipeline(ctx, sess, target, listingID)
	if err != nil {
		s.markFailed(ctx, target.TableName, listingID, err)
		s.metrics.IncPhotoJobFailed(target.TableName)
		return err
	}

	photoJSON, err := json.Marshal(processed)
	if err != nil {
		photoJSON = []byte("[]")
	}
	if err := s.store.UpsertPhotoProcessing(ctx, store.PhotoProcessingRecord{
		ListingID:       listingID,
		PropertyType:    target.TableName,
		Status:          "completed",
		LastProcessedAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
		PhotoDataJSON:   string(photoJSON),
	}); err != nil {
		return err
	}
	s.metrics.IncPhotoJobCompleted(target.TableName)
	return nil
}

func (s *Scheduler) runPipeline(ctx context.Context, sess session.Session, target Target, listingID string) ([]imagepipeline.ProcessedPhoto, error) {
	photos, err := photofetch.GetPropertyPhotos(ctx, s.client, sess, listingID)
	if err != nil {
		return nil, fmt.Errorf("fetch photos: %w", err)
	}
	if len(photos) == 0 {
		return nil, nil
	}

	outputDir := filepath.Join(s.dataDir, "Photos", target.ClassLongName, listingID)
	processed := make([]imagepipeline.ProcessedPhoto, 0, len(photos))
	for _, photo := range photos {
		pp, err := s.pipeline.Process(ctx, photo, outputDir)
		if err != nil {
			// An undecodable photo is logged and left out of the returned
			// slice (no null placeholder takes its place); the rest of the
			// listing continues rather than failing the whole job.
			s.log.Errorf("skipping photo %s for listing %s: %v", photo.ObjectID, listingID, err)
			continue
		}
		processed = append(processed, pp)

		for variantName, vr := range pp.Variants {
			key := objectstore.ObjectKey(target.ClassLongName, listingID, variantName, photo.ObjectID)
			if err := s.uploader.Upload(ctx, vr.Path, key, "image/webp"); err != nil {
				return nil, fmt.Errorf("upload variant %s: %w", variantName, err)
			}
			s.uploader.MarkUploaded(listingID, variantName)
		}
	}

	if len(processed) > 0 {
		if err := imagepipeline.WriteMetadataSidecar(outputDir, processed); err != nil {
			s.log.Errorf("write metadata.json for %s: %v", listingID, err)
		}
	}

	if err := s.uploader.Reclaim(listingID, outputDir); err != nil {
		s.log.Errorf("reclaim staging dir for %s: %v", listingID, err)
	}
	return processed, nil
}

func (s *Scheduler) markFailed(ctx context.Context, tableName, listingID string, cause error) {
	retryCount := 1
	if existing, ok, err := s.store.GetPhotoProcessing(ctx, listingID, tableName); err == nil && ok {
		retryCount = existing.RetryCount + 1
	}
	rec := store.PhotoProcessingRecord{
		ListingID:       listingID,
		PropertyType:    tableName,
		Status:          "failed",
		RetryCount:      retryCount,
		LastProcessedAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
		ErrorMessage:    cause.Error(),
	}
	if err := s.store.UpsertPhotoProcessing(ctx, rec); err != nil {
		s.log.Errorf("mark failed for %s: %v", listingID, err)
	}
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
