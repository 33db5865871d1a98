// Package app wires the components together: validate configuration,
// open the store, start the sync/photo/lifecycle loops, and serve the
// debug/metrics HTTP endpoint, mirroring the teacher's app.Run
// validate-then-start structure in cmd/server/main.go.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"retssync/internal/catalog"
	"retssync/internal/config"
	"retssync/internal/db"
	"retssync/internal/imagepipeline"
	"retssync/internal/lifecycle"
	"retssync/internal/lockout"
	"retssync/internal/logging"
	"retssync/internal/lookups"
	"retssync/internal/metrics"
	"retssync/internal/objectstore"
	"retssync/internal/photoscheduler"
	"retssync/internal/progress"
	"retssync/internal/rets"
	"retssync/internal/retsclient"
	"retssync/internal/s3client"
	"retssync/internal/schema"
	"retssync/internal/store"
	"retssync/internal/syncengine"
)

const defaultSyncInterval = 60 * time.Second

// Run validates cfg, constructs every component, starts the background
// loops, and serves the debug/metrics HTTP endpoint until ctx is
// canceled (spec.md §5: SIGINT/SIGTERM stop the loops and abandon
// in-flight calls at the transport level).
func Run(ctx context.Context, cfg config.Config) error {
	if err := validate(cfg); err != nil {
		return rets.FatalInit("invalid configuration", err)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return rets.FatalInit("create data dir", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "Photos"), 0o700); err != nil {
		return rets.FatalInit("create photo staging dir", err)
	}

	log := logging.Component("app")

	gdb, err := db.Open(db.Config{
		Backend:         cfg.DBBackend,
		MySQLDSN:        resolveMySQLDSN(cfg),
		SQLitePath:      cfg.SQLitePath,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return rets.FatalInit("open database", err)
	}

	st := store.New(gdb)
	{
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := st.Ping(checkCtx)
		cancel()
		if err != nil {
			return rets.FatalInit("database unreachable", err)
		}
	}

	client := retsclient.New(retsclient.Config{
		LoginURL:  cfg.RETSLoginURL,
		Version:   cfg.RETSVersion,
		Vendor:    cfg.RETSVendor,
		UserAgent: cfg.RETSUserAgent,
		Username:  cfg.RETSUsername,
		Password:  cfg.RETSPassword,
	}, cfg.DataDir)

	catalogStore := catalog.NewStore(client, cfg.DataDir)
	lockoutSet, err := lockout.Load(cfg.DataDir)
	if err != nil {
		return rets.FatalInit("load lockout set", err)
	}

	m := metrics.New()

	dialect := cfg.DBBackend
	engine := syncengine.New(client, catalogStore, lockoutSet, st, dialect, m)

	lookupCache := lookups.NewCache()
	lookupSyncer := lookups.NewSyncer(client, st, lookupCache)

	hub := progress.NewHub(m)
	stats := &cycleStats{}

	s3Client, err := s3client.New(ctx, s3client.Config{
		AccessKeyID:     cfg.ObjectStorageAccessKey,
		SecretAccessKey: cfg.ObjectStorageSecretKey,
		Endpoint:        cfg.ObjectStorageEndpoint,
		Region:          cfg.ObjectStorageRegion,
		ForcePathStyle:  true,
	})
	if err != nil {
		return rets.FatalInit("construct object store client", err)
	}
	uploader := objectstore.New(s3Client, cfg.ObjectStorageBucket, m)

	pipeline := imagepipeline.New(cfg.CwebpPath)

	scheduler := photoscheduler.New(client, st, pipeline, uploader, cfg.PhotoScheduler, cfg.DataDir, nil, m)

	reconciler := lifecycle.New(client, catalogStore, st, m)

	group := &loopGroup{log: log}
	group.spawn(func() error { return runSyncLoop(ctx, cfg, engine, catalogStore, client, lookupSyncer, hub, m, stats, log) })
	group.spawn(func() error { return runPhotoScheduler(ctx, scheduler, catalogStore, client, log) })
	group.spawn(func() error {
		if err := reconciler.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		reconciler.Stop()
		return nil
	})

	server := newDebugServer(cfg.Addr, m, hub, catalogStore, lockoutSet, stats)
	errCh := make(chan error, 1)
	go func() {
		log.Infof("debug/metrics server listening on http://%s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return group.wait()
	case err := <-errCh:
		return err
	}
}

func validate(cfg config.Config) error {
	var missing []string
	if cfg.RETSLoginURL == "" {
		missing = append(missing, "RETS_LOGIN_URL")
	}
	if cfg.RETSUsername == "" {
		missing = append(missing, "RETS_USERNAME")
	}
	if cfg.RETSPassword == "" {
		missing = append(missing, "RETS_PASSWORD")
	}
	if cfg.DBBackend == config.DBBackendSQLite && cfg.SQLitePath == "" {
		missing = append(missing, "SQLITE_PATH")
	}
	if cfg.ObjectStorageBucket == "" {
		missing = append(missing, "OBJECT_STORAGE_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func resolveMySQLDSN(cfg config.Config) string {
	if cfg.MySQLDSN != "" {
		return cfg.MySQLDSN
	}
	if cfg.DBBackend != config.DBBackendMySQL {
		return ""
	}
	return config.MySQLDSNFromParts(cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLDatabase)
}

// cycleStats holds the last sync cycle's outcome for the /debug/sync
// snapshot, guarded separately from the engine/hub since the HTTP handler
// reads it from a different goroutine than runSyncLoop writes it.
type cycleStats struct {
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  string
	duration time.Duration
}

func (c *cycleStats) record(start time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRun = start
	c.duration = time.Since(start)
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
	}
}

func (c *cycleStats) snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]any{
		"last_run_duration_ms": c.duration.Milliseconds(),
	}
	if !c.lastRun.IsZero() {
		out["last_run_at"] = c.lastRun.UTC().Format(time.RFC3339)
	}
	if c.lastErr != "" {
		out["last_error"] = c.lastErr
	}
	return out
}

// runSyncLoop drives C5 and C6 on the ticker cadence spec.md §4.5 names.
func runSyncLoop(ctx context.Context, cfg config.Config, engine *syncengine.Engine, catalogStore *catalog.Store, client *retsclient.Client, lookupSyncer *lookups.Syncer, hub *progress.Hub, m *metrics.Metrics, stats *cycleStats, log *logging.Logger) error {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	runOnce := func() {
		start := time.Now()
		hub.Publish(progress.SyncCycleStarted("all"))
		err := engine.Run(ctx)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			log.Errorf("sync cycle failed: %v", err)
		}
		m.IncSyncCycle(outcome)
		m.ObserveSyncCycleDuration(outcome, time.Since(start))
		stats.record(start, err)
		hub.Publish(progress.SyncCycleFinished("all", 0, err))

		sess, loginErr := client.Login(ctx)
		if loginErr != nil {
			log.Errorf("lookup refresh login failed: %v", loginErr)
			return
		}
		cat, catErr := catalogStore.Get(ctx, sess)
		if catErr != nil {
			log.Errorf("lookup refresh catalog load failed: %v", catErr)
			return
		}
		if err := lookupSyncer.Refresh(ctx, sess, cat); err != nil {
			log.Errorf("lookup refresh failed: %v", err)
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}

// runPhotoScheduler waits for the first catalog fetch, derives the
// Property-table targets C10 watches from it, and then runs the
// scheduler's own internal loop until ctx is canceled.
func runPhotoScheduler(ctx context.Context, scheduler *photoscheduler.Scheduler, catalogStore *catalog.Store, client *retsclient.Client, log *logging.Logger) error {
	sess, err := client.Login(ctx)
	if err != nil {
		return fmt.Errorf("photo scheduler bootstrap login: %w", err)
	}
	cat, err := catalogStore.Get(ctx, sess)
	if err != nil {
		return fmt.Errorf("photo scheduler bootstrap catalog: %w", err)
	}

	res, ok := cat.Resources["Property"]
	if !ok {
		log.Infof("no Property resource in catalog; photo scheduler idle")
		<-ctx.Done()
		return nil
	}
	targets := make([]photoscheduler.Target, 0, len(res.Classes))
	for _, class := range res.Classes {
		targets = append(targets, photoscheduler.Target{
			TableName:     schema.TableName(res.ResourceID, class.Name),
			ClassLongName: imagepipeline.ClassLongName(class.Name),
		})
	}
	scheduler.SetTargets(targets)

	return scheduler.Run(ctx)
}

// loopGroup runs background loops and collects the first non-nil error,
// mirroring the teacher's go jobManager.Run(ctx)/RunMaintenance(ctx)
// fire-and-forget pattern but with a result channel so Run can surface
// a fatal loop failure instead of swallowing it.
type loopGroup struct {
	log  *logging.Logger
	errs []chan error
}

func (g *loopGroup) spawn(fn func() error) {
	ch := make(chan error, 1)
	g.errs = append(g.errs, ch)
	go func() {
		ch <- fn()
	}()
}

func (g *loopGroup) wait() error {
	for _, ch := range g.errs {
		if err := <-ch; err != nil {
			g.log.Errorf("background loop exited with error: %v", err)
		}
	}
	return nil
}

// instrumentHTTP records every request the debug/metrics server handles,
// grounded on the teacher's securityHeaders middleware shape in
// api/middleware.go.
func instrumentHTTP(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			m.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// newDebugServer serves /metrics (Prometheus) and /debug/sync (catalog +
// lockout snapshot), the minimal always-on HTTP surface spec.md §7
// licenses explicitly as distinct from the out-of-scope photo server.
func newDebugServer(addr string, m *metrics.Metrics, hub *progress.Hub, catalogStore *catalog.Store, lockoutSet *lockout.Set, stats *cycleStats) *http.Server {
	r := chi.NewRouter()
	r.Use(instrumentHTTP(m))
	r.Handle("/metrics", m.Handler())
	r.Get("/debug/sync", func(w http.ResponseWriter, req *http.Request) {
		snapshot := map[string]any{
			"lockout":    lockoutSet.List(),
			"last_cycle": stats.snapshot(),
		}
		if cat, ok := catalogStore.Cached(); ok {
			resources := make(map[string]int, len(cat.Resources))
			for id, res := range cat.Resources {
				resources[id] = len(res.Classes)
			}
			snapshot["catalog"] = map[string]any{"resource_classes": resources}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
	r.Get("/debug/progress", hub.ServeHTTP)

	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
