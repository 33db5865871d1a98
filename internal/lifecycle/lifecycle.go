// Package lifecycle is the wall-clock reconciler (spec.md §4.11): at fixed
// hours it queries the remote Hotsheet resource for recent status changes
// and mirrors SOLD promotions and WITHDRAWN/EXPIRED deletions into the
// local Property tables that C5 maintains.
package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"

	"retssync/internal/catalog"
	"retssync/internal/logging"
	"retssync/internal/metrics"
	"retssync/internal/retsclient"
	"retssync/internal/retsparse"
	"retssync/internal/schema"
	"retssync/internal/session"
	"retssync/internal/store"
)

// schedule is spec.md §4.11's fixed wall-clock hours.
var schedule = []string{"0 0 * * *", "0 12 * * *", "0 15 * * *", "0 18 * * *", "0 21 * * *"}

const (
	statusSold      = "2"
	statusPending   = "3"
	statusWithdrawn = "4"
	statusExpired   = "5"
)

// Reconciler runs the scheduled reconciliation pass described above.
type Reconciler struct {
	client  *retsclient.Client
	catalog *catalog.Store
	store   *store.Store
	cron    *cron.Cron
	metrics *metrics.Metrics
	log     *logging.Logger
}

func New(client *retsclient.Client, catalogStore *catalog.Store, st *store.Store, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		client:  client,
		catalog: catalogStore,
		store:   st,
		cron:    cron.New(),
		metrics: m,
		log:     logging.Component("lifecycle"),
	}
}

// Start registers the wall-clock triggers and begins the cron scheduler.
// Call Stop (or cancel ctx, which is only used for the reconcile runs
// themselves) to halt further triggers.
func (r *Reconciler) Start(ctx context.Context) error {
	for _, spec := range schedule {
		if _, err := r.cron.AddFunc(spec, func() {
			if err := r.Reconcile(ctx); err != nil {
				r.log.Errorf("lifecycle reconcile failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("register cron schedule %q: %w", spec, err)
		}
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight run to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

type hotsheetRow struct {
	ListingID   string
	StatusDate  string
	Address     string
	StatusCatID string
}

// Reconcile implements spec.md §4.11 steps 1-6.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	sess, err := r.client.Login(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle login: %w", err)
	}
	cat, err := r.catalog.Get(ctx, sess)
	if err != nil {
		return fmt.Errorf("lifecycle load catalog: %w", err)
	}
	hotsheet, ok := cat.Resources["Hotsheet"]
	if !ok {
		return fmt.Errorf("catalog has no Hotsheet resource")
	}

	cutoff := time.Now().Add(-24 * time.Hour).UTC().Format("2006-01-02T15:04:05")
	deduped := map[string]hotsheetRow{}

	for _, class := range hotsheet.Classes {
		rows, err := r.queryHotsheetClass(ctx, sess, class.Name, cutoff)
		if err != nil {
			r.log.Errorf("hotsheet query for class %s failed: %v", class.Name, err)
			continue
		}
		for _, row := range rows {
			existing, seen := deduped[row.ListingID]
			if !seen || row.StatusDate > existing.StatusDate {
				deduped[row.ListingID] = row
			}
		}
	}

	var sold, withdrawnOrExpired []string
	for id, row := range deduped {
		switch row.StatusCatID {
		case statusSold:
			sold = append(sold, id)
		case statusWithdrawn, statusExpired:
			withdrawnOrExpired = append(withdrawnOrExpired, id)
		}
	}

	for _, res := range cat.Resources {
		if res.ResourceID != "Property" {
			continue
		}
		for _, class := range res.Classes {
			tableName := schema.TableName(res.ResourceID, class.Name)
			if err := r.applyToTable(ctx, tableName, sold, withdrawnOrExpired); err != nil {
				r.log.Errorf("lifecycle apply to %s failed: %v", tableName, err)
			}
		}
	}
	return nil
}

func (r *Reconciler) queryHotsheetClass(ctx context.Context, sess session.Session, className, cutoff string) ([]hotsheetRow, error) {
	searchURL, ok := sess.Capability("Search")
	if !ok {
		return nil, fmt.Errorf("session missing Search capability")
	}
	query := fmt.Sprintf("(L_StatusCatID=%s,%s,%s,%s),(L_StatusDate=%s+)", statusSold, statusPending, statusWithdrawn, statusExpired, cutoff)
	q := url.Values{
		"SearchType":    {"Hotsheet"},
		"Class":         {className},
		"QueryType":     {"DMQL2"},
		"Format":        {"COMPACT-DECODED"},
		"StandardNames": {"0"},
		"Select":        {"L_ListingID,L_StatusDate,L_Address,L_Status,L_StatusCatID"},
		"Query":         {query},
		"Count":         {"1"},
		"Limit":         {"5000"},
	}

	resp, err := r.client.AuthenticatedRequest(ctx, sess, searchURL, q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	parsed, err := retsparse.ParseSearch(string(body))
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int, len(parsed.Columns))
	for i, c := range parsed.Columns {
		idx[c] = i
	}
	rows := make([]hotsheetRow, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		rows = append(rows, hotsheetRow{
			ListingID:   colAt(row, idx, "L_ListingID"),
			StatusDate:  colAt(row, idx, "L_StatusDate"),
			Address:     colAt(row, idx, "L_Address"),
			StatusCatID: colAt(row, idx, "L_StatusCatID"),
		})
	}
	return rows, nil
}

// applyToTable implements spec.md §4.11 steps 5-6 for one Property table.
func (r *Reconciler) applyToTable(ctx context.Context, tableName string, sold, withdrawnOrExpired []string) error {
	allIDs := append(append([]string{}, sold...), withdrawnOrExpired...)
	if len(allIDs) == 0 {
		return nil
	}
	affected, err := r.store.SelectAffectedListings(ctx, tableName, allIDs)
	if err != nil {
		return fmt.Errorf("select affected listings: %w", err)
	}
	if len(affected) == 0 {
		return nil
	}

	var promote, remove []string
	for id, statusAddr := range affected {
		status, address := statusAddr[0], statusAddr[1]
		if contains(sold, id) && status != statusSold {
			promote = append(promote, id)
			r.log.Infof("promoting %s (%s) from status %s to SOLD, address=%s", id, tableName, status, address)
		} else if contains(withdrawnOrExpired, id) && (status == "1" || status == statusSold) {
			remove = append(remove, id)
			r.log.Infof("deleting %s (%s), prior status=%s, address=%s", id, tableName, status, address)
		}
	}

	if len(promote) > 0 {
		n, err := r.store.PromoteToSold(ctx, tableName, promote)
		if err != nil {
			return fmt.Errorf("promote to sold: %w", err)
		}
		r.metrics.IncLifecyclePromotions(tableName, int(n))
	}
	if len(remove) > 0 {
		n, err := r.store.DeleteWithdrawnOrExpired(ctx, tableName, remove)
		if err != nil {
			return fmt.Errorf("delete withdrawn/expired: %w", err)
		}
		r.metrics.IncLifecycleDeletions(tableName, int(n))
	}
	return nil
}

func contains(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func colAt(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
