// Package syncengine is the main reconciliation loop (spec.md §4.5): per
// (resource, class), choose a full or partial sync, page through RETS
// Search results, upsert rows, advance the watermark, and manage the
// lockout set.
package syncengine

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"retssync/internal/catalog"
	"retssync/internal/config"
	"retssync/internal/lockout"
	"retssync/internal/logging"
	"retssync/internal/metrics"
	"retssync/internal/retsclient"
	"retssync/internal/retsparse"
	"retssync/internal/rets"
	"retssync/internal/schema"
	"retssync/internal/session"
	"retssync/internal/store"
)

const (
	searchLimit    = 2500
	fullSyncGap    = 3 * time.Hour
)

// Engine owns one cycle of the sync loop. A single Engine is shared by
// the background ticker loop that internal/app starts.
type Engine struct {
	client  *retsclient.Client
	catalog *catalog.Store
	lockout *lockout.Set
	store   *store.Store
	dialect config.DBBackend
	metrics *metrics.Metrics
	log     *logging.Logger
}

func New(client *retsclient.Client, catalogStore *catalog.Store, lockoutSet *lockout.Set, st *store.Store, dialect config.DBBackend, m *metrics.Metrics) *Engine {
	return &Engine{
		client:  client,
		catalog: catalogStore,
		lockout: lockoutSet,
		store:   st,
		dialect: dialect,
		metrics: m,
		log:     logging.Component("syncengine"),
	}
}

// Run executes one complete cycle (spec.md §4.5 step 1-2): every
// (resource, class) pair not in the lockout set is synced in turn.
func (e *Engine) Run(ctx context.Context) error {
	sess, err := e.client.Login(ctx)
	if err != nil {
		return fmt.Errorf("sync cycle login: %w", err)
	}
	cat, err := e.catalog.Get(ctx, sess)
	if err != nil {
		return fmt.Errorf("sync cycle load catalog: %w", err)
	}
	if err := e.store.EnsureSyncStateTable(ctx); err != nil {
		return fmt.Errorf("ensure sync_state table: %w", err)
	}

	for resourceID, res := range cat.Resources {
		for _, class := range res.Classes {
			if e.lockout.Contains(resourceID, class.Name) {
				continue
			}
			if err := e.syncPair(ctx, sess, resourceID, res, class); err != nil {
				e.log.Errorf("sync %s/%s failed: %v", resourceID, class.Name, err)
			}
		}
	}
	return nil
}

func (e *Engine) syncPair(ctx context.Context, sess session.Session, resourceID string, res *catalog.Resource, class catalog.Class) error {
	tableName := schema.TableName(resourceID, class.Name)

	exists, err := e.store.TableExists(ctx, tableName)
	if err != nil {
		return fmt.Errorf("check table %s: %w", tableName, err)
	}
	if !exists {
		if err := e.createTable(ctx, sess, resourceID, class, tableName); err != nil {
			e.log.Errorf("schema create for %s: %v", tableName, err)
			return err
		}
	}

	if res.UpdateFieldName != "N/A" {
		return e.partialSync(ctx, sess, resourceID, res, class, tableName)
	}
	return e.fullSync(ctx, sess, resourceID, res, class, tableName)
}

func (e *Engine) createTable(ctx context.Context, sess session.Session, resourceID string, class catalog.Class, tableName string) error {
	fields := class.Fields
	if len(fields) == 0 {
		block, err := e.fetchTableMetadata(ctx, sess, resourceID, class.Name)
		if err != nil {
			return err
		}
		fields = block
	}
	ddl := schema.CreateTableSQL(e.dialect, tableName, fields, class.KeyField)
	if err := e.store.ExecDDL(ctx, ddl); err != nil {
		return rets.Schema(fmt.Sprintf("create table %s", tableName), err)
	}
	visibleDDL := schema.CreateVisibleTableSQL(e.dialect, tableName, fields)
	if err := e.store.ExecDDL(ctx, visibleDDL); err != nil {
		e.log.Errorf("create visible table for %s: %v", tableName, err)
	}

	translations := schema.FieldNameTranslations(resourceID, class.Name, fields)
	rows := make([]store.FieldNameTranslation, 0, len(translations))
	for _, t := range translations {
		rows = append(rows, store.FieldNameTranslation(t))
	}
	if err := e.store.BulkUpsertFieldNameTranslations(ctx, rows); err != nil {
		e.log.Errorf("populate field_name_translations for %s: %v", tableName, err)
	}
	return nil
}

func (e *Engine) fetchTableMetadata(ctx context.Context, sess session.Session, resourceID, className string) ([]catalog.FieldDef, error) {
	metadataURL, ok := sess.Capability("GetMetadata")
	if !ok {
		return nil, fmt.Errorf("session missing GetMetadata capability")
	}
	id := resourceID + ":0"
	if className != "" {
		id = resourceID + ":" + className
	}
	q := url.Values{"Type": {"METADATA-TABLE"}, "ID": {id}, "Format": {"COMPACT"}}
	resp, err := e.client.AuthenticatedRequest(ctx, sess, metadataURL, q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	parsed, err := retsparse.ParseMetadata(string(body))
	if err != nil {
		return nil, err
	}
	if len(parsed.Blocks) == 0 {
		return nil, fmt.Errorf("no METADATA-TABLE block for %s", id)
	}
	idx := make(map[string]int, len(parsed.Blocks[0].Columns))
	for i, c := range parsed.Blocks[0].Columns {
		idx[c] = i
	}
	var fields []catalog.FieldDef
	for _, row := range parsed.Blocks[0].Rows {
		fields = append(fields, catalog.FieldDef{
			SystemName: colAt(row, idx, "SystemName"),
			LongName:   colAt(row, idx, "LongName"),
			DataType:   catalog.DataType{Kind: strings.ToLower(colAt(row, idx, "DataType"))},
		})
	}
	return fields, nil
}

// partialSync implements spec.md §4.5 step 2.4.
func (e *Engine) partialSync(ctx context.Context, sess session.Session, resourceID string, res *catalog.Resource, class catalog.Class, tableName string) error {
	lastValue, err := e.store.Watermark(ctx, tableName, res.UpdateFieldName)
	if err != nil {
		return fmt.Errorf("read watermark for %s: %w", tableName, err)
	}
	query := fmt.Sprintf("(%s=%s+)", res.UpdateFieldName, lastValue.UTC().Format("2006-01-02T15:04:05"))
	return e.pageSearch(ctx, sess, resourceID, class, tableName, query)
}

// fullSync implements spec.md §4.5 step 2.5.
func (e *Engine) fullSync(ctx context.Context, sess session.Session, resourceID string, res *catalog.Resource, class catalog.Class, tableName string) error {
	lastFull, ok, err := e.store.LastFullSync(ctx, tableName)
	if err != nil {
		return fmt.Errorf("read last full sync for %s: %w", tableName, err)
	}
	if ok && time.Since(lastFull) < fullSyncGap {
		return nil
	}
	if err := e.store.TruncateTable(ctx, tableName); err != nil {
		return fmt.Errorf("truncate %s: %w", tableName, err)
	}
	if err := e.pageSearch(ctx, sess, resourceID, class, tableName, ""); err != nil {
		return err
	}
	return e.store.MarkFullSync(ctx, tableName, time.Now())
}

// pageSearch implements spec.md §4.5 steps 3-5: pagination, unauthorized
// query detection, and per-row upsert.
func (e *Engine) pageSearch(ctx context.Context, sess session.Session, resourceID string, class catalog.Class, tableName, query string) error {
	searchType, className := adjustSearchTypeClass(resourceID, class.Name)

	offset := 0
	for {
		resp, err := e.search(ctx, sess, searchType, className, query, offset, searchLimit)
		if err != nil {
			return err
		}

		if len(resp.Rows) == 0 {
			if res, cls, ok := retsparse.IsUnauthorizedQuery(resp.ReplyCode, resp.ReplyText); ok {
				e.log.Errorf("unauthorized query detected for %s/%s, locking out", res, cls)
				if _, lerr := e.lockout.Add(res, cls); lerr != nil {
					e.log.Errorf("persist lockout set: %v", lerr)
				} else {
					e.metrics.IncLockout(res, cls)
				}
				if derr := e.store.DropTable(ctx, tableName); derr != nil {
					e.log.Errorf("drop table %s after lockout: %v", tableName, derr)
				}
			}
			return nil
		}

		upserted := 0
		for _, row := range resp.Rows {
			record := sanitizeRow(resp.Columns, row, class.Fields)
			cols := make([]string, 0, len(record))
			vals := make([]any, 0, len(record))
			for _, c := range resp.Columns {
				cols = append(cols, c)
				vals = append(vals, record[c])
			}
			if err := e.store.UpsertRecord(ctx, tableName, cols, vals); err != nil {
				col := ColumnFromSQLError(err)
				e.log.Errorf("upsert row into %s failed on column %q (value %v), inferred from driver message: %v", tableName, col, record[col], err)
				continue
			}
			upserted++
		}
		e.metrics.AddRowsUpserted(tableName, upserted)

		if len(resp.Rows) < searchLimit {
			return nil
		}
		offset += searchLimit
	}
}

func (e *Engine) search(ctx context.Context, sess session.Session, searchType, class, query string, offset, limit int) (retsparse.SearchResponse, error) {
	searchURL, ok := sess.Capability("Search")
	if !ok {
		return retsparse.SearchResponse{}, fmt.Errorf("session missing Search capability")
	}
	q := url.Values{
		"SearchType":    {searchType},
		"Class":         {class},
		"QueryType":     {"DMQL2"},
		"Format":        {"COMPACT"},
		"StandardNames": {"0"},
		"Count":         {"1"},
		"Limit":         {fmt.Sprintf("%d", limit)},
		"Offset":        {fmt.Sprintf("%d", offset)},
	}
	if query != "" {
		q.Set("Query", query)
	} else {
		q.Set("Query", "()")
	}

	resp, err := e.client.AuthenticatedRequest(ctx, sess, searchURL, q)
	if err != nil {
		return retsparse.SearchResponse{}, err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return retsparse.SearchResponse{}, err
	}
	return retsparse.ParseSearch(string(body))
}

// adjustSearchTypeClass implements spec.md §4.5.2.
func adjustSearchTypeClass(resource, class string) (searchType, outClass string) {
	if strings.Contains(resource, "_") && class == "" {
		parts := strings.SplitN(resource, "_", 2)
		return parts[0], parts[1]
	}
	if class == resource {
		return resource, resource
	}
	return resource, class
}

var dateDefaults = map[string]string{
	"date":     "0000-00-00",
	"datetime": "0000-00-00 00:00:00",
	"time":     "00:00:00",
}

// sanitizeRow implements spec.md §4.5.1: empty/null fields get the type's
// zero value for date/datetime/time columns, NULL otherwise.
func sanitizeRow(columns, row []string, fields []catalog.FieldDef) map[string]any {
	kindBySystemName := make(map[string]string, len(fields))
	for _, f := range fields {
		kindBySystemName[f.SystemName] = f.DataType.Kind
	}

	out := make(map[string]any, len(columns))
	for i, col := range columns {
		if i >= len(row) {
			out[col] = nil
			continue
		}
		value := row[i]
		if value != "" {
			out[col] = value
			continue
		}
		if def, ok := dateDefaults[kindBySystemName[col]]; ok {
			out[col] = def
		} else {
			out[col] = nil
		}
	}
	return out
}

var sqlColumnFromError = regexp.MustCompile(`(?i)column\s+'?([A-Za-z0-9_]+)'?`)

// ColumnFromSQLError implements spec.md §9's "extract the offending
// column from the driver's error string" guidance.
func ColumnFromSQLError(err error) string {
	if err == nil {
		return ""
	}
	if m := sqlColumnFromError.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ""
}

func colAt(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
