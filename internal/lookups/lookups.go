// Package lookups harvests RETS lookup-value domains into the
// lookup_values tracking table and rebuilds an in-memory lookup cache
// (spec.md §4.6).
package lookups

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"retssync/internal/catalog"
	"retssync/internal/logging"
	"retssync/internal/retsclient"
	"retssync/internal/retsparse"
	"retssync/internal/session"
	"retssync/internal/store"
)

// Value is one cached lookup entry, keyed resource -> class -> field ->
// short value (spec.md §4.6). ClassCommon is the synthetic class name
// holding Property-wide lookups.
const ClassCommon = "COMMON"

type Value struct {
	LongValue string
	SortOrder int
	Active    bool
	Metadata  map[string]any
}

// Cache is the in-memory snapshot rebuilt wholesale by Refresh, per
// spec.md §3.2's "readers may observe only the fully-built snapshot"
// invariant: swap a pointer under a mutex rather than mutate in place.
type Cache struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]map[string]Value
}

func NewCache() *Cache {
	return &Cache{data: map[string]map[string]map[string]map[string]Value{}}
}

func (c *Cache) Lookup(resource, class, field, short string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[resource][class][field][short]
	return v, ok
}

func (c *Cache) replace(data map[string]map[string]map[string]map[string]Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}

// Syncer drives C6's harvest-then-cache cycle.
type Syncer struct {
	client *retsclient.Client
	store  *store.Store
	cache  *Cache
	log    *logging.Logger
}

func NewSyncer(client *retsclient.Client, st *store.Store, cache *Cache) *Syncer {
	return &Syncer{client: client, store: st, cache: cache, log: logging.Component("lookups")}
}

// Refresh implements spec.md §4.6: for every resource/class, collect
// fields with a LookupName, fetch METADATA-LOOKUP_TYPE once per unique
// lookup name within the class, bulk-upsert, then rebuild the in-memory
// cache from lookup_values and the property_common_lookups view db.go
// materializes.
func (s *Syncer) Refresh(ctx context.Context, sess session.Session, cat *catalog.Catalog) error {
	metadataURL, ok := sess.Capability("GetMetadata")
	if !ok {
		return fmt.Errorf("session missing GetMetadata capability")
	}

	var allRows []store.LookupValue

	for resourceID, res := range cat.Resources {
		for _, class := range res.Classes {
			seen := map[string]bool{}
			for _, field := range class.Fields {
				if field.LookupName == "" || seen[field.LookupName] {
					continue
				}
				seen[field.LookupName] = true

				rows, err := s.fetchLookupType(ctx, sess, metadataURL, resourceID, field.LookupName, field.SystemName, class.Name)
				if err != nil {
					s.log.Errorf("METADATA-LOOKUP_TYPE %s/%s/%s: %v", resourceID, class.Name, field.LookupName, err)
					continue
				}
				allRows = append(allRows, rows...)
			}
		}
	}

	if err := s.store.BulkUpsertLookupValues(ctx, allRows); err != nil {
		return fmt.Errorf("bulk upsert lookup values: %w", err)
	}

	return s.rebuildCache(ctx)
}

func (s *Syncer) fetchLookupType(ctx context.Context, sess session.Session, metadataURL, resourceID, lookupName, fieldName, className string) ([]store.LookupValue, error) {
	q := url.Values{
		"Type":   {"METADATA-LOOKUP_TYPE"},
		"ID":     {resourceID + ":" + lookupName},
		"Format": {"COMPACT"},
	}
	resp, err := s.client.AuthenticatedRequest(ctx, sess, metadataURL, q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	parsed, err := retsparse.ParseMetadata(string(body))
	if err != nil {
		return nil, err
	}
	if len(parsed.Blocks) == 0 {
		return nil, fmt.Errorf("no METADATA-LOOKUP_TYPE block for %s", lookupName)
	}
	block := parsed.Blocks[0]
	idx := make(map[string]int, len(block.Columns))
	for i, c := range block.Columns {
		idx[c] = i
	}

	var rows []store.LookupValue
	for _, row := range block.Rows {
		short := colAt(row, idx, "Value")
		long := colAt(row, idx, "LongValue")
		sort := sortOrderFor(short)
		rows = append(rows, store.LookupValue{
			ResourceID: resourceID,
			ClassID:    className,
			FieldName:  fieldName,
			ShortValue: short,
			LongValue:  long,
			SortOrder:  sort,
			Active:     true,
			Metadata:   map[string]any{"sort": sort},
		})
	}
	return rows, nil
}

// sortOrderFor implements spec.md §4.6's "sort defaults to the numeric
// value of short_value, 0 when non-numeric".
func sortOrderFor(shortValue string) int {
	if n, err := strconv.Atoi(shortValue); err == nil {
		return n
	}
	return 0
}

func (s *Syncer) rebuildCache(ctx context.Context) error {
	rows, err := s.store.LoadLookups(ctx)
	if err != nil {
		return fmt.Errorf("load lookups: %w", err)
	}

	data := map[string]map[string]map[string]map[string]Value{}
	put := func(resource, class, field, short string, v Value) {
		if data[resource] == nil {
			data[resource] = map[string]map[string]map[string]Value{}
		}
		if data[resource][class] == nil {
			data[resource][class] = map[string]map[string]Value{}
		}
		if data[resource][class][field] == nil {
			data[resource][class][field] = map[string]Value{}
		}
		data[resource][class][field][short] = v
	}

	for _, r := range rows {
		put(r.ResourceID, r.ClassID, r.FieldName, r.ShortValue, Value{
			LongValue: r.LongValue, SortOrder: r.SortOrder, Active: r.Active, Metadata: r.Metadata,
		})
	}

	common, err := s.store.PropertyCommonLookups(ctx)
	if err != nil {
		return fmt.Errorf("load property_common_lookups view: %w", err)
	}
	for _, r := range common {
		put("Property", ClassCommon, r.FieldName, r.ShortValue, Value{
			LongValue: r.LongValue, SortOrder: r.SortOrder, Active: r.Active, Metadata: r.Metadata,
		})
	}

	s.cache.replace(data)
	return nil
}

func colAt(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
