// Package catalog fetches resource/class/field metadata from the RETS
// server and derives the per-resource sync policy (update field, sync
// interval, full-vs-partial) described in spec.md §4.3. The result is
// cached on disk as JSON and held in process; callers that need a fresh
// view call Refresh explicitly.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"retssync/internal/logging"
	"retssync/internal/retsclient"
	"retssync/internal/retsparse"
	"retssync/internal/session"
)

const fileName = "update_fields.json"

// DataType is a tagged variant over a FieldDef's RETS type, carrying the
// only auxiliary facts the schema generator (C4) needs: max length and
// decimal precision.
type DataType struct {
	Kind      string // int, small, tiny, long, character, decimal, datetime, date, time, boolean
	MaxLength int
	Precision int
}

// FieldDef is one column of a remote table (spec.md §3.1).
type FieldDef struct {
	SystemName     string
	LongName       string
	StandardName   string
	DataType       DataType
	Interpretation string // None, Lookup, LookupMulti
	LookupName     string
	Required       bool
}

// Class is a subdivision of a Resource (spec.md §3.1). Fields is filled
// from the class's METADATA-TABLE response when the catalog is fetched, in
// the order the server lists the fields.
type Class struct {
	Name        string
	Description string
	Fields      []FieldDef
	KeyField    string
}

// Resource is a remote data domain (spec.md §3.1).
type Resource struct {
	ResourceID         string
	KeyField           string
	Description        string
	SyncIntervalMinutes int
	UpdateFieldName    string // "N/A" when none
	SyncType           string // "full" or "partial"
	Classes            []Class
}

// Catalog is the derived metadata model for the whole feed.
type Catalog struct {
	Resources map[string]*Resource
}

var updateFieldPattern = regexp.MustCompile(`[A-Z]_UpdateDate$`)

// Store owns the RETS calls, the disk cache, and the in-process cached
// Catalog, mirroring the teacher's session-cache single-owner pattern.
type Store struct {
	client  *retsclient.Client
	path    string
	log     *logging.Logger
	mu      sync.Mutex
	current *Catalog
}

func NewStore(client *retsclient.Client, dataDir string) *Store {
	return &Store{
		client: client,
		path:   filepath.Join(dataDir, fileName),
		log:    logging.Component("catalog"),
	}
}

// Get returns the in-process catalog, loading from disk or fetching fresh
// from the RETS server if neither is available.
func (s *Store) Get(ctx context.Context, sess session.Session) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current, nil
	}
	if cat, err := s.loadFromDisk(); err == nil && cat != nil {
		s.current = cat
		return cat, nil
	}
	return s.refreshLocked(ctx, sess)
}

// Cached returns the in-process catalog without fetching, for callers
// (the debug HTTP endpoint) that can't supply a session and would rather
// see nothing than block. The second return is false until the first
// successful Get/Refresh populates the cache.
func (s *Store) Cached() (*Catalog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// Refresh forces a re-fetch from the RETS server and overwrites both the
// in-process and on-disk cache.
func (s *Store) Refresh(ctx context.Context, sess session.Session) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx, sess)
}

func (s *Store) refreshLocked(ctx context.Context, sess session.Session) (*Catalog, error) {
	cat, err := s.fetch(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.current = cat
	if err := s.persist(cat); err != nil {
		s.log.Errorf("failed to persist catalog cache: %v", err)
	}
	return cat, nil
}

func (s *Store) fetch(ctx context.Context, sess session.Session) (*Catalog, error) {
	metadataURL, ok := sess.Capability("GetMetadata")
	if !ok {
		return nil, fmt.Errorf("session has no GetMetadata capability")
	}

	resourceBlock, err := s.callMetadata(ctx, sess, metadataURL, "METADATA-RESOURCE", "0")
	if err != nil {
		return nil, err
	}

	cat := &Catalog{Resources: make(map[string]*Resource)}
	idx := indexColumns(resourceBlock.Columns)
	for _, row := range resourceBlock.Rows {
		resourceID := col(row, idx, "ResourceID")
		if resourceID == "" {
			continue
		}
		cat.Resources[resourceID] = &Resource{
			ResourceID:  resourceID,
			KeyField:    col(row, idx, "KeyField"),
			Description: col(row, idx, "Description"),
		}
	}

	for resourceID, res := range cat.Resources {
		classBlock, err := s.callMetadata(ctx, sess, metadataURL, "METADATA-CLASS", resourceID+":0")
		if err != nil {
			s.log.Errorf("METADATA-CLASS for %s: %v", resourceID, err)
			continue
		}
		cidx := indexColumns(classBlock.Columns)
		for _, row := range classBlock.Rows {
			name := col(row, cidx, "ClassName")
			if name == "" {
				continue
			}
			res.Classes = append(res.Classes, Class{
				Name:        name,
				Description: col(row, cidx, "Description"),
				KeyField:    res.KeyField,
			})
		}

		if len(res.Classes) == 0 {
			res.Classes = []Class{{Name: "", KeyField: res.KeyField}}
		}

		updateField := "N/A"
		for i := range res.Classes {
			fields, err := s.fetchTableFields(ctx, sess, metadataURL, resourceID, res.Classes[i].Name)
			if err != nil {
				s.log.Errorf("METADATA-TABLE for %s:%s: %v", resourceID, res.Classes[i].Name, err)
				continue
			}
			res.Classes[i].Fields = fields
			if updateField == "N/A" {
				if f := pickUpdateField(fields); f != "" {
					updateField = f
				}
			}
		}

		res.UpdateFieldName = updateField
		res.SyncIntervalMinutes = syncIntervalFor(resourceID, updateField)
		if updateField != "N/A" {
			res.SyncType = "partial"
		} else {
			res.SyncType = "full"
		}
	}

	return cat, nil
}

func (s *Store) fetchTableFields(ctx context.Context, sess session.Session, metadataURL, resourceID, className string) ([]FieldDef, error) {
	id := resourceID + ":0"
	if className != "" {
		id = resourceID + ":" + className
	}
	block, err := s.callMetadata(ctx, sess, metadataURL, "METADATA-TABLE", id)
	if err != nil {
		return nil, err
	}
	idx := indexColumns(block.Columns)

	fields := make([]FieldDef, 0, len(block.Rows))
	for _, row := range block.Rows {
		maxLen := atoiSafe(col(row, idx, "MaximumLength"))
		precision := atoiSafe(col(row, idx, "Precision"))
		fields = append(fields, FieldDef{
			SystemName:     col(row, idx, "SystemName"),
			LongName:       col(row, idx, "LongName"),
			StandardName:   col(row, idx, "StandardName"),
			Interpretation: col(row, idx, "Interpretation"),
			LookupName:     col(row, idx, "LookupName"),
			Required:       col(row, idx, "Required") == "1",
			DataType: DataType{
				Kind:      strings.ToLower(col(row, idx, "DataType")),
				MaxLength: maxLen,
				Precision: precision,
			},
		})
	}
	return fields, nil
}

func (s *Store) callMetadata(ctx context.Context, sess session.Session, metadataURL, typ, id string) (retsparse.MetadataBlock, error) {
	q := url.Values{}
	q.Set("Type", typ)
	q.Set("ID", id)
	q.Set("Format", "COMPACT")

	resp, err := s.client.AuthenticatedRequest(ctx, sess, metadataURL, q)
	if err != nil {
		return retsparse.MetadataBlock{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retsparse.MetadataBlock{}, err
	}
	parsed, err := retsparse.ParseMetadata(string(body))
	if err != nil {
		return retsparse.MetadataBlock{}, err
	}
	if len(parsed.Blocks) == 0 {
		return retsparse.MetadataBlock{}, fmt.Errorf("no %s block in response for ID=%s", typ, id)
	}
	return parsed.Blocks[0], nil
}

// pickUpdateField implements spec.md §4.3: the first field whose
// SystemName matches [A-Z]_UpdateDate$ and does not start with U_ or O_.
func pickUpdateField(fields []FieldDef) string {
	for _, f := range fields {
		if strings.HasPrefix(f.SystemName, "U_") || strings.HasPrefix(f.SystemName, "O_") {
			continue
		}
		if updateFieldPattern.MatchString(f.SystemName) {
			return f.SystemName
		}
	}
	return ""
}

// syncIntervalFor implements spec.md §4.3's interval table.
func syncIntervalFor(resourceID, updateField string) int {
	if updateField == "N/A" {
		return 1440
	}
	switch {
	case strings.HasPrefix(resourceID, "Property"):
		return 1
	case resourceID == "Office" || resourceID == "ActiveOffice" || resourceID == "Agent" || resourceID == "ActiveAgent":
		return 60
	default:
		return 1440
	}
}

func (s *Store) loadFromDisk() (*Catalog, error) {
	// #nosec G304 -- path derived from the configured data directory.
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (s *Store) persist(cat *Catalog) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func indexColumns(cols []string) map[string]int {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c] = i
	}
	return idx
}

func col(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
