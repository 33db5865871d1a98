package lookups

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"retssync/internal/catalog"
	"retssync/internal/config"
	"retssync/internal/db"
	"retssync/internal/retsclient"
	"retssync/internal/session"
	"retssync/internal/store"
)

func TestSortOrderFor(t *testing.T) {
	if got := sortOrderFor("5"); got != 5 {
		t.Errorf("sortOrderFor(5) = %d", got)
	}
	if got := sortOrderFor("COL"); got != 0 {
		t.Errorf("sortOrderFor(COL) = %d, want 0", got)
	}
}

func TestCacheReplaceIsAtomicSnapshot(t *testing.T) {
	c := NewCache()
	if _, ok := c.Lookup("Property", "RES", "Status", "A"); ok {
		t.Fatal("expected empty cache to have no entries")
	}
	c.replace(map[string]map[string]map[string]map[string]Value{
		"Property": {"RES": {"Status": {"A": {LongValue: "Active"}}}},
	})
	v, ok := c.Lookup("Property", "RES", "Status", "A")
	if !ok || v.LongValue != "Active" {
		t.Fatalf("Lookup after replace = %+v, ok=%v", v, ok)
	}
}

func TestRefreshHarvestsAndBuildsCommonView(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<RETS-RESPONSE ReplyCode="0" ReplyText="Success"/>
<METADATA-LOOKUP_TYPE Resource="Property" LookupName="PropStatus">
<COLUMNS>	Value	LongValue	</COLUMNS>
<DATA>	1	Active	</DATA>
<DATA>	2	Sold	</DATA>
</METADATA-LOOKUP_TYPE>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	client := retsclient.New(retsclient.Config{LoginURL: srv.URL + "/login"}, dir)
	gdb, err := db.Open(db.Config{Backend: config.DBBackendSQLite, SQLitePath: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	st := store.New(gdb)
	cache := NewCache()
	syncer := NewSyncer(client, st, cache)

	cat := &catalog.Catalog{Resources: map[string]*catalog.Resource{
		"Property": {
			ResourceID: "Property",
			Classes: []catalog.Class{
				{Name: "RES", Fields: []catalog.FieldDef{{SystemName: "Status", LookupName: "PropStatus"}}},
				{Name: "MF", Fields: []catalog.FieldDef{{SystemName: "Status", LookupName: "PropStatus"}}},
			},
		},
	}}
	sess := session.Session{Cookie: "abc", Capabilities: map[string]string{"GetMetadata": srv.URL + "/metadata"}}

	if err := syncer.Refresh(context.Background(), sess, cat); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	v, ok := cache.Lookup("Property", "RES", "Status", "1")
	if !ok || v.LongValue != "Active" {
		t.Fatalf("expected Property/RES/Status/1 cached, got %+v ok=%v", v, ok)
	}
	common, ok := cache.Lookup("Property", ClassCommon, "Status", "1")
	if !ok || common.LongValue != "Active" {
		t.Fatalf("expected common-view entry for Status/1 present in both classes, got %+v ok=%v", common, ok)
	}
}
