package catalog

import "testing"

func TestPickUpdateFieldSkipsUAndOPrefixes(t *testing.T) {
	fields := []FieldDef{
		{SystemName: "U_UpdateDate"},
		{SystemName: "O_UpdateDate"},
		{SystemName: "L_UpdateDate"},
	}
	if got := pickUpdateField(fields); got != "L_UpdateDate" {
		t.Fatalf("pickUpdateField = %q, want L_UpdateDate", got)
	}
}

func TestPickUpdateFieldNoneMatches(t *testing.T) {
	fields := []FieldDef{{SystemName: "ListPrice"}, {SystemName: "U_UpdateDate"}}
	if got := pickUpdateField(fields); got != "" {
		t.Fatalf("pickUpdateField = %q, want empty", got)
	}
}

func TestSyncIntervalFor(t *testing.T) {
	cases := []struct {
		resource    string
		updateField string
		want        int
	}{
		{"Property", "L_UpdateDate", 1},
		{"Property_Residential", "L_UpdateDate", 1},
		{"Office", "L_UpdateDate", 60},
		{"ActiveAgent", "L_UpdateDate", 60},
		{"Hotsheet", "L_UpdateDate", 1440},
		{"Property", "N/A", 1440},
	}
	for _, c := range cases {
		if got := syncIntervalFor(c.resource, c.updateField); got != c.want {
			t.Errorf("syncIntervalFor(%q, %q) = %d, want %d", c.resource, c.updateField, got, c.want)
		}
	}
}

func TestIndexColumnsAndCol(t *testing.T) {
	idx := indexColumns([]string{"SystemName", "LongName", "DataType"})
	row := []string{"ListPrice", "List Price", "Decimal"}
	if got := col(row, idx, "LongName"); got != "List Price" {
		t.Fatalf("col = %q", got)
	}
	if got := col(row, idx, "Missing"); got != "" {
		t.Fatalf("col for missing column = %q, want empty", got)
	}
}

func TestAtoiSafe(t *testing.T) {
	if got := atoiSafe("255"); got != 255 {
		t.Fatalf("atoiSafe(255) = %d", got)
	}
	if got := atoiSafe(""); got != 0 {
		t.Fatalf("atoiSafe(empty) = %d, want 0", got)
	}
	if got := atoiSafe("12x"); got != 0 {
		t.Fatalf("atoiSafe(12x) = %d, want 0 (non-digit aborts parse)", got)
	}
}

func TestCachedIsAbsentUntilPopulated(t *testing.T) {
	s := &Store{}
	if _, ok := s.Cached(); ok {
		t.Fatal("expected no cached catalog before the first Get/Refresh")
	}

	s.current = &Catalog{Resources: map[string]*Resource{"Property": {ResourceID: "Property"}}}
	cat, ok := s.Cached()
	if !ok || cat.Resources["Property"].ResourceID != "Property" {
		t.Fatalf("Cached() = %v, %v; want the populated catalog", cat, ok)
	}
}
