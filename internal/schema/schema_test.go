package schema

import (
	"strings"
	"testing"

	"retssync/internal/catalog"
	"retssync/internal/config"
)

func TestTableName(t *testing.T) {
	cases := []struct {
		resource, class, want string
	}{
		{"Deleted", "RES", "Deleted_RES"},
		{"Office", "", "Office"},
		{"Office", "Office", "Office"},
		{"Property", "RES", "Property_RES"},
	}
	for _, c := range cases {
		if got := TableName(c.resource, c.class); got != c.want {
			t.Errorf("TableName(%q,%q) = %q, want %q", c.resource, c.class, got, c.want)
		}
	}
}

func TestColumnTypeBaseTypes(t *testing.T) {
	cases := []struct {
		field catalog.FieldDef
		want  string
	}{
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "int"}}, "INT"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "small"}}, "INT"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "long"}}, "BIGINT"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "boolean"}}, "CHAR(1)"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "datetime"}}, "DATETIME default '0000-00-00 00:00:00' NOT NULL"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "date"}}, "DATE default '0000-00-00' NOT NULL"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "time"}}, "TIME default '00:00:00' NOT NULL"},
		{catalog.FieldDef{DataType: catalog.DataType{Kind: "unknown"}}, "TEXT"},
	}
	for _, c := range cases {
		if got := ColumnType(c.field); got != c.want {
			t.Errorf("ColumnType(%+v) = %q, want %q", c.field, got, c.want)
		}
	}
}

func TestColumnTypeCharacter(t *testing.T) {
	f := catalog.FieldDef{DataType: catalog.DataType{Kind: "character", MaxLength: 64}}
	if got := ColumnType(f); got != "VARCHAR(64)" {
		t.Errorf("ColumnType = %q, want VARCHAR(64)", got)
	}
	f.DataType.MaxLength = 0
	if got := ColumnType(f); got != "TEXT" {
		t.Errorf("ColumnType(0) = %q, want TEXT", got)
	}
	f.DataType.MaxLength = 500
	if got := ColumnType(f); got != "TEXT" {
		t.Errorf("ColumnType(500) = %q, want TEXT", got)
	}
}

func TestColumnTypeDecimal(t *testing.T) {
	f := catalog.FieldDef{DataType: catalog.DataType{Kind: "decimal", MaxLength: 10, Precision: 2}}
	if got := ColumnType(f); got != "DECIMAL(10,2)" {
		t.Errorf("ColumnType = %q", got)
	}
	f.DataType.MaxLength = 1
	f.DataType.Precision = 2
	if got := ColumnType(f); got != "DECIMAL(10,2)" {
		t.Errorf("ColumnType fallback = %q, want DECIMAL(10,2)", got)
	}
}

func TestColumnTypeLookupOverrides(t *testing.T) {
	f := catalog.FieldDef{DataType: catalog.DataType{Kind: "character", MaxLength: 10}, Interpretation: "Lookup"}
	if got := ColumnType(f); got != "VARCHAR(50)" {
		t.Errorf("ColumnType(Lookup) = %q, want VARCHAR(50)", got)
	}
	f.Interpretation = "LookupMulti"
	if got := ColumnType(f); got != "TEXT" {
		t.Errorf("ColumnType(LookupMulti) = %q, want TEXT", got)
	}
}

func TestCreateTableSQLSurrogateKey(t *testing.T) {
	fields := []catalog.FieldDef{
		{SystemName: "ListPrice", LongName: "List Price", DataType: catalog.DataType{Kind: "decimal", MaxLength: 10, Precision: 2}},
	}
	sql := CreateTableSQL(config.DBBackendMySQL, "Property_RES", fields, "")
	if !strings.Contains(sql, "id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY") {
		t.Errorf("expected surrogate key, got %s", sql)
	}
	if !strings.Contains(sql, "COMMENT 'List Price'") {
		t.Errorf("expected COMMENT clause, got %s", sql)
	}
}

func TestCreateTableSQLSQLiteDropsMySQLisms(t *testing.T) {
	fields := []catalog.FieldDef{
		{SystemName: "ListPrice", LongName: "List Price", DataType: catalog.DataType{Kind: "decimal", MaxLength: 10, Precision: 2}},
	}
	sql := CreateTableSQL(config.DBBackendSQLite, "Property_RES", fields, "")
	if strings.Contains(sql, "COMMENT") {
		t.Errorf("expected no COMMENT clause for sqlite, got %s", sql)
	}
	if !strings.Contains(sql, "id INTEGER PRIMARY KEY AUTOINCREMENT") {
		t.Errorf("expected sqlite surrogate key, got %s", sql)
	}
}

func TestCreateTableSQLDeclaredKey(t *testing.T) {
	fields := []catalog.FieldDef{
		{SystemName: "ListingKey", LongName: "Listing Key", DataType: catalog.DataType{Kind: "character", MaxLength: 32}},
		{SystemName: "ListPrice", LongName: "List Price", DataType: catalog.DataType{Kind: "decimal", MaxLength: 10, Precision: 2}},
	}
	sql := CreateTableSQL(config.DBBackendMySQL, "Property_RES", fields, "ListingKey")
	if strings.Contains(sql, "AUTO_INCREMENT") {
		t.Errorf("expected no surrogate key when keyField set, got %s", sql)
	}
	if !strings.Contains(sql, "`ListingKey` VARCHAR(32) PRIMARY KEY") {
		t.Errorf("expected inline primary key, got %s", sql)
	}
}

func TestVisibleColumnName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Number of Bedrooms", "Bedrooms"},
		{"NumberOf Bathrooms", "Bathrooms"},
		{"List Price", "ListPrice"},
		{"Year Built", "YearBuilt"},
	}
	for _, c := range cases {
		if got := VisibleColumnName(c.in); got != c.want {
			t.Errorf("VisibleColumnName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCreateVisibleTableSQLUsesMyISAM(t *testing.T) {
	fields := []catalog.FieldDef{
		{SystemName: "ListPrice", LongName: "List Price", DataType: catalog.DataType{Kind: "decimal", MaxLength: 10, Precision: 2}},
	}
	sql := CreateVisibleTableSQL(config.DBBackendMySQL, "Property_RES", fields)
	if !strings.Contains(sql, "Property_RES_visible") {
		t.Errorf("expected visible table name, got %s", sql)
	}
	if !strings.Contains(sql, "ENGINE=MyISAM") {
		t.Errorf("expected MyISAM engine, got %s", sql)
	}
	if !strings.Contains(sql, "`ListPrice`") {
		t.Errorf("expected transformed column name, got %s", sql)
	}
}

func TestCreateVisibleTableSQLSQLiteOmitsEngine(t *testing.T) {
	fields := []catalog.FieldDef{
		{SystemName: "ListPrice", LongName: "List Price", DataType: catalog.DataType{Kind: "decimal", MaxLength: 10, Precision: 2}},
	}
	sql := CreateVisibleTableSQL(config.DBBackendSQLite, "Property_RES", fields)
	if strings.Contains(sql, "ENGINE") {
		t.Errorf("expected no ENGINE clause for sqlite, got %s", sql)
	}
}

func TestFieldNameTranslationsMatchesVisibleColumnName(t *testing.T) {
	fields := []catalog.FieldDef{
		{SystemName: "BedroomsTotal", LongName: "Number of Bedrooms"},
		{SystemName: "ListPrice", LongName: "List Price"},
	}
	rows := FieldNameTranslations("Property", "RES", fields)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ResourceID != "Property" || rows[0].ClassID != "RES" {
		t.Errorf("unexpected resource/class: %+v", rows[0])
	}
	if rows[0].SystemName != "BedroomsTotal" || rows[0].VisibleName != "Bedrooms" {
		t.Errorf("expected BedroomsTotal -> Bedrooms, got %+v", rows[0])
	}
	if rows[1].VisibleName != "ListPrice" {
		t.Errorf("expected ListPrice -> ListPrice, got %+v", rows[1])
	}
}
