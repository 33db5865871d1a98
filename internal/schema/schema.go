// Package schema maps RETS field metadata to relational DDL (spec.md
// §4.4): the primary per-resource tables and a parallel "visible names"
// table family used for human-facing reporting.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"retssync/internal/catalog"
	"retssync/internal/config"
)

// TableName implements spec.md §4.5 step 2: the table-naming rule shared
// by the sync engine and the schema generator.
func TableName(resource, class string) string {
	if resource == "Deleted" {
		return "Deleted_" + class
	}
	if class == "" || class == resource {
		return resource
	}
	return resource + "_" + class
}

// ColumnType implements the spec.md §4.4 type-mapping table. Interpretation
// overrides (Lookup/LookupMulti) take precedence over the base data type.
func ColumnType(f catalog.FieldDef) string {
	switch f.Interpretation {
	case "Lookup":
		return "VARCHAR(50)"
	case "LookupMulti":
		return "TEXT"
	}

	switch f.DataType.Kind {
	case "int", "small", "tiny":
		return "INT"
	case "long":
		return "BIGINT"
	case "datetime":
		return "DATETIME default '0000-00-00 00:00:00' NOT NULL"
	case "date":
		return "DATE default '0000-00-00' NOT NULL"
	case "time":
		return "TIME default '00:00:00' NOT NULL"
	case "character":
		if f.DataType.MaxLength >= 1 && f.DataType.MaxLength <= 255 {
			return fmt.Sprintf("VARCHAR(%d)", f.DataType.MaxLength)
		}
		return "TEXT"
	case "decimal":
		if f.DataType.MaxLength > f.DataType.Precision && f.DataType.Precision >= 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", f.DataType.MaxLength, f.DataType.Precision)
		}
		return "DECIMAL(10,2)"
	case "boolean":
		return "CHAR(1)"
	default:
		return "TEXT"
	}
}

// CreateTableSQL synthesizes the primary table for one (resource, class)
// pair. When keyField is empty the table gets a surrogate auto-increment
// primary key; otherwise the matching field is declared PRIMARY KEY
// inline (spec.md §4.4). The COMMENT clause spec.md mandates is a
// MySQL-ism; against the SQLite test/local backend it is dropped since
// SQLite's column-def grammar has no such clause (OQ-1).
func CreateTableSQL(dialect config.DBBackend, tableName string, fields []catalog.FieldDef, keyField string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS `%s` (\n", tableName)

	if keyField == "" {
		b.WriteString("  " + surrogateKeyColumn(dialect) + ",\n")
	}
	for i, f := range fields {
		colType := ColumnType(f)
		if f.SystemName == keyField {
			colType += " PRIMARY KEY"
		}
		fmt.Fprintf(&b, "  `%s` %s", f.SystemName, colType)
		if dialect == config.DBBackendMySQL {
			fmt.Fprintf(&b, " COMMENT %s", quoteSQL(f.LongName))
		}
		if i < len(fields)-1 {
			b.WriteString(",\n")
		} else {
			b.WriteString("\n")
		}
	}
	b.WriteString(")")
	return b.String()
}

func surrogateKeyColumn(dialect config.DBBackend) string {
	if dialect == config.DBBackendMySQL {
		return "id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// VisibleNamesTableName returns the name of the parallel "visible names"
// table for a (resource, class) pair (spec.md §4.4).
func VisibleNamesTableName(tableName string) string {
	return tableName + "_visible"
}

var (
	leadingNumberOf = regexp.MustCompile(`(?i)^number\s*of\s*`)
	leadingOf       = regexp.MustCompile(`(?i)^of\s*`)
	nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// VisibleColumnName implements spec.md §4.4's alphanumeric transform:
// strip a leading "Number of "/"NumberOf" and any subsequent "of", delete
// all non-alphanumeric characters, and preserve case.
func VisibleColumnName(longName string) string {
	s := leadingNumberOf.ReplaceAllString(longName, "")
	s = leadingOf.ReplaceAllString(s, "")
	return nonAlphanumeric.ReplaceAllString(s, "")
}

// CreateVisibleTableSQL synthesizes the MyISAM "visible names" table that
// mirrors tableName's columns under human-readable names (spec.md §4.4).
// ENGINE=MyISAM is MySQL-only; the SQLite backend gets a plain table.
func CreateVisibleTableSQL(dialect config.DBBackend, tableName string, fields []catalog.FieldDef) string {
	visibleTable := VisibleNamesTableName(tableName)
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS `%s` (\n", visibleTable)
	for i, f := range fields {
		fmt.Fprintf(&b, "  `%s` %s", VisibleColumnName(f.LongName), ColumnType(f))
		if i < len(fields)-1 {
			b.WriteString(",\n")
		} else {
			b.WriteString("\n")
		}
	}
	b.WriteString(")")
	if dialect == config.DBBackendMySQL {
		b.WriteString(" ENGINE=MyISAM")
	}
	return b.String()
}

// FieldNameTranslation is one system-name-to-visible-name mapping row
// for a (resource, class) pair, matching store.FieldNameTranslation
// without importing the store package from schema.
type FieldNameTranslation struct {
	ResourceID  string
	ClassID     string
	SystemName  string
	VisibleName string
}

// FieldNameTranslations derives the field_name_translations rows for one
// table's fields (spec.md §6.2), using the same VisibleColumnName
// transform CreateVisibleTableSQL uses for the visible table's own
// column names.
func FieldNameTranslations(resourceID, classID string, fields []catalog.FieldDef) []FieldNameTranslation {
	rows := make([]FieldNameTranslation, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, FieldNameTranslation{
			ResourceID:  resourceID,
			ClassID:     classID,
			SystemName:  f.SystemName,
			VisibleName: VisibleColumnName(f.LongName),
		})
	}
	return rows
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
