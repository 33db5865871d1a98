// Package db opens the relational store. Production targets MySQL
// (spec.md §6.2: REPLACE INTO, COMMENT columns, MyISAM visible-name
// tables — all MySQL-specific); SQLite is kept as a local/test backend.
// The MySQL-isms are not rewritten per statement: the DDL builders here and
// in internal/schema branch on the backend and emit each dialect's form.
package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"retssync/internal/config"
)

type Config struct {
	Backend           config.DBBackend
	MySQLDSN          string
	SQLitePath        string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
}

func ParseBackend(raw string) (config.DBBackend, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return config.DBBackendMySQL, nil
	}
	switch raw {
	case "mysql":
		return config.DBBackendMySQL, nil
	case "sqlite":
		return config.DBBackendSQLite, nil
	default:
		return "", fmt.Errorf("unsupported db backend %q (expected mysql or sqlite)", raw)
	}
}

// Open opens the backend, applies the tracking-table migrations shared by
// every resource (lookup_values, PhotoProcessing, field_name_translations —
// spec.md §6.2), and tunes the shared connection pool (spec.md §5: "each
// loop owns its own database connections, borrowed from a shared pool
// (max 10)").
func Open(cfg Config) (*gorm.DB, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = config.DBBackendMySQL
	}

	var gdb *gorm.DB
	var err error
	switch backend {
	case config.DBBackendMySQL:
		if strings.TrimSpace(cfg.MySQLDSN) == "" {
			return nil, errors.New("MYSQL DSN is required when DB backend is mysql")
		}
		gdb, err = gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	case config.DBBackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, errors.New("sqlite path is required when DB backend is sqlite")
		}
		gdb, err = gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
		if err == nil {
			for _, pragma := range []string{
				`PRAGMA busy_timeout=5000;`,
				`PRAGMA foreign_keys=ON;`,
				`PRAGMA journal_mode=WAL;`,
				`PRAGMA synchronous=NORMAL;`,
			} {
				if perr := gdb.Exec(pragma).Error; perr != nil {
					return nil, perr
				}
			}
		}
	default:
		return nil, fmt.Errorf("unsupported db backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := migrateTrackingTables(gdb, backend); err != nil {
		return nil, err
	}
	return gdb, nil
}

// migrateTrackingTables creates the cross-resource tables named in
// spec.md §6.2: PhotoProcessing (C10), lookup_values (C6),
// field_name_translations (populated per-table by syncengine.createTable
// from schema.FieldNameTranslations). Per-resource tables are created on
// demand by internal/schema, not here.
func migrateTrackingTables(gdb *gorm.DB, backend config.DBBackend) error {
	mysqlDialect := backend == config.DBBackendMySQL

	photoProcessing := `CREATE TABLE IF NOT EXISTS PhotoProcessing (
		listing_id VARCHAR(64) NOT NULL,
		property_type VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		needs_reprocessing TINYINT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		last_processed_at DATETIME NULL,
		error_message TEXT NULL,
		photo_data_json TEXT NULL,
		PRIMARY KEY (listing_id, property_type)
	)`

	lookupValues := `CREATE TABLE IF NOT EXISTS lookup_values (
		id ` + autoIncrementPK(mysqlDialect) + `,
		resource_id VARCHAR(64) NOT NULL,
		class_id VARCHAR(64) NOT NULL,
		field_name VARCHAR(128) NOT NULL,
		short_value VARCHAR(128) NOT NULL,
		long_value TEXT NOT NULL,
		sort_order INT NOT NULL DEFAULT 0,
		active TINYINT NOT NULL DEFAULT 1,
		metadata_json TEXT NULL` + uniqueLookupConstraint(mysqlDialect) + `
	)`

	fieldNameTranslations := `CREATE TABLE IF NOT EXISTS field_name_translations (
		resource_id VARCHAR(64) NOT NULL,
		class_id VARCHAR(64) NOT NULL,
		system_name VARCHAR(128) NOT NULL,
		visible_name VARCHAR(128) NOT NULL,
		PRIMARY KEY (resource_id, class_id, system_name)
	)`

	stmts := []string{photoProcessing, lookupValues, fieldNameTranslations}
	if !mysqlDialect {
		// SQLite's CREATE TABLE syntax doesn't support the MySQL-style
		// inline UNIQUE KEY clause injected above; add it separately.
		stmts = append(stmts, `CREATE UNIQUE INDEX IF NOT EXISTS idx_lookup_values_unique
			ON lookup_values(resource_id, class_id, field_name, short_value)`)
	}

	for _, stmt := range stmts {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migrate tracking tables: %w", err)
		}
	}
	return migratePropertyCommonLookupsView(gdb, mysqlDialect)
}

// migratePropertyCommonLookupsView materializes the relational view
// spec.md §4.6 and §6.2 name: property_common_lookups, the
// (field_name, short_value, long_value, metadata) tuples that appear
// under every class of the Property resource. The HAVING clause counts
// against a subquery rather than a bound parameter so the view stays
// correct as Property classes come and go, instead of needing a
// migration every time the class count changes.
func migratePropertyCommonLookupsView(gdb *gorm.DB, mysqlDialect bool) error {
	const body = `
		SELECT field_name, short_value, MIN(long_value) AS long_value, MIN(metadata_json) AS metadata_json
		FROM lookup_values
		WHERE resource_id = 'Property'
		GROUP BY field_name, short_value
		HAVING COUNT(DISTINCT class_id) = (
			SELECT COUNT(DISTINCT class_id) FROM lookup_values WHERE resource_id = 'Property'
		)`

	var stmt string
	if mysqlDialect {
		stmt = "CREATE OR REPLACE VIEW property_common_lookups AS" + body
	} else {
		stmt = "CREATE VIEW IF NOT EXISTS property_common_lookups AS" + body
	}
	if err := gdb.Exec(stmt).Error; err != nil {
		return fmt.Errorf("migrate property_common_lookups view: %w", err)
	}
	return nil
}

func autoIncrementPK(mysqlDialect bool) string {
	if mysqlDialect {
		return "BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func uniqueLookupConstraint(mysqlDialect bool) string {
	if mysqlDialect {
		return ",\n\t\tUNIQUE KEY idx_lookup_values_unique (resource_id, class_id, field_name, short_value)"
	}
	return ""
}
