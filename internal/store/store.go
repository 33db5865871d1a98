// Package store wraps the relational store with the raw-SQL helpers the
// sync engine, lookup sync, photo scheduler, and lifecycle reconciler all
// need. Like the teacher's own store package, gorm.io/gorm is used as a
// thin connection/transaction manager rather than an ORM: every query is
// hand-written SQL passed through Raw/Exec.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func New(sqlDB *gorm.DB) *Store {
	return &Store{db: sqlDB}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// TableExists reports whether tableName is present, portable across the
// MySQL and SQLite backends via information_schema/sqlite_master.
func (s *Store) TableExists(ctx context.Context, tableName string) (bool, error) {
	if s.db.Dialector.Name() == "sqlite" {
		row := s.queryRow(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName)
		var name string
		if err := row.Scan(&name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	row := s.queryRow(ctx, "SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA=DATABASE() AND TABLE_NAME=?", tableName)
	var name string
	if err := row.Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ExecDDL runs a CREATE/DROP/TRUNCATE/ALTER statement.
func (s *Store) ExecDDL(ctx context.Context, ddl string) error {
	_, err := s.exec(ctx, ddl)
	return err
}

func (s *Store) DropTable(ctx context.Context, tableName string) error {
	return s.ExecDDL(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", tableName))
}

// TruncateTable implements spec.md §3.2's invariant that only N/A-update
// field resources are truncated. SQLite has no TRUNCATE; DELETE is
// equivalent for our purposes (no auto-increment reset requirement).
func (s *Store) TruncateTable(ctx context.Context, tableName string) error {
	if s.db.Dialector.Name() == "sqlite" {
		_, err := s.exec(ctx, fmt.Sprintf("DELETE FROM `%s`", tableName))
		return err
	}
	return s.ExecDDL(ctx, fmt.Sprintf("TRUNCATE TABLE `%s`", tableName))
}

// Watermark implements spec.md §4.5 step 4's SELECT MAX(update_field).
// A null/absent maximum returns the zero instant per spec.md's
// "defaulting lastValue to 1900-01-01T00:00:00 when null".
func (s *Store) Watermark(ctx context.Context, tableName, updateField string) (time.Time, error) {
	zero := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	row := s.queryRow(ctx, fmt.Sprintf("SELECT MAX(`%s`) FROM `%s`", updateField, tableName))
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		return zero, err
	}
	if !raw.Valid || raw.String == "" {
		return zero, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, raw.String); err == nil {
			return t, nil
		}
	}
	return zero, nil
}

// UpsertRecord implements spec.md §4.5.1: "Upsert is a REPLACE INTO keyed
// on the declared primary key." SQLite's REPLACE INTO is a supported
// syntax alias for INSERT OR REPLACE, so the statement shape is identical
// across backends.
func (s *Store) UpsertRecord(ctx context.Context, tableName string, columns []string, values []any) error {
	if len(columns) == 0 {
		return nil
	}
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("REPLACE INTO `%s` (%s) VALUES (%s)",
		tableName, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	_, err := s.exec(ctx, stmt, values...)
	return err
}

// LastFullSync tracks, per table, when the last full (TRUNCATE+reload)
// pass completed, for spec.md §4.5 step 2.5's "only run if the last full
// sync >= 3 hours ago" rule. Backed by a small tracking table rather than
// a disk file since it's naturally relational and queried alongside the
// watermark.
const syncStateTable = "sync_state"

func (s *Store) EnsureSyncStateTable(ctx context.Context) error {
	return s.ExecDDL(ctx, `CREATE TABLE IF NOT EXISTS `+syncStateTable+` (
		table_name VARCHAR(128) PRIMARY KEY,
		last_full_sync_at DATETIME NULL
	)`)
}

func (s *Store) LastFullSync(ctx context.Context, tableName string) (time.Time, bool, error) {
	row := s.queryRow(ctx, "SELECT last_full_sync_at FROM "+syncStateTable+" WHERE table_name=?", tableName)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Store) MarkFullSync(ctx context.Context, tableName string, when time.Time) error {
	_, err := s.exec(ctx, "REPLACE INTO "+syncStateTable+" (table_name, last_full_sync_at) VALUES (?, ?)",
		tableName, when.UTC().Format("2006-01-02 15:04:05"))
	return err
}

// LookupValue is one row of the lookup_values tracking table (spec.md §4.6).
type LookupValue struct {
	ResourceID string
	ClassID    string
	FieldName  string
	ShortValue string
	LongValue  string
	SortOrder  int
	Active     bool
	Metadata   map[string]any
}

// BulkUpsertLookupValues writes rows keyed on
// (resource_id, class_id, field_name, short_value), per spec.md §4.6.
func (s *Store) BulkUpsertLookupValues(ctx context.Context, rows []LookupValue) error {
	for _, r := range rows {
		metaJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return err
		}
		active := 0
		if r.Active {
			active = 1
		}
		_, err = s.exec(ctx, `REPLACE INTO lookup_values
			(resource_id, class_id, field_name, short_value, long_value, sort_order, active, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ResourceID, r.ClassID, r.FieldName, r.ShortValue, r.LongValue, r.SortOrder, active, string(metaJSON))
		if err != nil {
			return err
		}
	}
	return nil
}

// FieldNameTranslation is one system-name-to-visible-name mapping row
// for a (resource, class) pair, mirroring the field_name_translations
// table spec.md §6.2 names.
type FieldNameTranslation struct {
	ResourceID  string
	ClassID     string
	SystemName  string
	VisibleName string
}

// BulkUpsertFieldNameTranslations writes the system_name -> visible_name
// mapping schema.go derives when it builds a table's visible-names
// sibling table, keyed on (resource_id, class_id, system_name).
func (s *Store) BulkUpsertFieldNameTranslations(ctx context.Context, rows []FieldNameTranslation) error {
	for _, r := range rows {
		if _, err := s.exec(ctx, `REPLACE INTO field_name_translations
			(resource_id, class_id, system_name, visible_name)
			VALUES (?, ?, ?, ?)`,
			r.ResourceID, r.ClassID, r.SystemName, r.VisibleName); err != nil {
			return err
		}
	}
	return nil
}

// LoadLookups returns every lookup_values row, for building the in-memory
// resource -> class -> field -> short cache (spec.md §4.6).
func (s *Store) LoadLookups(ctx context.Context) ([]LookupValue, error) {
	rows, err := s.query(ctx, `SELECT resource_id, class_id, field_name, short_value, long_value, sort_order, active, metadata_json FROM lookup_values`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LookupValue
	for rows.Next() {
		var lv LookupValue
		var active int
		var metaJSON sql.NullString
		if err := rows.Scan(&lv.ResourceID, &lv.ClassID, &lv.FieldName, &lv.ShortValue, &lv.LongValue, &lv.SortOrder, &active, &metaJSON); err != nil {
			return nil, err
		}
		lv.Active = active != 0
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &lv.Metadata)
		}
		out = append(out, lv)
	}
	return out, rows.Err()
}

// PropertyCommonLookups reads the property_common_lookups view db.go
// materializes (spec.md §4.6/§6.2): (field_name, short_value, long_value,
// metadata) tuples present under every class of the Property resource.
func (s *Store) PropertyCommonLookups(ctx context.Context) ([]LookupValue, error) {
	rows, err := s.query(ctx, `SELECT field_name, short_value, long_value, metadata_json FROM property_common_lookups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LookupValue
	for rows.Next() {
		var lv LookupValue
		var metaJSON sql.NullString
		if err := rows.Scan(&lv.FieldName, &lv.ShortValue, &lv.LongValue, &metaJSON); err != nil {
			return nil, err
		}
		lv.ResourceID = "Property"
		lv.ClassID = "COMMON"
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &lv.Metadata)
		}
		out = append(out, lv)
	}
	return out, rows.Err()
}

// PhotoProcessingRecord mirrors the PhotoProcessing tracking table
// (spec.md §3.1 PhotoJob).
type PhotoProcessingRecord struct {
	ListingID         string
	PropertyType      string
	Status            string
	NeedsReprocessing bool
	RetryCount        int
	LastProcessedAt   sql.NullTime
	ErrorMessage      string
	PhotoDataJSON     string
}

// EnsurePhotoProcessingTable implements spec.md §4.10 step 1. The table is
// already created by internal/db's startup migration; this is an idempotent
// safety net for callers (the scheduler) that want to assert it exists
// without depending on db package internals.
func (s *Store) EnsurePhotoProcessingTable(ctx context.Context) error {
	return s.ExecDDL(ctx, `CREATE TABLE IF NOT EXISTS PhotoProcessing (
		listing_id VARCHAR(64) NOT NULL,
		property_type VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		needs_reprocessing TINYINT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		last_processed_at DATETIME NULL,
		error_message TEXT NULL,
		photo_data_json TEXT NULL,
		PRIMARY KEY (listing_id, property_type)
	)`)
}

// GetPhotoProcessing reads the current tracking row for (listingID,
// propertyType), used by the scheduler to increment retry_count on
// failure rather than clobbering it via a blind REPLACE.
func (s *Store) GetPhotoProcessing(ctx context.Context, listingID, propertyType string) (PhotoProcessingRecord, bool, error) {
	row := s.queryRow(ctx, `SELECT retry_count FROM PhotoProcessing WHERE listing_id=? AND property_type=?`, listingID, propertyType)
	var retryCount int
	if err := row.Scan(&retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PhotoProcessingRecord{}, false, nil
		}
		return PhotoProcessingRecord{}, false, err
	}
	return PhotoProcessingRecord{ListingID: listingID, PropertyType: propertyType, RetryCount: retryCount}, true, nil
}

func (s *Store) UpsertPhotoProcessing(ctx context.Context, rec PhotoProcessingRecord) error {
	needsReprocessing := 0
	if rec.NeedsReprocessing {
		needsReprocessing = 1
	}
	var lastProcessed any
	if rec.LastProcessedAt.Valid {
		lastProcessed = rec.LastProcessedAt.Time.UTC().Format("2006-01-02 15:04:05")
	}
	_, err := s.exec(ctx, `REPLACE INTO PhotoProcessing
		(listing_id, property_type, status, needs_reprocessing, retry_count, last_processed_at, error_message, photo_data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ListingID, rec.PropertyType, rec.Status, needsReprocessing, rec.RetryCount, lastProcessed, rec.ErrorMessage, rec.PhotoDataJSON)
	return err
}

// PendingPhotoListing is one row selected for photo processing (spec.md
// §4.10 step 3).
type PendingPhotoListing struct {
	ListingID         string
	PropertyType      string // the table name (ClassLongName source)
	StatusCatID       int
	NeedsReprocessing bool
}

// SelectPendingPhotoListings implements spec.md §4.10 step 3: listings
// from tableName with L_StatusCatID in {1,2} that either have no
// PhotoProcessing row or are flagged needs_reprocessing, ordered
// needs_reprocessing first, then status category ascending, then
// L_Last_Photo_updt descending.
func (s *Store) SelectPendingPhotoListings(ctx context.Context, tableName, listingIDField string, limit int) ([]PendingPhotoListing, error) {
	q := fmt.Sprintf(`
		SELECT t.`+"`%s`"+`, t.L_StatusCatID,
		       COALESCE(p.needs_reprocessing, 0) AS needs_reprocessing
		FROM `+"`%s`"+` t
		LEFT JOIN PhotoProcessing p
		  ON p.listing_id = t.`+"`%s`"+` AND p.property_type = ?
		WHERE t.L_StatusCatID IN (1, 2)
		  AND (p.listing_id IS NULL OR p.needs_reprocessing = 1)
		ORDER BY needs_reprocessing DESC, t.L_StatusCatID ASC, t.L_Last_Photo_updt DESC
		LIMIT ?`, listingIDField, tableName, listingIDField)

	rows, err := s.query(ctx, q, tableName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingPhotoListing
	for rows.Next() {
		var p PendingPhotoListing
		var needsReprocessing int
		if err := rows.Scan(&p.ListingID, &p.StatusCatID, &needsReprocessing); err != nil {
			return nil, err
		}
		p.PropertyType = tableName
		p.NeedsReprocessing = needsReprocessing != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPendingPhotoListings is used by the scheduler to pick Normal vs
// Aggressive mode (spec.md §4.10 step 2).
func (s *Store) CountPendingPhotoListings(ctx context.Context, tableName, listingIDField string) (int, error) {
	q := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM `+"`%s`"+` t
		LEFT JOIN PhotoProcessing p
		  ON p.listing_id = t.`+"`%s`"+` AND p.property_type = ?
		WHERE t.L_StatusCatID IN (1, 2)
		  AND (p.listing_id IS NULL OR p.needs_reprocessing = 1)`, tableName, listingIDField)
	row := s.queryRow(ctx, q, tableName)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// HotsheetRow is a deduplicated remote hotsheet record (spec.md §4.11).
type HotsheetRow struct {
	ListingID   string
	StatusCatID int
}

// PromoteToSold implements spec.md §4.11 step 5's promote-to-SOLD group:
// rows whose L_ListingID is in ids and current L_StatusCatID != '2' are
// set to '2'.
func (s *Store) PromoteToSold(ctx context.Context, tableName string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(ids)
	stmt := fmt.Sprintf("UPDATE `%s` SET L_StatusCatID='2' WHERE L_ListingID IN (%s) AND L_StatusCatID != '2'", tableName, placeholders)
	return s.exec(ctx, stmt, args...)
}

// DeleteWithdrawnOrExpired implements spec.md §4.11 step 5's delete
// group: rows whose L_ListingID is in ids and current L_StatusCatID is
// '1' or '2'.
func (s *Store) DeleteWithdrawnOrExpired(ctx context.Context, tableName string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(ids)
	stmt := fmt.Sprintf("DELETE FROM `%s` WHERE L_ListingID IN (%s) AND L_StatusCatID IN ('1','2')", tableName, placeholders)
	return s.exec(ctx, stmt, args...)
}

// SelectAffectedListings returns (listing id, current status, address)
// for ids present in tableName, used for the per-id log line spec.md
// §4.11 step 6 requires before mutating.
func (s *Store) SelectAffectedListings(ctx context.Context, tableName string, ids []string) (map[string][2]string, error) {
	if len(ids) == 0 {
		return map[string][2]string{}, nil
	}
	placeholders, args := inClause(ids)
	q := fmt.Sprintf("SELECT L_ListingID, L_StatusCatID, L_Address FROM `%s` WHERE L_ListingID IN (%s)", tableName, placeholders)
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][2]string)
	for rows.Next() {
		var id, status, address string
		if err := rows.Scan(&id, &status, &address); err != nil {
			return nil, err
		}
		out[id] = [2]string{status, address}
	}
	return out, rows.Err()
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
