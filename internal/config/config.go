package config

import (
	"fmt"
	"time"
)

// DBBackend selects the relational store driver.
type DBBackend string

const (
	DBBackendMySQL  DBBackend = "mysql"
	DBBackendSQLite DBBackend = "sqlite"
)

// Config holds every knob the service reads from flags/env at startup.
// Fields group by the component that consumes them; see cmd/server/main.go
// for the flag/env wiring and internal/app for validation/defaulting.
type Config struct {
	// RETS protocol client (C1)
	RETSLoginURL  string
	RETSVersion   string
	RETSVendor    string
	RETSUsername  string
	RETSPassword  string
	RETSUserAgent string

	// Relational store
	DBBackend         DBBackend
	MySQLDSN          string
	MySQLHost         string
	MySQLPort         int
	MySQLUser         string
	MySQLPassword     string
	MySQLDatabase     string
	SQLitePath        string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Object storage (C9)
	ObjectStorageAccessKey string
	ObjectStorageSecretKey string
	ObjectStorageEndpoint  string
	ObjectStorageBucket    string
	ObjectStorageRegion    string

	// Image pipeline (C8): path to the cwebp binary, resolved via PATH
	// when empty.
	CwebpPath string

	// Cache/data directory (session cache, catalog cache, lockout set,
	// local photo staging area)
	DataDir string

	// Logging / metrics / debug server
	LogFormat string
	LogLevel  string
	Addr      string

	// Sync engine (C5)
	SyncInterval time.Duration

	// Photo scheduler (C10)
	PhotoScheduler PhotoSchedulerConfig
}

// MySQLDSNFromParts builds a go-sql-driver/mysql DSN from the discrete
// host/port/user/password/database fields spec.md §6.4 names, applying the
// same defaults (localhost:3306, rets_user/rets_password/rets_data).
func MySQLDSNFromParts(host string, port int, user, password, database string) string {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 3306
	}
	if user == "" {
		user = "rets_user"
	}
	if password == "" {
		password = "rets_password"
	}
	if database == "" {
		database = "rets_data"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4", user, password, host, port, database)
}

type PhotoSchedulerConfig struct {
	NormalBatchSize          int
	NormalInterBatchWait     time.Duration
	NormalIdleWait           time.Duration
	AggressiveBatchSize      int
	AggressiveInterBatchWait time.Duration
	AggressiveIdleWait       time.Duration
	AggressiveThreshold      int
}

// DefaultPhotoScheduler returns the Normal/Aggressive tuning from spec.md §4.10.
func DefaultPhotoScheduler() PhotoSchedulerConfig {
	return PhotoSchedulerConfig{
		NormalBatchSize:          5,
		NormalInterBatchWait:     5 * time.Second,
		NormalIdleWait:           60 * time.Second,
		AggressiveBatchSize:      10,
		AggressiveInterBatchWait: 1 * time.Second,
		AggressiveIdleWait:       10 * time.Second,
		AggressiveThreshold:      20,
	}
}
