package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"retssync/internal/app"
	"retssync/internal/config"
	"retssync/internal/logging"
)

func main() {
	var cfg config.Config

	flag.StringVar(&cfg.RETSLoginURL, "rets-login-url", getEnv("RETS_LOGIN_URL", ""), "RETS login URL")
	flag.StringVar(&cfg.RETSVersion, "rets-version", getEnv("RETS_VERSION", "RETS/1.7.2"), "RETS-Version header value")
	flag.StringVar(&cfg.RETSVendor, "rets-vendor", getEnv("RETS_VENDOR", ""), "RETS server vendor (informational)")
	flag.StringVar(&cfg.RETSUsername, "rets-username", getEnv("RETS_USERNAME", ""), "RETS login username")
	flag.StringVar(&cfg.RETSPassword, "rets-password", getEnv("RETS_PASSWORD", ""), "RETS login password")
	flag.StringVar(&cfg.RETSUserAgent, "rets-user-agent", getEnv("RETS_USER_AGENT", "retssync/1.0"), "User-Agent header value")

	flag.StringVar((*string)(&cfg.DBBackend), "db-backend", getEnv("DB_BACKEND", "mysql"), "database backend (mysql or sqlite)")
	flag.StringVar(&cfg.MySQLDSN, "mysql-dsn", getEnv("MYSQL_DSN", ""), "full MySQL DSN (overrides the discrete MYSQL_* fields below)")
	flag.StringVar(&cfg.MySQLHost, "mysql-host", getEnv("MYSQL_HOST", "localhost"), "MySQL host")
	flag.IntVar(&cfg.MySQLPort, "mysql-port", getEnvInt("MYSQL_PORT", 3306), "MySQL port")
	flag.StringVar(&cfg.MySQLUser, "mysql-user", getEnv("MYSQL_USER", "rets_user"), "MySQL user")
	flag.StringVar(&cfg.MySQLPassword, "mysql-password", getEnv("MYSQL_PASSWORD", "rets_password"), "MySQL password")
	flag.StringVar(&cfg.MySQLDatabase, "mysql-database", getEnv("MYSQL_DATABASE", "rets_data"), "MySQL database name")
	flag.StringVar(&cfg.SQLitePath, "sqlite-path", getEnv("SQLITE_PATH", ""), "SQLite file path (used when db-backend=sqlite)")
	flag.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", getEnvInt("DB_MAX_OPEN_CONNS", 10), "max open db connections")
	flag.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", getEnvInt("DB_MAX_IDLE_CONNS", 0), "max idle db connections (0=driver default)")
	flag.DurationVar(&cfg.DBConnMaxLifetime, "db-conn-max-lifetime", getEnvDuration("DB_CONN_MAX_LIFETIME", 0), "max db connection lifetime (0=unlimited)")

	flag.StringVar(&cfg.ObjectStorageAccessKey, "object-storage-access-key", getEnv("OBJECT_STORAGE_ACCESS_KEY", ""), "S3-compatible access key")
	flag.StringVar(&cfg.ObjectStorageSecretKey, "object-storage-secret-key", getEnv("OBJECT_STORAGE_SECRET_KEY", ""), "S3-compatible secret key")
	flag.StringVar(&cfg.ObjectStorageEndpoint, "object-storage-endpoint", getEnv("OBJECT_STORAGE_ENDPOINT", ""), "S3-compatible endpoint URL")
	flag.StringVar(&cfg.ObjectStorageBucket, "object-storage-bucket", getEnv("OBJECT_STORAGE_BUCKET", ""), "S3-compatible bucket name")
	flag.StringVar(&cfg.ObjectStorageRegion, "object-storage-region", getEnv("OBJECT_STORAGE_REGION", "us-east-1"), "S3-compatible region")

	flag.StringVar(&cfg.CwebpPath, "cwebp-path", getEnv("CWEBP_PATH", ""), "path to the cwebp binary (empty resolves via PATH)")
	flag.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "./data"), "data directory (session cache, catalog cache, lockout set, photo staging)")

	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (text or json)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (unused by the current logger, reserved)")
	flag.StringVar(&cfg.Addr, "addr", getEnv("ADDR", "127.0.0.1:9090"), "debug/metrics HTTP listen address")

	flag.DurationVar(&cfg.SyncInterval, "sync-interval", getEnvDuration("SYNC_INTERVAL", 60*time.Second), "sync engine cycle interval")

	photoDefaults := config.DefaultPhotoScheduler()
	flag.IntVar(&cfg.PhotoScheduler.NormalBatchSize, "photo-normal-batch-size", getEnvInt("PHOTO_NORMAL_BATCH_SIZE", photoDefaults.NormalBatchSize), "Normal-mode photo batch size")
	flag.DurationVar(&cfg.PhotoScheduler.NormalInterBatchWait, "photo-normal-inter-batch-wait", getEnvDuration("PHOTO_NORMAL_INTER_BATCH_WAIT", photoDefaults.NormalInterBatchWait), "Normal-mode wait between batches")
	flag.DurationVar(&cfg.PhotoScheduler.NormalIdleWait, "photo-normal-idle-wait", getEnvDuration("PHOTO_NORMAL_IDLE_WAIT", photoDefaults.NormalIdleWait), "Normal-mode wait when no work is pending")
	flag.IntVar(&cfg.PhotoScheduler.AggressiveBatchSize, "photo-aggressive-batch-size", getEnvInt("PHOTO_AGGRESSIVE_BATCH_SIZE", photoDefaults.AggressiveBatchSize), "Aggressive-mode photo batch size")
	flag.DurationVar(&cfg.PhotoScheduler.AggressiveInterBatchWait, "photo-aggressive-inter-batch-wait", getEnvDuration("PHOTO_AGGRESSIVE_INTER_BATCH_WAIT", photoDefaults.AggressiveInterBatchWait), "Aggressive-mode wait between batches")
	flag.DurationVar(&cfg.PhotoScheduler.AggressiveIdleWait, "photo-aggressive-idle-wait", getEnvDuration("PHOTO_AGGRESSIVE_IDLE_WAIT", photoDefaults.AggressiveIdleWait), "Aggressive-mode wait when no work is pending")
	flag.IntVar(&cfg.PhotoScheduler.AggressiveThreshold, "photo-aggressive-threshold", getEnvInt("PHOTO_AGGRESSIVE_THRESHOLD", photoDefaults.AggressiveThreshold), "pending-listing count that switches Normal to Aggressive mode")

	flag.Parse()

	logger, err := logging.Setup(cfg.LogFormat)
	if err != nil {
		log.Fatalf("invalid LOG_FORMAT %q: %v", cfg.LogFormat, err)
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		logging.Fatalf("server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}
