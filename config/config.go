// Package config reads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string

	DatabaseURL string
	JWTSecret   string

	RedisAddr string
	RedisPass string
	RedisDB   int

	KafkaBrokers []string
	KafkaTopic   string

	SMTP SMTPConfig

	CORSOrigins []string

	LoginAttempts int
	LoginWindow   time.Duration

	Backup BackupConfig

	AuditExportDir     string
	AuditRetentionDays int

	WorkerConcurrency int
	WorkerBatchSize   int
	WorkerMaxAttempts int
	WorkerInterval    time.Duration
	WorkerBackoff     time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type BackupConfig struct {
	Dir                   string
	FileDirs              []string
	PGDumpPath            string
	DatabaseRetentionDays int
	FilesRetentionDays    int
}

// Load reads .env when present and returns the merged configuration.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() Config {
	return Config{
		Env:      getEnv("APP_ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		RedisPass: getEnv("REDIS_PASS", ""),
		RedisDB:   getInt("REDIS_DB", 0),

		KafkaBrokers: parseCSVEnv("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "shipments"),

		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@shopexpress.local"),
		},

		CORSOrigins: parseCSVEnv("CORS_ORIGINS", "*"),

		LoginAttempts: getInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:   getDuration("LOGIN_WINDOW", time.Minute),

		Backup: BackupConfig{
			Dir:                   getEnv("BACKUP_DIR", "storage/backups"),
			FileDirs:              parseCSVEnv("BACKUP_FILE_DIRS", "storage/app"),
			PGDumpPath:            getEnv("PG_DUMP_PATH", "pg_dump"),
			DatabaseRetentionDays: getInt("BACKUP_DB_RETENTION_DAYS", 30),
			FilesRetentionDays:    getInt("BACKUP_FILES_RETENTION_DAYS", 14),
		},

		AuditExportDir:     getEnv("AUDIT_EXPORT_DIR", "storage/exports"),
		AuditRetentionDays: getInt("AUDIT_RETENTION_DAYS", 365),

		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 2),
		WorkerBatchSize:   getInt("WORKER_BATCH_SIZE", 20),
		WorkerMaxAttempts: getInt("WORKER_MAX_ATTEMPTS", 5),
		WorkerInterval:    getDuration("WORKER_INTERVAL", 2*time.Second),
		WorkerBackoff:     getDuration("WORKER_RETRY_BACKOFF", 30*time.Second),
	}
}

// Validate checks the settings every binary needs.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if c.JWTSecret == "" && c.Env != "development" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("config: WORKER_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return d
}

func parseCSVEnv(key, fallback string) []string {
	val := getEnv(key, fallback)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
