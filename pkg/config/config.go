package config

import "os"

// Config holds service configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string
	BundleDir   string
	AuditDBPath string
	OTLPTarget  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local SQLite file; set a postgres:// URL to use
		// the Postgres-backed store.
		dbURL = "tariffcore.db"
	}

	bundleDir := os.Getenv("BUNDLE_DIR")
	if bundleDir == "" {
		bundleDir = "bundles"
	}

	auditDB := os.Getenv("AUDIT_DB_PATH")
	if auditDB == "" {
		auditDB = "audit.db"
	}

	return &Config{
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		BundleDir:   bundleDir,
		AuditDBPath: auditDB,
		OTLPTarget:  os.Getenv("OTLP_TARGET"),
	}
}
