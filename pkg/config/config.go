// Package config loads vault-engine configuration from environment
// variables with defaults, in the teacher's flat-struct/os.Getenv style.
package config

import (
	"os"
	"strconv"
)

// Config holds vault-engine configuration.
type Config struct {
	VaultPath                   string
	ConflictConfidenceThreshold float64
	CASBackend                  string
	CASBucket                   string
	CryptoShredDBPath           string
	SnapshotEveryEvents         int
	LedgerMirrorDSN             string
	LogLevel                    string
	MetricsEnabled              bool
}

// Load loads configuration from environment variables, falling back to
// safe local defaults when unset.
func Load() *Config {
	vaultPath := os.Getenv("PROVARA_VAULT_PATH")
	if vaultPath == "" {
		vaultPath = "."
	}

	threshold := 0.8
	if v := os.Getenv("PROVARA_CONFLICT_CONFIDENCE_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			threshold = parsed
		}
	}

	casBackend := os.Getenv("PROVARA_CAS_BACKEND")
	if casBackend == "" {
		casBackend = "local"
	}

	shredDB := os.Getenv("PROVARA_CRYPTOSHRED_DB_PATH")
	if shredDB == "" {
		shredDB = "identity/privacy_keys.db"
	}

	snapshotEvery := 100000
	if v := os.Getenv("PROVARA_SNAPSHOT_EVERY_EVENTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			snapshotEvery = parsed
		}
	}

	logLevel := os.Getenv("PROVARA_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		VaultPath:                   vaultPath,
		ConflictConfidenceThreshold: threshold,
		CASBackend:                  casBackend,
		CASBucket:                   os.Getenv("PROVARA_CAS_BUCKET"),
		CryptoShredDBPath:           shredDB,
		SnapshotEveryEvents:         snapshotEvery,
		LedgerMirrorDSN:             os.Getenv("PROVARA_LEDGER_MIRROR_DSN"),
		LogLevel:                    logLevel,
		MetricsEnabled:              os.Getenv("PROVARA_METRICS_ENABLED") == "true",
	}
}
