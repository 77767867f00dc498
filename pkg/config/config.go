// Package config loads environment-driven settings for the strategy engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings.
type Config struct {
	Port string

	// Scheduling
	StrategyCheckIntervalMinutes int
	SnapshotIntervalHours        int

	// Execution
	DryRun bool

	// Persistence
	DBPath string

	// Auth / crypto
	JWTSecret                 string
	CredentialEncryptionKey   string
	CredentialEncryptionKeyV2 string

	// HTTP
	CORSOrigins []string

	// Binance venue defaults (loaded from the environment; no other package
	// reads them)
	BinanceTestnet bool
	DefaultSymbols []string
}

// Load reads environment variables (optionally from a .env file).
func Load() (*Config, error) {
	_ = godotenv.Load() // ignore error; app still starts without .env

	dbPath := getEnv("DATABASE_URI", "")
	if dbPath == "" {
		dbPath = getEnv("DB_PATH", "./data/strategyengine.db")
	}

	checkInterval := getEnvInt("STRATEGY_CHECK_INTERVAL_MINUTES", 5)
	if checkInterval < 1 || checkInterval > 60 {
		return nil, fmt.Errorf("STRATEGY_CHECK_INTERVAL_MINUTES must be in [1,60], got %d", checkInterval)
	}

	snapshotInterval := getEnvInt("SNAPSHOT_INTERVAL_HOURS", 4)
	if snapshotInterval < 1 || snapshotInterval > 24 {
		return nil, fmt.Errorf("SNAPSHOT_INTERVAL_HOURS must be in [1,24], got %d", snapshotInterval)
	}

	encKey := getEnv("CREDENTIAL_ENCRYPTION_KEY", "")
	if encKey == "" {
		// Dev fallback; production deployments must set a real 32-byte key.
		encKey = "dev-only-32-byte-placeholder-key"
	}
	// CREDENTIAL_ENCRYPTION_KEY_V2 is optional: set it to rotate the master
	// key without breaking decryption of credentials already encrypted
	// under version 1.
	encKeyV2 := getEnv("CREDENTIAL_ENCRYPTION_KEY_V2", "")

	return &Config{
		Port:                          getEnv("PORT", "8080"),
		StrategyCheckIntervalMinutes:  checkInterval,
		SnapshotIntervalHours:         snapshotInterval,
		DryRun:                        getEnv("STRATEGY_DRY_RUN", "true") == "true",
		DBPath:                        dbPath,
		JWTSecret:                     getEnv("JWT_SECRET", "dev-secret"),
		CredentialEncryptionKey:       encKey,
		CredentialEncryptionKeyV2:     encKeyV2,
		CORSOrigins:                   splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		BinanceTestnet:                getEnv("BINANCE_TESTNET", "false") == "true",
		DefaultSymbols:                splitAndTrim(getEnv("DEFAULT_SYMBOLS", "BTCUSDT,ETHUSDT")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
