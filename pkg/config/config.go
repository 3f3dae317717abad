package config

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"quantcore/pkg/crypto"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Strategy definitions
	StrategiesFile string

	// Exchange
	AccountID      string
	BybitTestnet   bool
	BybitAPIKey    string
	BybitAPISecret string
	UseSimClient   bool
	SimSeed        int64
	SimStartPrice  float64
	SimEquity      float64

	// Risk
	AccountLeverageCap   float64
	PortfolioDrawdownPct float64
	StrategyDrawdownPct  float64
	AutoResumePct        float64
	BreakerSweepInterval time.Duration

	// Timers
	CandlePollInterval   time.Duration
	FundingRefreshEvery  time.Duration
	EquitySnapshotEvery  time.Duration
	ShutdownDrainTimeout time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
// API credentials may be stored encrypted (ENC[vN]: prefix); they are
// decrypted with the key from CREDENTIAL_KEY when present.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/quantcore.db"),
		StrategiesFile:       getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		AccountID:            getEnv("ACCOUNT_ID", "main"),
		BybitTestnet:         getEnv("BYBIT_TESTNET", "false") == "true",
		BybitAPIKey:          os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret:       os.Getenv("BYBIT_API_SECRET"),
		UseSimClient:         getEnv("USE_SIM_CLIENT", "true") == "true",
		SimSeed:              int64(getEnvInt("SIM_SEED", 42)),
		SimStartPrice:        getEnvFloat("SIM_START_PRICE", 50000),
		SimEquity:            getEnvFloat("SIM_EQUITY", 10000),
		AccountLeverageCap:   getEnvFloat("ACCOUNT_LEVERAGE_CAP", 5),
		PortfolioDrawdownPct: getEnvFloat("PORTFOLIO_DRAWDOWN_PCT", 25),
		StrategyDrawdownPct:  getEnvFloat("STRATEGY_DRAWDOWN_PCT", 15),
		AutoResumePct:        getEnvFloat("AUTO_RESUME_PCT", 10),
		BreakerSweepInterval: getEnvDuration("BREAKER_SWEEP_INTERVAL", 30*time.Second),
		CandlePollInterval:   getEnvDuration("CANDLE_POLL_INTERVAL", 15*time.Second),
		FundingRefreshEvery:  getEnvDuration("FUNDING_REFRESH_EVERY", 10*time.Minute),
		EquitySnapshotEvery:  getEnvDuration("EQUITY_SNAPSHOT_EVERY", time.Minute),
		ShutdownDrainTimeout: getEnvDuration("SHUTDOWN_DRAIN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.decryptCredentials(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decryptCredentials replaces ENC[vN]: values in place when a credential
// key is configured. Plaintext credentials pass through untouched.
func (c *Config) decryptCredentials() error {
	if crypto.ParseVersion(c.BybitAPIKey) == 0 && crypto.ParseVersion(c.BybitAPISecret) == 0 {
		return nil
	}
	raw := os.Getenv("CREDENTIAL_KEY")
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return err
	}
	enc, err := crypto.NewEncryptor(key, 1)
	if err != nil {
		return err
	}
	if crypto.ParseVersion(c.BybitAPIKey) > 0 {
		if c.BybitAPIKey, err = enc.Decrypt(c.BybitAPIKey); err != nil {
			return err
		}
	}
	if crypto.ParseVersion(c.BybitAPISecret) > 0 {
		if c.BybitAPISecret, err = enc.Decrypt(c.BybitAPISecret); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
