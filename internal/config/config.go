package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource       string
	Port           string
	BaseURL        string
	IndexerURL     string
	FacilitatorURL string
	Network        string
	WatchInterval  time.Duration
	IndexerTimeout time.Duration
	StrictAmount   bool
	Env            string
}

// Load reads configuration from the environment, after loading .env if one
// exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	indexerURL := os.Getenv("INDEXER_URL")
	if indexerURL == "" {
		return nil, fmt.Errorf("INDEXER_URL environment variable is required")
	}

	port := envOr("SERVER_PORT", "8080")

	cfg := &Config{
		DBSource:       dbSource,
		Port:           port,
		BaseURL:        envOr("BASE_URL", "http://localhost:"+port),
		IndexerURL:     indexerURL,
		FacilitatorURL: os.Getenv("FACILITATOR_URL"),
		Network:        envOr("NETWORK", "testnet"),
		Env:            envOr("ENVIRONMENT", "development"),
	}

	var err error
	if cfg.WatchInterval, err = envDuration("WATCH_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.IndexerTimeout, err = envDuration("INDEXER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.StrictAmount, err = envBool("PAYGATE_STRICT_AMOUNT", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
