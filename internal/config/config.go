package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	HTTPTimeout     time.Duration
	FetchMaxElapsed time.Duration
	FIMANURL        string
	FIMANGaugeKeys  string // path to the site_id,Sensor,sensor_id CSV

	PressureFloor     float64
	QAQCRateThreshold float64
	CorrectWindow     time.Duration
	BaselineBuffer    time.Duration
	Concurrency       int

	ProcessInterval time.Duration
	CorrectInterval time.Duration

	CacheSize int
	RedisURL  string
	CacheTTL  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	MetricsAddr  string
	StoreTimeout time.Duration
	StoreRetries int
}

// Load reads configuration from the environment (and a .env file when present),
// applying defaults where unset.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		DatabaseURL:    databaseURL(),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "json"),
		FIMANURL:       os.Getenv("FIMAN_URL"),
		FIMANGaugeKeys: os.Getenv("FIMAN_GAUGE_KEYS"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaBrokers:   parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     envOrDefault("KAFKA_TOPIC", "sdf-water-levels"),
		MetricsAddr:    envOrDefault("METRICS_ADDR", ":9090"),
	}

	var err error
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"HTTP_TIMEOUT", "30s", &cfg.HTTPTimeout},
		{"FETCH_MAX_ELAPSED", "2m", &cfg.FetchMaxElapsed},
		{"CORRECT_WINDOW", "168h", &cfg.CorrectWindow},
		{"BASELINE_BUFFER", "168h", &cfg.BaselineBuffer},
		{"PROCESS_INTERVAL", "6m", &cfg.ProcessInterval},
		{"CORRECT_INTERVAL", "1h", &cfg.CorrectInterval},
		{"CACHE_TTL", "24h", &cfg.CacheTTL},
		{"STORE_TIMEOUT", "30s", &cfg.StoreTimeout},
	}
	for _, d := range durations {
		if *d.dest, err = parseDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.PressureFloor, err = parseFloat("PRESSURE_FLOOR", 800); err != nil {
		return nil, err
	}
	if cfg.QAQCRateThreshold, err = parseFloat("QAQC_RATE_THRESHOLD", 0.1); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = parseInt("CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.CacheSize, err = parseInt("CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.StoreRetries, err = parseInt("STORE_RETRIES", 3); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.QAQCRateThreshold <= 0 {
		return nil, errors.New("QAQC_RATE_THRESHOLD must be positive")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("CONCURRENCY must be at least 1")
	}
	if cfg.StoreRetries < 0 {
		return nil, errors.New("STORE_RETRIES must not be negative")
	}
	if cfg.FIMANURL != "" && cfg.FIMANGaugeKeys == "" {
		return nil, errors.New("FIMAN_URL is set but FIMAN_GAUGE_KEYS is not")
	}

	return cfg, nil
}

// databaseURL prefers DATABASE_URL, then assembles a postgres URL from the POSTGRESQL_*
// credentials, then falls back to a local SQLite file.
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	host := os.Getenv("POSTGRESQL_HOSTNAME")
	if host == "" {
		return "data/sdfcal.db"
	}
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(os.Getenv("POSTGRESQL_USER"), os.Getenv("POSTGRESQL_PASSWORD")),
		Host:   host,
		Path:   "/" + os.Getenv("POSTGRESQL_DATABASE"),
	}
	return u.String()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
