package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server holds the API server configuration.
type Server struct {
	DBSource        string
	Port            string
	Env             string
	RedisAddr       string
	KafkaBrokers    []string
	KafkaTopic      string
	ProcessorURL    string
	ProcessorAPIKey string
	WebhookSecret   string
}

// LoadServer reads the API server configuration from the environment.
func LoadServer() (*Server, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	processorURL := os.Getenv("PROCESSOR_URL")
	if processorURL == "" {
		return nil, fmt.Errorf("PROCESSOR_URL environment variable is required")
	}

	cfg := &Server{
		DBSource:        dbSource,
		Port:            envOr("SERVER_PORT", "8080"),
		Env:             envOr("ENVIRONMENT", "development"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		KafkaTopic:      envOr("KAFKA_TOPIC", "transaction_reconciled"),
		ProcessorURL:    processorURL,
		ProcessorAPIKey: os.Getenv("PROCESSOR_API_KEY"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	return cfg, nil
}

// Edge holds the edge agent configuration. Cache generations are derived
// from the single Version parameter.
type Edge struct {
	ListenAddr      string
	UpstreamURL     string
	UserID          string
	DataDir         string
	Version         string
	ProbeInterval   time.Duration
	DrainDelay      time.Duration
	FreshnessWindow time.Duration
	StuckThreshold  time.Duration
}

// LoadEdge reads the edge agent configuration from the environment.
func LoadEdge() (*Edge, error) {
	upstream := os.Getenv("UPSTREAM_URL")
	if upstream == "" {
		return nil, fmt.Errorf("UPSTREAM_URL environment variable is required")
	}

	userID := os.Getenv("EDGE_USER_ID")
	if userID == "" {
		return nil, fmt.Errorf("EDGE_USER_ID environment variable is required")
	}

	home, _ := os.UserHomeDir()
	cfg := &Edge{
		ListenAddr:      envOr("EDGE_LISTEN_ADDR", ":7080"),
		UpstreamURL:     upstream,
		UserID:          userID,
		DataDir:         envOr("EDGE_DATA_DIR", home+"/.finxchange"),
		Version:         envOr("EDGE_VERSION", "v1"),
		ProbeInterval:   envDurationOr("EDGE_PROBE_INTERVAL", 10*time.Second),
		DrainDelay:      envDurationOr("EDGE_DRAIN_DELAY", time.Second),
		FreshnessWindow: envDurationOr("EDGE_CACHE_FRESHNESS", 5*time.Minute),
		StuckThreshold:  envDurationOr("EDGE_STUCK_THRESHOLD", 10*time.Minute),
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are taken as seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
