package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultGatewayAddr  = ":9080"
	defaultHealthAddr   = ":9091"
	defaultScanInterval = 5 * time.Second
	defaultRunScanLimit = 200
	defaultMaxAttempts  = 3
	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envGatewayAddr      = "GATEWAY_HTTP_ADDR"
	envHealthAddr       = "ORCHESTRATOR_HTTP_ADDR"
	envScanInterval     = "ORCHESTRATOR_SCAN_INTERVAL"
	envRunScanLimit     = "ORCHESTRATOR_RUN_SCAN_LIMIT"
	envMaxAttempts      = "NODE_MAX_ATTEMPTS"
	envSandboxWorkDir   = "SANDBOX_WORK_DIR"
	envTenant           = "LOOM_TENANT"
)

// Config holds runtime configuration for the control plane components.
type Config struct {
	NatsURL         string
	RedisURL        string
	GatewayAddr     string
	HealthAddr      string
	ScanInterval    time.Duration
	RunScanLimit    int64
	NodeMaxAttempts int
	SandboxWorkDir  string
	Tenant          string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:         envOr(envNATSURL, defaultNATSURL),
		RedisURL:        envOr(envRedisURL, defaultRedisURL),
		GatewayAddr:     envOr(envGatewayAddr, defaultGatewayAddr),
		HealthAddr:      envOr(envHealthAddr, defaultHealthAddr),
		ScanInterval:    defaultScanInterval,
		RunScanLimit:    defaultRunScanLimit,
		NodeMaxAttempts: defaultMaxAttempts,
		SandboxWorkDir:  os.Getenv(envSandboxWorkDir),
		Tenant:          envOr(envTenant, "default"),
	}
	if v := os.Getenv(envScanInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ScanInterval = d
		}
	}
	if v := os.Getenv(envRunScanLimit); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.RunScanLimit = n
		}
	}
	if v := os.Getenv(envMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NodeMaxAttempts = n
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
