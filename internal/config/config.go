// Package config loads the correlator configuration from the environment,
// with connection credentials optionally pulled from Vault.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable recognised by the correlator.
type Config struct {
	// Connection endpoints.
	NATSURL  string
	PGURL    string
	RedisURL string

	// Rule execution.
	RulesTimeout       time.Duration // <=0 means no timeout
	MinRuleRunners     int
	MaxRuleRunners     int
	RuleRunnersMaxIdle int // seconds an on-demand worker may idle before reaping

	// Correlation.
	NagiosHLSHost string        // sentinel hostname carrying HLS events
	ContextTTL    time.Duration // lifetime of per-message context keys
	SharedTTL     time.Duration // lifetime of shared context keys

	// Operational surface.
	HTTPAddr     string
	OTelEndpoint string
}

// Load reads the configuration from environment variables, falling back to
// Vault for the connection URLs when VAULT_ADDR is set and the variables
// are absent. Defaults follow the reference deployment.
func Load() (Config, error) {
	cfg := Config{
		NATSURL:            envOr("NATS_URL", "nats://localhost:4222"),
		PGURL:              os.Getenv("PG_URL"),
		RedisURL:           envOr("REDIS_URL", "redis://localhost:6379/0"),
		RulesTimeout:       time.Duration(envInt("RULES_TIMEOUT", 5)) * time.Second,
		MinRuleRunners:     envInt("MIN_RULE_RUNNERS", 1),
		MaxRuleRunners:     envInt("MAX_RULE_RUNNERS", 4),
		RuleRunnersMaxIdle: envInt("RULE_RUNNERS_MAX_IDLE", 20),
		NagiosHLSHost:      envOr("NAGIOS_HLS_HOST", "__HLS__"),
		ContextTTL:         time.Duration(envInt("CONTEXT_TTL", 240)) * time.Second,
		SharedTTL:          time.Duration(envInt("SHARED_CONTEXT_TTL", 3600)) * time.Second,
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.PGURL == "" {
		secrets, err := loadVaultSecrets()
		if err != nil {
			return Config{}, fmt.Errorf("PG_URL unset and Vault lookup failed: %w", err)
		}
		cfg.PGURL, _ = secrets["PG_URL"].(string)
		if url, ok := secrets["NATS_URL"].(string); ok && url != "" {
			cfg.NATSURL = url
		}
		if url, ok := secrets["REDIS_URL"].(string); ok && url != "" {
			cfg.RedisURL = url
		}
	}
	if cfg.PGURL == "" {
		return Config{}, fmt.Errorf("no database DSN configured (PG_URL)")
	}
	if cfg.MaxRuleRunners < cfg.MinRuleRunners {
		cfg.MaxRuleRunners = cfg.MinRuleRunners
	}
	return cfg, nil
}

// loadVaultSecrets reads the correlator secret bundle from a KV v2 path.
func loadVaultSecrets() (map[string]interface{}, error) {
	addr := envOr("VAULT_ADDR", "http://localhost:8200")
	token := envOr("VAULT_TOKEN", "root")
	path := envOr("VAULT_SECRET_PATH", "secret/data/vigilo/correlator")

	sm, err := NewSecretManager(addr, token)
	if err != nil {
		return nil, err
	}
	return sm.GetKV2(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
