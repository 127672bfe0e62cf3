// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every externally supplied knob for the trade brokering core.
// All values come from the environment; nothing here is computed.
type Config struct {
	// HTTP surface.
	Port        string
	AdminSecret string

	// Storage.
	DataDir   string
	RedisAddr string

	// External API quota, shared across all process instances.
	MaxRequestsPerWindow int
	Window               time.Duration

	// Agent login policy.
	MaxLoginAttempts int
	LoginBackoffBase time.Duration
	LoginBackoffCap  time.Duration

	// Dispatch retry policy.
	MaxJobAttempts  int
	JobRetryBackoff time.Duration

	// Agent eligibility. Kept below Steam's hard inventory ceiling to
	// leave headroom for in-flight offers.
	InventoryCapacityThreshold int

	HealthCheckInterval time.Duration

	// Status listener endpoint (websocket).
	ListenerURL string

	// Fraud gate endpoint. Empty disables the remote gate (dev only).
	FraudGateURL string

	// Payment provider refund endpoint. Empty logs refunds instead of
	// issuing them (dev only).
	RefundURL string

	// Passphrase for agent credentials at rest.
	VaultPassphrase string
}

// FromEnv builds a Config from environment variables, applying defaults
// for everything except the admin secret.
func FromEnv() (*Config, error) {
	c := &Config{
		Port:        getEnv("PORT", "8080"),
		AdminSecret: getEnv("SKINVAULT_SECRET", ""),
		DataDir:     getEnv("SKINVAULT_DATA_DIR", "data"),
		RedisAddr:   getEnv("SKINVAULT_REDIS_ADDR", "localhost:6379"),

		MaxRequestsPerWindow: getEnvInt("SKINVAULT_MAX_REQUESTS_PER_WINDOW", 20),
		Window:               getEnvMillis("SKINVAULT_WINDOW_MS", 10*time.Second),

		MaxLoginAttempts: getEnvInt("SKINVAULT_MAX_LOGIN_ATTEMPTS", 5),
		LoginBackoffBase: getEnvMillis("SKINVAULT_LOGIN_BACKOFF_BASE_MS", 2*time.Second),
		LoginBackoffCap:  getEnvMillis("SKINVAULT_LOGIN_BACKOFF_CAP_MS", time.Minute),

		MaxJobAttempts:  getEnvInt("SKINVAULT_MAX_JOB_ATTEMPTS", 3),
		JobRetryBackoff: getEnvMillis("SKINVAULT_JOB_RETRY_BACKOFF_MS", 5*time.Second),

		InventoryCapacityThreshold: getEnvInt("SKINVAULT_INVENTORY_CAPACITY", 900),

		HealthCheckInterval: getEnvMillis("SKINVAULT_HEALTH_CHECK_INTERVAL_MS", time.Minute),

		ListenerURL:  getEnv("SKINVAULT_LISTENER_URL", ""),
		FraudGateURL: getEnv("SKINVAULT_FRAUD_GATE_URL", ""),
		RefundURL:    getEnv("SKINVAULT_REFUND_URL", ""),

		VaultPassphrase: getEnv("SKINVAULT_VAULT_PASSPHRASE", ""),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.AdminSecret == "" {
		return fmt.Errorf("SKINVAULT_SECRET environment variable is required")
	}
	if c.VaultPassphrase == "" {
		return fmt.Errorf("SKINVAULT_VAULT_PASSPHRASE environment variable is required")
	}
	if c.MaxRequestsPerWindow <= 0 {
		return fmt.Errorf("max requests per window must be positive, got %d", c.MaxRequestsPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.MaxLoginAttempts <= 0 {
		return fmt.Errorf("max login attempts must be positive, got %d", c.MaxLoginAttempts)
	}
	if c.MaxJobAttempts <= 0 {
		return fmt.Errorf("max job attempts must be positive, got %d", c.MaxJobAttempts)
	}
	if c.InventoryCapacityThreshold <= 0 {
		return fmt.Errorf("inventory capacity threshold must be positive, got %d", c.InventoryCapacityThreshold)
	}
	return nil
}

// --------- Env helpers ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvMillis reads an integer millisecond value into a time.Duration.
func getEnvMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
