package config

import "os"

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultAdminAddr    = ":9090"
	defaultLimitsConfig = "config/limits.yaml"
	defaultKeysConfig   = "config/keys.yaml"
	defaultTempDir      = "/tmp/filegram"
	defaultRedirectURL  = ""

	envNATSURL       = "NATS_URL"
	envRedisURL      = "REDIS_URL"
	envAdminAddr     = "ADMIN_ADDR"
	envLimitsPath    = "LIMITS_CONFIG_PATH"
	envKeysPath      = "KEYS_CONFIG_PATH"
	envTempDir       = "TEMP_DIR"
	envRedirectURL   = "REDIRECT_URL"
	envStoreChannel  = "STORE_CHANNEL"
	envSessionPolicy = "SESSION_BUSY_POLICY"
)

// Config holds runtime configuration for the bot service and CLI.
type Config struct {
	NatsURL      string
	RedisURL     string
	AdminAddr    string
	LimitsPath   string
	KeysPath     string
	TempDir      string
	RedirectURL  string
	StoreChannel string
	// SessionBusyPolicy is "reject" or "wait" (see session.BusyPolicy).
	SessionBusyPolicy string
}

// Load returns configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:           getenv(envNATSURL, defaultNATSURL),
		RedisURL:          getenv(envRedisURL, defaultRedisURL),
		AdminAddr:         getenv(envAdminAddr, defaultAdminAddr),
		LimitsPath:        getenv(envLimitsPath, defaultLimitsConfig),
		KeysPath:          getenv(envKeysPath, defaultKeysConfig),
		TempDir:           getenv(envTempDir, defaultTempDir),
		RedirectURL:       getenv(envRedirectURL, defaultRedirectURL),
		StoreChannel:      getenv(envStoreChannel, "store-channel"),
		SessionBusyPolicy: getenv(envSessionPolicy, "reject"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
