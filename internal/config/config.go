// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxMaxMemoryMB     = 16384
	maxTimeout         = 10 * time.Minute
	maxMaxHops         = 32
	maxDecodeWaitCap   = 2 * time.Minute
	maxRetryAttempts   = 10
	maxBatchWorkers    = 16
	maxRateLimitRPM    = 10000 // Maximum requests per minute per IP
	minAPIKeyLength    = 16    // Minimum API key length for security
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Resolver settings. MaxHops and DecodeWaitCap are empirically tuned
	// against target sites, not derived from any protocol guarantee, so
	// they are exposed here instead of hardcoded at call sites.
	MaxHops       int           // Total fetches per resolution
	HopTimeout    time.Duration // Per-hop fetch timeout
	DecodeWaitCap time.Duration // Cap on site-mandated verification waits
	RetryAttempts int           // Bounded retry on anti-bot 403s
	RetryBackoff  time.Duration // Base backoff between retries

	// Whole-resolution timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Decryption service (remote AES-CBC collaborator)
	DecryptorURL     string
	DecryptorTimeout time.Duration

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings - CRITICAL for memory efficiency
	BrowserPoolSize    int
	BrowserPoolTimeout time.Duration
	MaxMemoryMB        int

	// Headless escalation
	HeadlessNavTimeout  time.Duration // Navigation + click-through budget
	HeadlessSettleWait  time.Duration // Wait after last click before DOM scan
	HeadlessClickRounds int           // Bounded continue/verify click passes

	// Host rules (action words, direct hosts, ad blocklist)
	HostRulesPath      string // Path to external hostrules.yaml override file
	HostRulesHotReload bool   // Enable file watching for hot-reload

	// Resolution history (optional sqlite store)
	HistoryEnabled bool
	HistoryPath    string

	// Batch endpoint
	BatchWorkers int // Concurrent resolutions per link.batch request

	// Logging
	LogLevel  string
	LogChains bool // Log full visited chains (verbose)

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)

	// Security
	RateLimitEnabled    bool
	RateLimitRPM        int      // Requests per minute per IP
	TrustProxy          bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins  []string // Allowed CORS origins (empty = allow all with warning)
	AllowPrivateTargets bool     // Allow resolutions against private/loopback IPs (tests only)

	// API Key Authentication
	APIKeyEnabled bool   // Enable API key authentication
	APIKey        string // Required API key for requests (only used if APIKeyEnabled is true)

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8192),

		// Resolver
		MaxHops:       getEnvInt("RESOLVER_MAX_HOPS", 8),
		HopTimeout:    getEnvDuration("RESOLVER_HOP_TIMEOUT", 15*time.Second),
		DecodeWaitCap: getEnvDuration("RESOLVER_DECODE_WAIT_CAP", 30*time.Second),
		RetryAttempts: getEnvInt("RESOLVER_RETRY_ATTEMPTS", 3),
		RetryBackoff:  getEnvDuration("RESOLVER_RETRY_BACKOFF", 2*time.Second),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 120*time.Second),

		// Decryption service
		DecryptorURL:     getEnvString("DECRYPTOR_URL", ""),
		DecryptorTimeout: getEnvDuration("DECRYPTOR_TIMEOUT", 20*time.Second),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool
		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),
		MaxMemoryMB:        getEnvInt("MAX_MEMORY_MB", 2048),

		// Headless escalation
		HeadlessNavTimeout:  getEnvDuration("HEADLESS_NAV_TIMEOUT", 30*time.Second),
		HeadlessSettleWait:  getEnvDuration("HEADLESS_SETTLE_WAIT", 3*time.Second),
		HeadlessClickRounds: getEnvInt("HEADLESS_CLICK_ROUNDS", 3),

		// Host rules
		HostRulesPath:      getEnvString("HOSTRULES_PATH", ""),
		HostRulesHotReload: getEnvBool("HOSTRULES_HOT_RELOAD", false),

		// History
		HistoryEnabled: getEnvBool("HISTORY_ENABLED", false),
		HistoryPath:    getEnvString("HISTORY_PATH", "resolvarr.db"),

		// Batch
		BatchWorkers: getEnvInt("BATCH_WORKERS", 4),

		// Logging
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogChains: getEnvBool("LOG_CHAINS", false),

		// Profiling
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		// Security
		RateLimitEnabled:    getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:          getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins:  getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		AllowPrivateTargets: getEnvBool("ALLOW_PRIVATE_TARGETS", false),

		// API key
		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		// Metrics
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9191),
	}
}

// Validate checks configuration bounds and clamps out-of-range values.
// Invalid values are corrected with a warning rather than failing startup.
func (c *Config) Validate() {
	if c.Port < 1 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("PORT out of range, using 8192")
		c.Port = 8192
	}

	if c.MaxHops < 1 {
		log.Warn().Int("max_hops", c.MaxHops).Msg("RESOLVER_MAX_HOPS too low, using 1")
		c.MaxHops = 1
	} else if c.MaxHops > maxMaxHops {
		log.Warn().Int("max_hops", c.MaxHops).Int("max", maxMaxHops).Msg("RESOLVER_MAX_HOPS too high, capping")
		c.MaxHops = maxMaxHops
	}

	if c.HopTimeout < time.Second {
		log.Warn().Dur("timeout", c.HopTimeout).Msg("RESOLVER_HOP_TIMEOUT too short, using 1s")
		c.HopTimeout = time.Second
	}

	if c.DecodeWaitCap > maxDecodeWaitCap {
		log.Warn().Dur("cap", c.DecodeWaitCap).Dur("max", maxDecodeWaitCap).Msg("RESOLVER_DECODE_WAIT_CAP too long, capping")
		c.DecodeWaitCap = maxDecodeWaitCap
	}

	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts > maxRetryAttempts {
		log.Warn().Int("attempts", c.RetryAttempts).Int("max", maxRetryAttempts).Msg("RESOLVER_RETRY_ATTEMPTS too high, capping")
		c.RetryAttempts = maxRetryAttempts
	}

	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("DEFAULT_TIMEOUT exceeds MAX_TIMEOUT, clamping")
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Dur("max", maxTimeout).Msg("MAX_TIMEOUT too long, capping")
		c.MaxTimeout = maxTimeout
	}

	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("BROWSER_POOL_SIZE too low, using 1")
		c.BrowserPoolSize = 1
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().Int("size", c.BrowserPoolSize).Int("max", maxBrowserPoolSize).Msg("BROWSER_POOL_SIZE too high, capping")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	if c.MaxMemoryMB < 0 {
		c.MaxMemoryMB = 0
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().Int("mb", c.MaxMemoryMB).Int("max", maxMaxMemoryMB).Msg("MAX_MEMORY_MB too high, capping")
		c.MaxMemoryMB = maxMaxMemoryMB
	}

	if c.BatchWorkers < 1 {
		c.BatchWorkers = 1
	} else if c.BatchWorkers > maxBatchWorkers {
		log.Warn().Int("workers", c.BatchWorkers).Int("max", maxBatchWorkers).Msg("BATCH_WORKERS too high, capping")
		c.BatchWorkers = maxBatchWorkers
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("RATE_LIMIT_RPM too low, using 60")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("RATE_LIMIT_RPM too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	if c.DecryptorURL != "" && !strings.HasPrefix(c.DecryptorURL, "http") {
		log.Warn().Str("url", c.DecryptorURL).Msg("DECRYPTOR_URL is not an http(s) URL, remote decode disabled")
		c.DecryptorURL = ""
	}

	// Warn if hot-reload is enabled but no path is set
	if c.HostRulesHotReload && c.HostRulesPath == "" {
		log.Warn().Msg("HOSTRULES_HOT_RELOAD enabled but HOSTRULES_PATH not set - hot-reload disabled")
		c.HostRulesHotReload = false
	}
	if c.HostRulesHotReload && c.HostRulesPath != "" {
		if _, err := os.Stat(c.HostRulesPath); os.IsNotExist(err) {
			log.Warn().
				Str("path", c.HostRulesPath).
				Msg("HOSTRULES_PATH does not exist - hot-reload will watch for file creation")
		}
	}

	// API key validation with minimum length enforcement
	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
