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
	maxSlotPoolSize         = 64
	maxMaxOutstandingMsgs   = 5000
	maxMaxOutstandingBytes  = 512 * 1024 * 1024
	maxTimeout              = 10 * time.Minute
	maxRateLimitRPM         = 10000
	minAPIKeyLength         = 16
	maxDedupTTLSeconds      = 7 * 24 * 3600
	maxInflightTTLSeconds   = 3600
	maxSSEBlockMilliseconds = 60000
)

// Config holds all application configuration for the four services.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// LLM / agent settings
	GoogleAPIKey string
	ExtensionsDir string

	// Slot pool settings (C1)
	SlotPoolSize  int
	BaseDisplay   int
	BaseVNCPort   int
	BaseWebPort   int
	ProfilesDir   string

	// Process supervisor settings (C2)
	DisplayReadyTimeout time.Duration
	BrowserAttachRetries int
	GracefulStopTimeout  time.Duration
	VNCBaseURL           string

	// Session registry settings (C3)
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessions            int

	// HITL
	HITLWebhookURL string

	// Redis (log relay + dedup cache)
	RedisURL    string
	RedisStream string

	// Pub/Sub (work topic)
	GoogleCloudProject string
	PubSubSubscription string
	PubSubTopicName    string

	// Dispatch consumer (C6)
	ProcessorURL            string
	HTTPConnectTimeout      time.Duration
	HTTPWriteTimeout        time.Duration
	HTTPReadTimeout         time.Duration
	HTTPPoolTimeout         time.Duration
	MaxOutstandingMessages  int
	MaxOutstandingBytes     int
	DedupTTLSeconds         int
	InflightTTLSeconds      int
	AckOnPlannerFailure     bool

	// Progress store (C7)
	DatabaseURL string

	// Log relay (C8)
	SSEBlockMilliseconds int

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Logging
	LogLevel string
	LogHTML  bool

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8080),

		GoogleAPIKey:  getEnvString("GOOGLE_API_KEY", ""),
		ExtensionsDir: getEnvString("EXTENSIONS_DIR", ""),

		SlotPoolSize: getEnvInt("SLOT_POOL_SIZE", 10),
		BaseDisplay:  getEnvInt("BASE_DISPLAY", 100),
		BaseVNCPort:  getEnvInt("BASE_VNC_PORT", 5900),
		BaseWebPort:  getEnvInt("BASE_WEB_PORT", 6900),
		ProfilesDir:  getEnvString("PROFILES_DIR", "/tmp/browser_profiles"),

		DisplayReadyTimeout:  getEnvDuration("DISPLAY_READY_TIMEOUT", 10*time.Second),
		BrowserAttachRetries: getEnvInt("BROWSER_ATTACH_RETRIES", 3),
		GracefulStopTimeout:  getEnvDuration("GRACEFUL_STOP_TIMEOUT", 2*time.Second),
		VNCBaseURL:           getEnvString("VNC_BASE_URL", "http://127.0.0.1"),

		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		MaxSessions:            getEnvInt("MAX_SESSIONS", 10),

		HITLWebhookURL: getEnvString("HITL_WEBHOOK_URL", ""),

		RedisURL:    getEnvString("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisStream: getEnvString("REDIS_STREAM", "browser_use_logs"),

		GoogleCloudProject: getEnvString("GOOGLE_CLOUD_PROJECT", ""),
		PubSubSubscription: getEnvString("PUBSUB_SUBSCRIPTION", ""),
		PubSubTopicName:    getEnvString("TOPIC_NAME", ""),

		ProcessorURL:           getEnvString("PROCESSOR_URL", ""),
		HTTPConnectTimeout:     getEnvDuration("HTTP_CONNECT_TIMEOUT", 5*time.Second),
		HTTPWriteTimeout:       getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPReadTimeout:        getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		HTTPPoolTimeout:        getEnvDuration("HTTP_POOL_TIMEOUT", 10*time.Second),
		MaxOutstandingMessages: getEnvInt("MAX_OUTSTANDING_MESSAGES", 50),
		MaxOutstandingBytes:    getEnvInt("MAX_OUTSTANDING_BYTES", 50*1024*1024),
		DedupTTLSeconds:        getEnvInt("DEDUP_TTL_SECONDS", 86400),
		InflightTTLSeconds:     getEnvInt("INFLIGHT_TTL_SECONDS", 600),
		AckOnPlannerFailure:    getEnvBool("ACK_ON_PLANNER_FAILURE", true),

		DatabaseURL: getEnvString("DATABASE_URL", "mongodb://127.0.0.1:27017"),

		SSEBlockMilliseconds: getEnvInt("SSE_BLOCK_MILLISECONDS", 5000),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogHTML:  getEnvBool("LOG_HTML", false),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults rather than causing
// startup to fail.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8080")
		c.Port = 8080
	}

	if c.SlotPoolSize < 1 {
		log.Warn().Int("size", c.SlotPoolSize).Msg("Invalid slot pool size, using default 10")
		c.SlotPoolSize = 10
	} else if c.SlotPoolSize > maxSlotPoolSize {
		log.Warn().
			Int("size", c.SlotPoolSize).
			Int("max", maxSlotPoolSize).
			Msg("Slot pool size too large, capping to maximum")
		c.SlotPoolSize = maxSlotPoolSize
	}

	if c.DisplayReadyTimeout < time.Second {
		log.Warn().Dur("timeout", c.DisplayReadyTimeout).Msg("Display ready timeout too short, using 10s")
		c.DisplayReadyTimeout = 10 * time.Second
	}

	if c.BrowserAttachRetries < 1 {
		log.Warn().Int("retries", c.BrowserAttachRetries).Msg("Browser attach retries too low, using 3")
		c.BrowserAttachRetries = 3
	} else if c.BrowserAttachRetries > 10 {
		log.Warn().Int("retries", c.BrowserAttachRetries).Msg("Browser attach retries too high, capping at 10")
		c.BrowserAttachRetries = 10
	}

	if c.GracefulStopTimeout < 100*time.Millisecond {
		log.Warn().Dur("timeout", c.GracefulStopTimeout).Msg("Graceful stop timeout too short, using 2s")
		c.GracefulStopTimeout = 2 * time.Second
	}

	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().
			Dur("timeout", c.MaxTimeout).
			Dur("max", maxTimeout).
			Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using slot pool size")
		c.MaxSessions = c.SlotPoolSize
	}
	if c.MaxSessions > c.SlotPoolSize {
		log.Warn().
			Int("max_sessions", c.MaxSessions).
			Int("slot_pool_size", c.SlotPoolSize).
			Msg("MaxSessions exceeds slot pool size, capping to pool size")
		c.MaxSessions = c.SlotPoolSize
	}

	const minSessionTTL = 1 * time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Dur("min", minSessionTTL).Msg("Session TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Dur("max", maxSessionTTL).Msg("Session TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}

	const minCleanupInterval = 10 * time.Second
	const maxCleanupInterval = 1 * time.Hour
	if c.SessionCleanupInterval < minCleanupInterval {
		log.Warn().
			Dur("interval", c.SessionCleanupInterval).
			Dur("min", minCleanupInterval).
			Msg("Session cleanup interval too short, using minimum")
		c.SessionCleanupInterval = minCleanupInterval
	} else if c.SessionCleanupInterval > maxCleanupInterval {
		log.Warn().
			Dur("interval", c.SessionCleanupInterval).
			Dur("max", maxCleanupInterval).
			Msg("Session cleanup interval too long, using maximum")
		c.SessionCleanupInterval = maxCleanupInterval
	}

	if c.SessionCleanupInterval >= c.SessionTTL {
		log.Warn().
			Dur("cleanup_interval", c.SessionCleanupInterval).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_CLEANUP_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - cross-origin requests will be rejected")
	}

	if c.MaxOutstandingMessages < 1 {
		log.Warn().Int("max", c.MaxOutstandingMessages).Msg("Invalid MAX_OUTSTANDING_MESSAGES, using 50")
		c.MaxOutstandingMessages = 50
	} else if c.MaxOutstandingMessages > maxMaxOutstandingMsgs {
		log.Warn().
			Int("max", c.MaxOutstandingMessages).
			Int("cap", maxMaxOutstandingMsgs).
			Msg("MAX_OUTSTANDING_MESSAGES too high, capping")
		c.MaxOutstandingMessages = maxMaxOutstandingMsgs
	}

	if c.MaxOutstandingBytes < 1 {
		log.Warn().Int("max", c.MaxOutstandingBytes).Msg("Invalid MAX_OUTSTANDING_BYTES, using 50MiB")
		c.MaxOutstandingBytes = 50 * 1024 * 1024
	} else if c.MaxOutstandingBytes > maxMaxOutstandingBytes {
		log.Warn().
			Int("max", c.MaxOutstandingBytes).
			Int("cap", maxMaxOutstandingBytes).
			Msg("MAX_OUTSTANDING_BYTES too high, capping")
		c.MaxOutstandingBytes = maxMaxOutstandingBytes
	}

	if c.DedupTTLSeconds < 1 {
		log.Warn().Int("ttl", c.DedupTTLSeconds).Msg("Invalid DEDUP_TTL_SECONDS, using 86400")
		c.DedupTTLSeconds = 86400
	} else if c.DedupTTLSeconds > maxDedupTTLSeconds {
		log.Warn().Int("ttl", c.DedupTTLSeconds).Msg("DEDUP_TTL_SECONDS too high, capping")
		c.DedupTTLSeconds = maxDedupTTLSeconds
	}

	if c.InflightTTLSeconds < 1 {
		log.Warn().Int("ttl", c.InflightTTLSeconds).Msg("Invalid INFLIGHT_TTL_SECONDS, using 600")
		c.InflightTTLSeconds = 600
	} else if c.InflightTTLSeconds > maxInflightTTLSeconds {
		log.Warn().Int("ttl", c.InflightTTLSeconds).Msg("INFLIGHT_TTL_SECONDS too high, capping")
		c.InflightTTLSeconds = maxInflightTTLSeconds
	}

	if c.SSEBlockMilliseconds < 100 {
		log.Warn().Int("ms", c.SSEBlockMilliseconds).Msg("SSE_BLOCK_MILLISECONDS too low, using 5000")
		c.SSEBlockMilliseconds = 5000
	} else if c.SSEBlockMilliseconds > maxSSEBlockMilliseconds {
		log.Warn().Int("ms", c.SSEBlockMilliseconds).Msg("SSE_BLOCK_MILLISECONDS too high, capping")
		c.SSEBlockMilliseconds = maxSSEBlockMilliseconds
	}

	if c.ProcessorURL == "" {
		log.Warn().Msg("PROCESSOR_URL not set - dispatch consumer cannot forward to the planner")
	}

	if c.HITLWebhookURL != "" && !strings.Contains(c.HITLWebhookURL, "://") {
		log.Error().Msg("HITL_WEBHOOK_URL missing scheme (should be http:// or https://)")
	}

	if c.GoogleAPIKey == "" {
		log.Warn().Msg("GOOGLE_API_KEY not set - agent runner will reject run() with a configuration error")
	}

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication")
		}
	}

	// Port conflict validation.
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existingName).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}
}

// Helper functions for environment variable parsing.

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
			if intValue < -2147483648 || intValue > 2147483647 {
				log.Warn().
					Str("key", key).
					Str("value", value).
					Int("default", defaultValue).
					Msg("Integer value out of range in environment variable, using default")
				return defaultValue
			}
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
