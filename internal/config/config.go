package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration, read from environment variables
// with sensible defaults.
//
// Environment Variables:
// Router:
// - API_URL: translation service endpoint (required for tiers 3/4)
// - TIER: request strategy 1-4 (default: 3)
// - FORCE_REGENERATE: ignore upstream caches (default: false)
// - ABSOLUTE_TIMEOUT_SECONDS: per-job ceiling (default: 300)
// - INACTIVITY_TIMEOUT_SECONDS: streaming stall ceiling (default: 180)
// - POLL_INTERVAL_SECONDS: remote-queue poll cadence (default: 2)
// - POLL_CEILING_SECONDS: remote-queue ceiling (default: 1800)
//
// LLM (direct tiers):
// - LLM_API_KEY: credential seeded into the secret store (required for tiers 1/2)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: model name (default: openai/gpt-4o-mini)
// - LLM_MAX_TOKENS: response token cap (default: 8000)
// - LLM_TEMPERATURE: sampling temperature (default: 0.3)
// - LLM_TIMEOUT: request timeout in seconds (default: 60)
//
// Translation:
// - TARGET_LANGUAGE: default target language code (default: en)
// - BATCH_SIZE: merged units per model call (default: 25)
// - CONTEXT_CHARS: surrounding context per prompt (default: 100)
// - INTER_BATCH_DELAY_MS: client-side rate limit (default: 300)
// - MAX_RETRIES: unchanged-output escalations (default: 2)
// - UNCHANGED_RATIO: retry threshold (default: 0.5)
// - REFINE: run the refinement pass (default: false)
//
// Queues and cache:
// - CACHE_MAX_ENTRIES: main LRU bound (default: 100)
// - PREFETCH_CACHE_ENTRIES: pre-fetch LRU bound (default: 50)
// - PREFETCH_BOUND: pre-fetch backlog cap (default: 5)
// - PREFETCH_CONCURRENCY: simultaneous pre-fetch translations (default: 2)
//
// System:
// - DATA_DIR: database directory (default: /config)
// - LOG_LEVEL: debug|info|warn|error (default: info)
// - SECRETS_PASSPHRASE: installation passphrase for secret encryption
// - SECRETS_SALT: fixed per-installation salt
// - MAINTENANCE_CRON: sweep schedule (default: "0 3 * * *")
type Config struct {
	Router    RouterConfig    `json:"router"`
	LLM       LLMConfig       `json:"llm"`
	Translate TranslateConfig `json:"translate"`
	Queue     QueueConfig     `json:"queue"`
	System    SystemConfig    `json:"system"`
}

type RouterConfig struct {
	APIURL            string        `json:"api_url"`
	Tier              int           `json:"tier"`
	ForceRegenerate   bool          `json:"force_regenerate"`
	AbsoluteTimeout   time.Duration `json:"absolute_timeout"`
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
	PollInterval      time.Duration `json:"poll_interval"`
	PollCeiling       time.Duration `json:"poll_ceiling"`
}

type LLMConfig struct {
	APIKey      string  `json:"-"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`
}

type TranslateConfig struct {
	TargetLanguage  string        `json:"target_language"`
	BatchSize       int           `json:"batch_size"`
	ContextChars    int           `json:"context_chars"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
	MaxRetries      int           `json:"max_retries"`
	UnchangedRatio  float64       `json:"unchanged_ratio"`
	Refine          bool          `json:"refine"`
}

type QueueConfig struct {
	CacheMaxEntries      int `json:"cache_max_entries"`
	PrefetchCacheEntries int `json:"prefetch_cache_entries"`
	PrefetchBound        int `json:"prefetch_bound"`
	PrefetchConcurrency  int `json:"prefetch_concurrency"`
}

type SystemConfig struct {
	DataDir           string `json:"data_dir"`
	LogLevel          string `json:"log_level"`
	SecretsPassphrase string `json:"-"`
	SecretsSalt       string `json:"-"`
	MaintenanceCron   string `json:"maintenance_cron"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment
// variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Router: RouterConfig{
			APIURL:            getEnvString("API_URL", ""),
			Tier:              getEnvInt("TIER", 3),
			ForceRegenerate:   getEnvBool("FORCE_REGENERATE", false),
			AbsoluteTimeout:   time.Duration(getEnvInt("ABSOLUTE_TIMEOUT_SECONDS", 300)) * time.Second,
			InactivityTimeout: time.Duration(getEnvInt("INACTIVITY_TIMEOUT_SECONDS", 180)) * time.Second,
			PollInterval:      time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)) * time.Second,
			PollCeiling:       time.Duration(getEnvInt("POLL_CEILING_SECONDS", 1800)) * time.Second,
		},
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 8000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:     getEnvInt("LLM_TIMEOUT", 60),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", ""),
		},
		Translate: TranslateConfig{
			TargetLanguage:  getEnvString("TARGET_LANGUAGE", "en"),
			BatchSize:       getEnvInt("BATCH_SIZE", 25),
			ContextChars:    getEnvInt("CONTEXT_CHARS", 100),
			InterBatchDelay: time.Duration(getEnvInt("INTER_BATCH_DELAY_MS", 300)) * time.Millisecond,
			MaxRetries:      getEnvInt("MAX_RETRIES", 2),
			UnchangedRatio:  getEnvFloat("UNCHANGED_RATIO", 0.5),
			Refine:          getEnvBool("REFINE", false),
		},
		Queue: QueueConfig{
			CacheMaxEntries:      getEnvInt("CACHE_MAX_ENTRIES", 100),
			PrefetchCacheEntries: getEnvInt("PREFETCH_CACHE_ENTRIES", 50),
			PrefetchBound:        getEnvInt("PREFETCH_BOUND", 5),
			PrefetchConcurrency:  getEnvInt("PREFETCH_CONCURRENCY", 2),
		},
		System: SystemConfig{
			DataDir:           getEnvString("DATA_DIR", "/config"),
			LogLevel:          getEnvString("LOG_LEVEL", "info"),
			SecretsPassphrase: getEnvString("SECRETS_PASSPHRASE", ""),
			SecretsSalt:       getEnvString("SECRETS_SALT", ""),
			MaintenanceCron:   getEnvString("MAINTENANCE_CRON", "0 3 * * *"),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Router.Tier < 1 || c.Router.Tier > 4 {
		return fmt.Errorf("TIER must be 1-4, got %d", c.Router.Tier)
	}
	// Direct tiers carry their own credential; the server-side tiers
	// need an endpoint instead.
	if c.Router.Tier <= 2 && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required for tier %d", c.Router.Tier)
	}
	if c.Router.Tier >= 3 && c.Router.APIURL == "" {
		return fmt.Errorf("API_URL is required for tier %d", c.Router.Tier)
	}
	if c.System.SecretsPassphrase == "" {
		return fmt.Errorf("SECRETS_PASSPHRASE is required")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
