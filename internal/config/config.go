package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

// Config is the process configuration. Tenant behavior lives in TenantConfig.
type Config struct {
	Mode Mode

	Port     string
	LogLevel string

	GCPProjectID   string
	GCPLocation    string
	ModelName      string
	EmbeddingModel string
	UseMockLLM     bool // true = use mock even on GCP

	StorageBackend string // "memory" or "firestore"
	CacheBackend   string // "memory", "redis" or "none"
	MemoryBackend  string // "memory", "firestore" or "postgres"
	SearchBackend  string // "memory" or "firestore"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	TenantsDir string
	RulesDir   string

	SessionLocalTTL  time.Duration
	SessionSharedTTL time.Duration
	PolicyRefresh    time.Duration
	ShutdownGrace    time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads all env vars and builds the config
func Load() *Config {
	modeStr := getEnv("CALLCORE_MODE", "local")
	var mode Mode
	switch modeStr {
	case "gcp":
		mode = ModeGCP
	default:
		mode = ModeLocal
	}

	return &Config{
		Mode: mode,

		Port:     getEnv("CALLCORE_PORT", "8080"),
		LogLevel: getEnv("CALLCORE_LOG_LEVEL", "info"),

		GCPProjectID:   getEnv("CALLCORE_GCP_PROJECT", ""),
		GCPLocation:    getEnv("CALLCORE_GCP_LOCATION", "us-central1"),
		ModelName:      getEnv("CALLCORE_MODEL_NAME", "gemini-2.5-flash-lite"),
		EmbeddingModel: getEnv("CALLCORE_EMBEDDING_MODEL", "text-embedding-004"),
		UseMockLLM:     getBoolEnv("CALLCORE_USE_MOCK_LLM", mode == ModeLocal),

		StorageBackend: getEnv("CALLCORE_STORAGE_BACKEND", "memory"),
		CacheBackend:   getEnv("CALLCORE_CACHE_BACKEND", "memory"),
		MemoryBackend:  getEnv("CALLCORE_MEMORY_BACKEND", "memory"),
		SearchBackend:  getEnv("CALLCORE_SEARCH_BACKEND", "memory"),

		RedisAddr:     getEnv("CALLCORE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("CALLCORE_REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("CALLCORE_REDIS_DB", 0),

		PostgresDSN: getEnv("CALLCORE_POSTGRES_DSN", ""),

		TenantsDir: getEnv("CALLCORE_TENANTS_DIR", "config/tenants"),
		RulesDir:   getEnv("CALLCORE_RULES_DIR", "config/rules"),

		SessionLocalTTL:  getDurationEnv("CALLCORE_SESSION_LOCAL_TTL", 2*time.Minute),
		SessionSharedTTL: getDurationEnv("CALLCORE_SESSION_SHARED_TTL", time.Hour),
		PolicyRefresh:    getDurationEnv("CALLCORE_POLICY_REFRESH", 5*time.Second),
		ShutdownGrace:    getDurationEnv("CALLCORE_SHUTDOWN_GRACE", 10*time.Second),
	}
}

// Validate checks the combinations a backend needs to start.
func (c *Config) Validate() error {
	var errs []error

	if c.Mode == ModeGCP && c.GCPProjectID == "" {
		errs = append(errs, errors.New("CALLCORE_GCP_PROJECT must be set in gcp mode"))
	}
	needsProject := c.StorageBackend == "firestore" || c.MemoryBackend == "firestore" ||
		c.SearchBackend == "firestore" || !c.UseMockLLM
	if needsProject && c.GCPProjectID == "" {
		errs = append(errs, errors.New("CALLCORE_GCP_PROJECT is required for firestore or vertex backends"))
	}
	if c.MemoryBackend == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, errors.New("CALLCORE_POSTGRES_DSN is required for the postgres memory backend"))
	}

	for name, v := range map[string]string{
		"CALLCORE_STORAGE_BACKEND": c.StorageBackend,
		"CALLCORE_CACHE_BACKEND":   c.CacheBackend,
		"CALLCORE_MEMORY_BACKEND":  c.MemoryBackend,
		"CALLCORE_SEARCH_BACKEND":  c.SearchBackend,
	} {
		if !validBackend(name, v) {
			errs = append(errs, fmt.Errorf("%s: unsupported value %q", name, v))
		}
	}

	return errors.Join(errs...)
}

func validBackend(name, v string) bool {
	switch name {
	case "CALLCORE_STORAGE_BACKEND", "CALLCORE_SEARCH_BACKEND":
		return v == "memory" || v == "firestore"
	case "CALLCORE_CACHE_BACKEND":
		return v == "memory" || v == "redis" || v == "none"
	case "CALLCORE_MEMORY_BACKEND":
		return v == "memory" || v == "firestore" || v == "postgres"
	}
	return false
}
