package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects the Event Store's durable storage engine (spec §6).
type StorageBackend string

const (
	StorageSegmentedLog StorageBackend = "segmented_log"
	StorageSQLiteWAL    StorageBackend = "sqlite_wal"
)

// FsyncPolicy controls when the Event Store durability barrier fires (spec §6).
// "interval_ms:N" is represented by FsyncPolicy=FsyncInterval, FsyncIntervalMs=N.
type FsyncPolicy string

const (
	FsyncPerWrite FsyncPolicy = "per_write"
	FsyncPerBatch FsyncPolicy = "per_batch"
	FsyncInterval FsyncPolicy = "interval_ms"
)

// Config holds every enumerated configuration option from spec §6, loaded in
// three layers the way the teacher's core.Config does: defaults, then
// environment variables, then functional options (highest priority).
type Config struct {
	// Event Store
	DataDir         string
	AllowedBaseDirs []string
	AuthSecret      string // HMAC key, >= 32 bytes, mandatory
	StorageBackend  StorageBackend
	FsyncPolicy     FsyncPolicy
	FsyncIntervalMs int
	SegmentMaxBytes int64

	// Session & Auth
	SessionTimeout        time.Duration
	MaxConcurrentSessions int

	// Distributed Cache
	LocalCacheMaxEntries int
	LocalCacheMaxBytes   int64
	HotEntryThreshold    int
	RemoteCacheURL       string
	RemoteCacheTTL       time.Duration
	RemoteCacheOpTimeout time.Duration

	// Expert Coordinator
	ExpertTimeout          time.Duration
	ExpertConsensusDefault int
	ExpertRegistryURL      string // optional Redis URL for cross-instance expert discovery

	// Elicitation Manager
	ElicitationDefaultTimeout time.Duration

	// Node identity (ADR-003 EventID node_id)
	NodeID string

	// Logging
	LogLevel string

	logger Logger
}

// Option mutates a Config during NewConfig; functional options always win
// over environment variables, matching the teacher's layering.
type Option func(*Config) error

// DefaultConfig returns the documented defaults for every option in spec §6.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                   "./data/events",
		AllowedBaseDirs:           []string{"./data"},
		StorageBackend:            StorageSegmentedLog,
		FsyncPolicy:               FsyncPerWrite,
		FsyncIntervalMs:           100,
		SegmentMaxBytes:           64 << 20, // 64 MiB per segment
		SessionTimeout:            30 * time.Minute,
		MaxConcurrentSessions:     10000,
		LocalCacheMaxEntries:      10000,
		LocalCacheMaxBytes:        64 << 20,
		HotEntryThreshold:         5,
		RemoteCacheTTL:            10 * time.Minute,
		RemoteCacheOpTimeout:      50 * time.Millisecond,
		ExpertTimeout:             30 * time.Second,
		ExpertConsensusDefault:    1,
		ElicitationDefaultTimeout: 30 * time.Second,
		NodeID:                    "lighthouse-01",
		LogLevel:                  "info",
	}
}

// NewConfig builds a Config: defaults, then environment variables, then the
// supplied options, then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewStructuredLogger(cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the configured logger, defaulting to NoOpLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return NoOpLogger{}
	}
	return c.logger
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("LIGHTHOUSE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LIGHTHOUSE_ALLOWED_BASE_DIRS"); v != "" {
		c.AllowedBaseDirs = strings.Split(v, ",")
	}
	if v := os.Getenv("LIGHTHOUSE_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv("LIGHTHOUSE_STORAGE_BACKEND"); v != "" {
		c.StorageBackend = StorageBackend(v)
	}
	if v := os.Getenv("LIGHTHOUSE_FSYNC_POLICY"); v != "" {
		if err := c.setFsyncPolicy(v); err != nil {
			return err
		}
	}
	if v := os.Getenv("LIGHTHOUSE_SEGMENT_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SegmentMaxBytes = n
		}
	}
	if v := os.Getenv("LIGHTHOUSE_SESSION_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LIGHTHOUSE_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("LIGHTHOUSE_LOCAL_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LocalCacheMaxEntries = n
		}
	}
	if v := os.Getenv("LIGHTHOUSE_LOCAL_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.LocalCacheMaxBytes = n
		}
	}
	if v := os.Getenv("LIGHTHOUSE_HOT_ENTRY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HotEntryThreshold = n
		}
	}
	if v := os.Getenv("LIGHTHOUSE_REMOTE_CACHE_URL"); v != "" {
		c.RemoteCacheURL = v
	}
	if v := os.Getenv("LIGHTHOUSE_REMOTE_CACHE_TTL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RemoteCacheTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LIGHTHOUSE_REMOTE_CACHE_OP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RemoteCacheOpTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("LIGHTHOUSE_EXPERT_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ExpertTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LIGHTHOUSE_EXPERT_CONSENSUS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ExpertConsensusDefault = n
		}
	}
	if v := os.Getenv("LIGHTHOUSE_EXPERT_REGISTRY_URL"); v != "" {
		c.ExpertRegistryURL = v
	}
	if v := os.Getenv("LIGHTHOUSE_ELICITATION_DEFAULT_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ElicitationDefaultTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LIGHTHOUSE_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("LIGHTHOUSE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) setFsyncPolicy(v string) error {
	if strings.HasPrefix(v, "interval_ms:") {
		n, err := strconv.Atoi(strings.TrimPrefix(v, "interval_ms:"))
		if err != nil {
			return fmt.Errorf("%w: invalid fsync_policy %q", ErrValidation, v)
		}
		c.FsyncPolicy = FsyncInterval
		c.FsyncIntervalMs = n
		return nil
	}
	switch FsyncPolicy(v) {
	case FsyncPerWrite, FsyncPerBatch:
		c.FsyncPolicy = FsyncPolicy(v)
		return nil
	default:
		return fmt.Errorf("%w: invalid fsync_policy %q", ErrValidation, v)
	}
}

// yamlConfig mirrors Config's fields for file-based loading with
// gopkg.in/yaml.v3, the way the teacher's go.mod already pulls in yaml.v3
// for configuration.
type yamlConfig struct {
	DataDir                    string   `yaml:"data_dir"`
	AllowedBaseDirs            []string `yaml:"allowed_base_dirs"`
	AuthSecret                 string   `yaml:"auth_secret"`
	StorageBackend             string   `yaml:"storage_backend"`
	FsyncPolicy                string   `yaml:"fsync_policy"`
	SessionTimeoutS            int      `yaml:"session_timeout_s"`
	MaxConcurrentSessions      int      `yaml:"max_concurrent_sessions"`
	LocalCacheMaxEntries       int      `yaml:"local_cache_max_entries"`
	LocalCacheMaxBytes         int64    `yaml:"local_cache_max_bytes"`
	HotEntryThreshold          int      `yaml:"hot_entry_threshold"`
	RemoteCacheURL             string   `yaml:"remote_cache_url"`
	RemoteCacheTTLS            int      `yaml:"remote_cache_ttl_s"`
	RemoteCacheOpTimeoutMs     int      `yaml:"remote_cache_op_timeout_ms"`
	ExpertTimeoutS             int      `yaml:"expert_timeout_s"`
	ExpertConsensusDefault     int      `yaml:"expert_consensus_default"`
	ExpertRegistryURL          string   `yaml:"expert_registry_url"`
	ElicitationDefaultTimeoutS int      `yaml:"elicitation_default_timeout_s"`
	NodeID                     string   `yaml:"node_id"`
	LogLevel                   string   `yaml:"log_level"`
}

// WithConfigFile layers a YAML config file between defaults and environment
// variables: it is applied first in NewConfig's option chain so that
// functional options passed after it still win.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: reading config file %s: %v", ErrValidation, path, err)
		}
		var y yamlConfig
		if err := yaml.Unmarshal(raw, &y); err != nil {
			return fmt.Errorf("%w: parsing config file %s: %v", ErrValidation, path, err)
		}
		if y.DataDir != "" {
			c.DataDir = y.DataDir
		}
		if len(y.AllowedBaseDirs) > 0 {
			c.AllowedBaseDirs = y.AllowedBaseDirs
		}
		if y.AuthSecret != "" {
			c.AuthSecret = y.AuthSecret
		}
		if y.StorageBackend != "" {
			c.StorageBackend = StorageBackend(y.StorageBackend)
		}
		if y.FsyncPolicy != "" {
			if err := c.setFsyncPolicy(y.FsyncPolicy); err != nil {
				return err
			}
		}
		if y.SessionTimeoutS > 0 {
			c.SessionTimeout = time.Duration(y.SessionTimeoutS) * time.Second
		}
		if y.MaxConcurrentSessions > 0 {
			c.MaxConcurrentSessions = y.MaxConcurrentSessions
		}
		if y.LocalCacheMaxEntries > 0 {
			c.LocalCacheMaxEntries = y.LocalCacheMaxEntries
		}
		if y.LocalCacheMaxBytes > 0 {
			c.LocalCacheMaxBytes = y.LocalCacheMaxBytes
		}
		if y.HotEntryThreshold > 0 {
			c.HotEntryThreshold = y.HotEntryThreshold
		}
		if y.RemoteCacheURL != "" {
			c.RemoteCacheURL = y.RemoteCacheURL
		}
		if y.RemoteCacheTTLS > 0 {
			c.RemoteCacheTTL = time.Duration(y.RemoteCacheTTLS) * time.Second
		}
		if y.RemoteCacheOpTimeoutMs > 0 {
			c.RemoteCacheOpTimeout = time.Duration(y.RemoteCacheOpTimeoutMs) * time.Millisecond
		}
		if y.ExpertTimeoutS > 0 {
			c.ExpertTimeout = time.Duration(y.ExpertTimeoutS) * time.Second
		}
		if y.ExpertConsensusDefault > 0 {
			c.ExpertConsensusDefault = y.ExpertConsensusDefault
		}
		if y.ExpertRegistryURL != "" {
			c.ExpertRegistryURL = y.ExpertRegistryURL
		}
		if y.ElicitationDefaultTimeoutS > 0 {
			c.ElicitationDefaultTimeout = time.Duration(y.ElicitationDefaultTimeoutS) * time.Second
		}
		if y.NodeID != "" {
			c.NodeID = y.NodeID
		}
		if y.LogLevel != "" {
			c.LogLevel = y.LogLevel
		}
		// Re-apply environment variables so they win over file values.
		return c.loadFromEnv()
	}
}

// WithAuthSecret sets the mandatory HMAC key (>= 32 bytes).
func WithAuthSecret(secret string) Option {
	return func(c *Config) error { c.AuthSecret = secret; return nil }
}

// WithDataDir sets the Event Store's segment/journal directory.
func WithDataDir(dir string) Option {
	return func(c *Config) error { c.DataDir = dir; return nil }
}

// WithAllowedBaseDirs sets the filesystem prefixes the store may write under.
func WithAllowedBaseDirs(dirs ...string) Option {
	return func(c *Config) error { c.AllowedBaseDirs = dirs; return nil }
}

// WithStorageBackend selects segmented_log or sqlite_wal.
func WithStorageBackend(backend StorageBackend) Option {
	return func(c *Config) error { c.StorageBackend = backend; return nil }
}

// WithRemoteCache points the distributed cache's remote tier at a KV backend.
func WithRemoteCache(url string, ttl time.Duration) Option {
	return func(c *Config) error {
		c.RemoteCacheURL = url
		c.RemoteCacheTTL = ttl
		return nil
	}
}

// WithExpertTimeout sets the Expert Coordinator's per-call timeout.
func WithExpertTimeout(d time.Duration) Option {
	return func(c *Config) error { c.ExpertTimeout = d; return nil }
}

// WithExpertRegistry points the Expert Coordinator's registry at a Redis
// instance for cross-instance expert discovery; a blank url keeps the
// registry local-only to this process.
func WithExpertRegistry(url string) Option {
	return func(c *Config) error { c.ExpertRegistryURL = url; return nil }
}

// WithNodeID sets the EventID node_id component.
func WithNodeID(id string) Option {
	return func(c *Config) error { c.NodeID = id; return nil }
}

// WithLogger injects a pre-built logger instead of constructing one from LogLevel.
func WithLogger(logger Logger) Option {
	return func(c *Config) error { c.logger = logger; return nil }
}

// Validate enforces the mandatory invariants of spec §6 (auth_secret length,
// non-empty data_dir, known storage backend, non-empty node_id).
func (c *Config) Validate() error {
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("%w: auth_secret must be at least 32 bytes", ErrValidation)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrValidation)
	}
	switch c.StorageBackend {
	case StorageSegmentedLog, StorageSQLiteWAL:
	default:
		return fmt.Errorf("%w: unknown storage_backend %q", ErrValidation, c.StorageBackend)
	}
	if c.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	return nil
}
