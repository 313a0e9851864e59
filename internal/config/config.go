package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the responder engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Index     IndexConfig     `yaml:"index"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Recommend RecommendConfig `yaml:"recommend"`
	Runbooks  RunbooksConfig  `yaml:"runbooks"`
	Repair    RepairConfig    `yaml:"repair"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	RequestsPerSec  int           `yaml:"requestsPerSec"`
	Burst           int           `yaml:"burst"`
}

// EngineConfig carries the identity-resolution thresholds and severities.
// It is passed into constructors as a value, never read from globals, so
// multiple namespaces can run different thresholds in one process.
type EngineConfig struct {
	SimilarityThreshold   float64       `yaml:"similarityThreshold"`
	RunbookMatchThreshold float64       `yaml:"runbookMatchThreshold"`
	DefaultSeverity       string        `yaml:"defaultSeverity"`
	RegressionSeverity    string        `yaml:"regressionSeverity"`
	TopKDedup             int           `yaml:"topKDedup"`
	TopKRunbooks          int           `yaml:"topKRunbooks"`
	DefaultNamespace      string        `yaml:"defaultNamespace"`
	IdempotencyTTL        time.Duration `yaml:"idempotencyTTL"`
	// RecordCacheTTL bounds how stale a cached record summary may be; zero
	// disables summary caching.
	RecordCacheTTL time.Duration `yaml:"recordCacheTTL"`
}

// IndexConfig configures the similarity search cluster.
type IndexConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig configures the durable record store.
type StoreConfig struct {
	// Driver selects "postgres" or "memory".
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the text embedding provider.
type EmbeddingConfig struct {
	// Provider selects "http" or "local".
	Provider  string        `yaml:"provider"`
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"apiKey"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RecommendConfig configures the best-effort recommendation generator.
type RecommendConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RunbooksConfig controls runbook-pack seeding at startup.
type RunbooksConfig struct {
	Path string `yaml:"path"`
}

// RepairConfig controls the index-dirty repair pass.
type RepairConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed idempotency tokens and summary caching.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RESPONDER_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			RequestsPerSec:  50,
			Burst:           100,
		},
		Engine: EngineConfig{
			SimilarityThreshold:   0.70,
			RunbookMatchThreshold: 0.70,
			DefaultSeverity:       "MEDIUM",
			RegressionSeverity:    "HIGH",
			TopKDedup:             5,
			TopKRunbooks:          3,
			DefaultNamespace:      "default",
			IdempotencyTTL:        24 * time.Hour,
			RecordCacheTTL:        30 * time.Second,
		},
		Index:     IndexConfig{Timeout: 5 * time.Second},
		Store:     StoreConfig{Driver: "memory", Timeout: 5 * time.Second},
		Embedding: EmbeddingConfig{Provider: "local", Dimension: 384, Timeout: 5 * time.Second},
		Recommend: RecommendConfig{
			Enabled:   false,
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 500,
			Timeout:   20 * time.Second,
		},
		Runbooks: RunbooksConfig{Path: "configs/runbooks/default.yaml"},
		Repair:   RepairConfig{Enabled: true, Interval: time.Minute},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.SimilarityThreshold < 0 || cfg.Engine.SimilarityThreshold > 1 {
		return fmt.Errorf("similarityThreshold must be in [0,1], got %v", cfg.Engine.SimilarityThreshold)
	}
	if cfg.Engine.RunbookMatchThreshold < 0 || cfg.Engine.RunbookMatchThreshold > 1 {
		return fmt.Errorf("runbookMatchThreshold must be in [0,1], got %v", cfg.Engine.RunbookMatchThreshold)
	}
	if cfg.Engine.TopKDedup <= 0 {
		cfg.Engine.TopKDedup = 5
	}
	if cfg.Engine.TopKRunbooks <= 0 {
		cfg.Engine.TopKRunbooks = 3
	}
	switch cfg.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	switch cfg.Embedding.Provider {
	case "http", "local":
	default:
		return fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RESPONDER_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RESPONDER_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RESPONDER_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("RESPONDER_RUNBOOK_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.RunbookMatchThreshold = f
		}
	}
	if v := os.Getenv("RESPONDER_DEFAULT_SEVERITY"); v != "" {
		cfg.Engine.DefaultSeverity = v
	}
	if v := os.Getenv("RESPONDER_REGRESSION_SEVERITY"); v != "" {
		cfg.Engine.RegressionSeverity = v
	}
	if v := os.Getenv("RESPONDER_TOP_K_DEDUP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TopKDedup = n
		}
	}
	if v := os.Getenv("RESPONDER_TOP_K_RUNBOOKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TopKRunbooks = n
		}
	}
	if v := os.Getenv("RESPONDER_INDEX_URL"); v != "" {
		cfg.Index.Endpoint = v
	}
	if v := os.Getenv("RESPONDER_INDEX_API_KEY"); v != "" {
		cfg.Index.APIKey = v
	}
	if v := os.Getenv("RESPONDER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RESPONDER_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RESPONDER_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("RESPONDER_EMBEDDING_URL"); v != "" {
		cfg.Embedding.Endpoint = v
	}
	if v := os.Getenv("RESPONDER_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("RESPONDER_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("RESPONDER_EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("RESPONDER_RECOMMEND_ENABLED"); v != "" {
		cfg.Recommend.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("RESPONDER_RECOMMEND_MODEL"); v != "" {
		cfg.Recommend.Model = v
	}
	if v := os.Getenv("RESPONDER_RUNBOOKS_PATH"); v != "" {
		cfg.Runbooks.Path = v
	}
	if v := os.Getenv("RESPONDER_RECORD_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.RecordCacheTTL = d
		}
	}
	if v := os.Getenv("RESPONDER_REPAIR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Repair.Interval = d
		}
	}
	if v := os.Getenv("RESPONDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RESPONDER_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RESPONDER_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("RESPONDER_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("RESPONDER_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("RESPONDER_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("RESPONDER_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("RESPONDER_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
}
