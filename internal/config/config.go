package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the marq orchestrator, loaded from
// config/marq.yaml (overridable via CONFIG_PATH) with env overrides for
// secrets.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Warehouse    WarehouseConfig    `mapstructure:"warehouse"`
	Embeddings   EmbeddingsConfig   `mapstructure:"embeddings"`
	Vector       VectorConfig       `mapstructure:"vector"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// LLMConfig configures the structured-output generation client.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	RPM         int           `mapstructure:"rpm"`
}

// WarehouseConfig configures the structured-data resolver.
type WarehouseConfig struct {
	// Driver is "postgres" for the warehouse deployment or "sqlite3" for
	// local snapshot mode.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
	// SourceURL identifies the report snapshot backing the table; it ends
	// up in numeric citation references.
	SourceURL       string        `mapstructure:"source_url"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// EmbeddingsConfig configures the embedding-service client.
type EmbeddingsConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	MaxLRU   int           `mapstructure:"max_lru"`
}

// VectorConfig configures the semantic-search resolver.
type VectorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	TopK       int           `mapstructure:"top_k"`
	Threshold  float64       `mapstructure:"threshold"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RedisConfig configures the session store and embedding cache backend.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// OrchestratorConfig holds the loop budgets and the confidence gate.
type OrchestratorConfig struct {
	// MaxTryTimes bounds the number of distinct sub-tasks processed.
	MaxTryTimes int `mapstructure:"max_try_times"`
	// MaxTaskTries bounds retries of the same sub-task under low confidence.
	MaxTaskTries int `mapstructure:"max_task_tries"`
	// ConfidenceThreshold is the acceptance gate for validator opinions.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// CatalogConfig points at the product catalog file.
type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// AuthConfig configures httpapi authentication.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// APIKeyHash is a bcrypt hash of the accepted API key.
	APIKeyHash string `mapstructure:"api_key_hash"`
}

// PolicyConfig configures the generated-query guard.
type PolicyConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path points at a directory of rego policies. Empty uses the built-in
	// select-only guard.
	Path string `mapstructure:"path"`
	// FailClosed denies numeric actions when policies cannot be evaluated.
	FailClosed bool `mapstructure:"fail_closed"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file from CONFIG_PATH or ./config/marq.yaml and
// applies env overrides for secrets.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/marq.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Service.Port == 0 {
		c.Service.Port = 8080
	}
	if c.Service.ReadTimeout == 0 {
		c.Service.ReadTimeout = 30 * time.Second
	}
	if c.Service.WriteTimeout == 0 {
		// Answers block on several completion round-trips.
		c.Service.WriteTimeout = 5 * time.Minute
	}
	if c.Service.GracefulTimeout == 0 {
		c.Service.GracefulTimeout = 10 * time.Second
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.BackoffBase == 0 {
		c.LLM.BackoffBase = 500 * time.Millisecond
	}
	if c.Warehouse.Driver == "" {
		c.Warehouse.Driver = "postgres"
	}
	if c.Warehouse.Table == "" {
		c.Warehouse.Table = "mar_combined_m"
	}
	if c.Warehouse.QueryTimeout == 0 {
		c.Warehouse.QueryTimeout = 15 * time.Second
	}
	if c.Warehouse.MaxConnections == 0 {
		c.Warehouse.MaxConnections = 10
	}
	if c.Warehouse.IdleConnections == 0 {
		c.Warehouse.IdleConnections = 2
	}
	if c.Warehouse.MaxLifetime == 0 {
		c.Warehouse.MaxLifetime = 5 * time.Minute
	}
	if c.Embeddings.Timeout == 0 {
		c.Embeddings.Timeout = 5 * time.Second
	}
	if c.Embeddings.CacheTTL == 0 {
		c.Embeddings.CacheTTL = time.Hour
	}
	if c.Embeddings.MaxLRU == 0 {
		c.Embeddings.MaxLRU = 2048
	}
	if c.Vector.Port == 0 {
		c.Vector.Port = 6333
	}
	if c.Vector.TopK == 0 {
		c.Vector.TopK = 5
	}
	if c.Vector.Timeout == 0 {
		c.Vector.Timeout = 5 * time.Second
	}
	if c.Redis.SessionTTL == 0 {
		c.Redis.SessionTTL = 24 * time.Hour
	}
	if c.Orchestrator.MaxTryTimes == 0 {
		c.Orchestrator.MaxTryTimes = 8
	}
	if c.Orchestrator.MaxTaskTries == 0 {
		c.Orchestrator.MaxTaskTries = 3
	}
	if c.Orchestrator.ConfidenceThreshold == 0 {
		c.Orchestrator.ConfidenceThreshold = 0.8
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "./config/catalog.yaml"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "marq-orchestrator"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("WAREHOUSE_DSN"); v != "" {
		c.Warehouse.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LLM_SERVICE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("EMBEDDINGS_SERVICE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("config: llm.base_url is required")
	}
	if c.Warehouse.DSN == "" {
		return fmt.Errorf("config: warehouse.dsn is required")
	}
	if c.Warehouse.Driver != "postgres" && c.Warehouse.Driver != "sqlite3" {
		return fmt.Errorf("config: unsupported warehouse driver %q", c.Warehouse.Driver)
	}
	if c.Orchestrator.ConfidenceThreshold < 0 || c.Orchestrator.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence_threshold must be in [0,1]")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && c.Auth.APIKeyHash == "" {
		return fmt.Errorf("config: auth enabled but neither jwt_secret nor api_key_hash set")
	}
	return nil
}
