package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// Config holds all configuration for ekaya-nlq.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Engine store (sessions, attempts, feedback, retrieval index)
	Database DatabaseConfig `yaml:"database"`

	// MigrationsPath is the directory golang-migrate reads from.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// Redis caches embeddings. Optional.
	Redis RedisConfig `yaml:"redis"`

	Providers    []ProviderConfig   `yaml:"providers"`
	Routing      []RoutingRuleConfig `yaml:"routing"`
	RoutingFile  string             `yaml:"routing_file" env:"ROUTING_FILE" env-default:""`
	Health       HealthConfig       `yaml:"health"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Assembler    AssemblerConfig    `yaml:"assembler"`
	Validator    ValidatorConfig    `yaml:"validator"`
	CostGuard    CostGuardConfig    `yaml:"cost_guard"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	DataSources  []DataSourceConfig `yaml:"datasources"`
	Tracing      TracingConfig      `yaml:"tracing"`
	MCP          MCPConfig          `yaml:"mcp"`
	Audit        AuditConfig        `yaml:"audit"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_nlq"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection settings. An empty host disables Redis.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_EMBEDDING_TTL" env-default:"168h"`
}

// ProviderConfig configures one LLM provider. The API key is read from the
// environment variable named by APIKeyEnv.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"` // "openai" or "anthropic"
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// APIKey resolves the provider secret from the environment.
func (p *ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// RoutingRuleConfig is the YAML shape of a routing rule.
type RoutingRuleConfig struct {
	Name      string   `yaml:"name"`
	Priority  int      `yaml:"priority"`
	When      string   `yaml:"when"`
	Providers []string `yaml:"providers"`
}

// HealthConfig tunes provider health tracking.
type HealthConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" env:"PROVIDER_FAILURE_THRESHOLD" env-default:"3"`
	Window           time.Duration `yaml:"window" env:"PROVIDER_FAILURE_WINDOW" env-default:"1m"`
	ProbeAfter       time.Duration `yaml:"probe_after" env:"PROVIDER_PROBE_AFTER" env-default:"30s"`
	ProbeSchedule    string        `yaml:"probe_schedule" env:"PROVIDER_PROBE_SCHEDULE" env-default:"@every 30s"`
}

// EmbeddingConfig configures the OpenAI-compatible embedding endpoint.
// An empty BaseURL disables vector retrieval; lexical retrieval still works.
type EmbeddingConfig struct {
	BaseURL       string        `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:""`
	Model         string        `yaml:"model" env:"EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	APIKeyEnv     string        `yaml:"api_key_env" env:"EMBEDDING_API_KEY_ENV" env-default:"EMBEDDING_API_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"EMBEDDING_TIMEOUT" env-default:"15s"`
	BatchSize     int           `yaml:"batch_size" env:"EMBEDDING_BATCH_SIZE" env-default:"32"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"EMBEDDING_MAX_CONCURRENT" env-default:"4"`
}

// RetrievalConfig tunes chunking and hybrid ranking.
type RetrievalConfig struct {
	ChunkSize           int     `yaml:"chunk_size" env:"RETRIEVAL_CHUNK_SIZE" env-default:"1200"`
	ChunkOverlap        int     `yaml:"chunk_overlap" env:"RETRIEVAL_CHUNK_OVERLAP" env-default:"150"`
	TopK                int     `yaml:"top_k" env:"RETRIEVAL_TOP_K" env-default:"8"`
	VectorWeight        float64 `yaml:"vector_weight" env:"RETRIEVAL_VECTOR_WEIGHT" env-default:"0.6"`
	CandidateMultiplier int     `yaml:"candidate_multiplier" env:"RETRIEVAL_CANDIDATE_MULTIPLIER" env-default:"4"`
	MaxColumnsPerChunk  int     `yaml:"max_columns_per_chunk" env:"RETRIEVAL_MAX_COLUMNS_PER_CHUNK" env-default:"40"`
	// Timeout bounds one retrieval call; on expiry the context is built
	// from the catalog alone.
	Timeout time.Duration `yaml:"timeout" env:"RETRIEVAL_TIMEOUT" env-default:"5s"`
}

// AssemblerConfig bounds the prompt context.
type AssemblerConfig struct {
	TokenBudget      int     `yaml:"token_budget" env:"ASSEMBLER_TOKEN_BUDGET" env-default:"6000"`
	MinSynonymWeight float64 `yaml:"min_synonym_weight" env:"ASSEMBLER_MIN_SYNONYM_WEIGHT" env-default:"0.5"`
	SmallCatalogSize int     `yaml:"small_catalog_size" env:"ASSEMBLER_SMALL_CATALOG_SIZE" env-default:"25"`
	Encoding         string  `yaml:"encoding" env:"ASSEMBLER_ENCODING" env-default:"cl100k_base"`
	// StoreTimeout bounds each catalog and knowledge load.
	StoreTimeout time.Duration `yaml:"store_timeout" env:"ASSEMBLER_STORE_TIMEOUT" env-default:"10s"`
}

// ValidatorConfig tunes the SQL validator function lists. Allowed functions
// extend the built-in pg_catalog allow-list; functions in other schemas must
// be listed schema-qualified.
type ValidatorConfig struct {
	AllowedFunctions []string `yaml:"allowed_functions"`
	DeniedFunctions  []string `yaml:"denied_functions"`
}

// CostGuardConfig holds the global cost thresholds.
type CostGuardConfig struct {
	MaxRows int64   `yaml:"max_rows" env:"COST_GUARD_MAX_ROWS" env-default:"1000000"`
	MaxCost float64 `yaml:"max_cost" env:"COST_GUARD_MAX_COST" env-default:"100000"`
}

// ExecutionConfig bounds query execution.
type ExecutionConfig struct {
	RowCap  int           `yaml:"row_cap" env:"EXECUTION_ROW_CAP" env-default:"1000"`
	Timeout time.Duration `yaml:"timeout" env:"EXECUTION_TIMEOUT" env-default:"30s"`
}

// OrchestratorConfig bounds a session.
type OrchestratorConfig struct {
	MaxAttempts         int           `yaml:"max_attempts" env:"ORCHESTRATOR_MAX_ATTEMPTS" env-default:"3"`
	MaxExecutionRetries int           `yaml:"max_execution_retries" env:"ORCHESTRATOR_MAX_EXECUTION_RETRIES" env-default:"1"`
	GenerationTimeout   time.Duration `yaml:"generation_timeout" env:"ORCHESTRATOR_GENERATION_TIMEOUT" env-default:"45s"`
}

// DataSourceConfig is a target database the pipeline can query.
type DataSourceConfig struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	User        string  `yaml:"user"`
	PasswordEnv string  `yaml:"password_env"`
	Database    string  `yaml:"database"`
	SSLMode     string  `yaml:"ssl_mode"`
	MaxConns    int32   `yaml:"max_conns"`
	MaxRows     int64   `yaml:"max_rows"`
	MaxCost     float64 `yaml:"max_cost"`
}

// ParsedID returns the data source UUID.
func (d *DataSourceConfig) ParsedID() (uuid.UUID, error) {
	return uuid.Parse(d.ID)
}

// Password resolves the data source secret from the environment.
func (d *DataSourceConfig) Password() string {
	if d.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(d.PasswordEnv)
}

// TracingConfig configures OpenTelemetry export. An empty endpoint disables export.
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	Insecure     bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"OTEL_SAMPLE_RATIO" env-default:"1.0"`
}

// MCPConfig configures the MCP endpoint served at /mcp.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"MCP_ENABLED" env-default:"true"`
	// LogRequests logs JSON-RPC tool calls with sanitized arguments.
	LogRequests bool `yaml:"log_requests" env:"MCP_LOG_REQUESTS" env-default:"false"`
	// MaxRows caps the rows copied into a tool result.
	MaxRows int `yaml:"max_rows" env:"MCP_MAX_ROWS" env-default:"100"`
}

// AuditConfig configures the security audit log.
type AuditConfig struct {
	// LogExecutions adds an entry for every executed statement. High volume.
	LogExecutions bool `yaml:"log_executions" env:"AUDIT_LOG_EXECUTIONS" env-default:"false"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile reads configuration from the given path with environment variable overrides.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if cfg.RoutingFile != "" {
		rules, err := LoadRoutingRules(cfg.RoutingFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing rules: %w", err)
		}
		cfg.Routing = append(cfg.Routing, rules...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadRoutingRules reads a standalone YAML file holding a list of routing rules.
func LoadRoutingRules(path string) ([]RoutingRuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc struct {
		Rules []RoutingRuleConfig `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Rules, nil
}

// Validate checks cross-field invariants the struct tags cannot express.
func (c *Config) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if providers[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unsupported kind %q", p.Name, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %q: model is required", p.Name)
		}
		providers[p.Name] = true
	}

	for _, r := range c.Routing {
		if len(r.Providers) == 0 {
			return fmt.Errorf("routing rule %q has no providers", r.Name)
		}
		for _, name := range r.Providers {
			if !providers[name] {
				return fmt.Errorf("routing rule %q references unknown provider %q", r.Name, name)
			}
		}
	}

	seen := make(map[uuid.UUID]bool, len(c.DataSources))
	for i := range c.DataSources {
		id, err := c.DataSources[i].ParsedID()
		if err != nil {
			return fmt.Errorf("datasource %q: invalid id: %w", c.DataSources[i].Name, err)
		}
		if seen[id] {
			return fmt.Errorf("duplicate datasource id %s", id)
		}
		seen[id] = true
	}

	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1")
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.VectorWeight > 1 {
		return fmt.Errorf("retrieval.vector_weight must be within [0,1]")
	}
	return nil
}

// RoutingRules converts the configured rules into models, sorted by priority.
// With no rules configured, a single catch-all rule lists every provider in
// declaration order.
func (c *Config) RoutingRules() []models.RoutingRule {
	rules := make([]models.RoutingRule, 0, len(c.Routing))
	for _, r := range c.Routing {
		rules = append(rules, models.RoutingRule{
			Name:      r.Name,
			Priority:  r.Priority,
			When:      r.When,
			Providers: append([]string(nil), r.Providers...),
		})
	}
	if len(rules) == 0 && len(c.Providers) > 0 {
		all := make([]string, 0, len(c.Providers))
		for _, p := range c.Providers {
			all = append(all, p.Name)
		}
		rules = append(rules, models.RoutingRule{Name: "default", Providers: all})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return rules
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
