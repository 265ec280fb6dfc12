// Package config provides static configuration for the orchestrator:
// the model/provider tables, per-provider rate limits, resilience
// middleware settings, and workflow/branching defaults.
//
// A single Config instance is held in memory behind a mutex and loaded
// once at startup from a YAML file (falling back to built-in defaults
// when absent). Save validates before persisting; Get returns a copy of
// the held Config, so mutating it does not change the shared instance.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/orchestrator/pkg/logx"
)

//nolint:gochecknoglobals // intentional singleton: one orchestrator config per process
var (
	current *Config
	mu      sync.RWMutex
)

// Model name constants for the providers this orchestrator ships adapters for.
const (
	ModelClaudeSonnet4 = "claude-sonnet-4-20250514"
	ModelClaudeSonnet3 = "claude-3-7-sonnet-20250219"
	ModelOpenAIO3      = "o3"
	ModelOpenAIO3Mini  = "o3-mini"
	ModelGPT5          = "gpt-5"
	ModelGeminiPro     = "gemini-2.0-pro"

	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
)

// Default algorithmic constants. Not user-configurable: changing these
// changes orchestration semantics, not deployment preference.
const (
	DefaultMaxIterations    = 5
	DefaultMaxBranchDepth   = 2
	DefaultMaxDebugAttempts = 3
	DefaultMaxRetries       = 3
	DefaultTaskTimeoutSec   = 300
	DefaultPlannerRetries   = 3
	DefaultRouterMaxRetries = 3

	ConfigFilename   = "config.yaml"
	ConfigDir        = ".orchestrator"
	DatabaseFilename = "orchestrator.db"
	SchemaVersion    = "1.0"
)

// Model describes one LLM model's capabilities and budget.
type Model struct {
	Name           string  `yaml:"name" json:"name"`
	Provider       string  `yaml:"provider" json:"provider"`
	MaxTPM         int     `yaml:"max_tpm" json:"max_tpm"`
	MaxRPM         int     `yaml:"max_rpm" json:"max_rpm"`
	MaxConnections int     `yaml:"max_connections" json:"max_connections"`
	CPM            float64 `yaml:"cpm" json:"cpm"` // cost per million tokens, USD
	DailyBudget    float64 `yaml:"daily_budget" json:"daily_budget"`
}

// ModelDefaults are the built-in model definitions used when a project
// config does not override them.
//
//nolint:gochecknoglobals // immutable reference table, mirrors donor's ModelDefaults
var ModelDefaults = map[string]Model{
	ModelClaudeSonnet4: {Name: ModelClaudeSonnet4, Provider: ProviderAnthropic, MaxTPM: 3000000, MaxRPM: 4000, MaxConnections: 5, CPM: 3.0, DailyBudget: 10.0},
	ModelClaudeSonnet3: {Name: ModelClaudeSonnet3, Provider: ProviderAnthropic, MaxTPM: 300000, MaxRPM: 2000, MaxConnections: 5, CPM: 3.0, DailyBudget: 10.0},
	ModelOpenAIO3Mini:  {Name: ModelOpenAIO3Mini, Provider: ProviderOpenAI, MaxTPM: 100000, MaxRPM: 500, MaxConnections: 3, CPM: 0.6, DailyBudget: 5.0},
	ModelOpenAIO3:      {Name: ModelOpenAIO3, Provider: ProviderOpenAI, MaxTPM: 100000, MaxRPM: 500, MaxConnections: 3, CPM: 0.6, DailyBudget: 5.0},
	ModelGPT5:          {Name: ModelGPT5, Provider: ProviderOpenAI, MaxTPM: 150000, MaxRPM: 500, MaxConnections: 5, CPM: 30.0, DailyBudget: 100.0},
	ModelGeminiPro:     {Name: ModelGeminiPro, Provider: ProviderGemini, MaxTPM: 1000000, MaxRPM: 1000, MaxConnections: 5, CPM: 1.25, DailyBudget: 10.0},
}

// IsModelSupported reports whether built-in defaults exist for modelName.
func IsModelSupported(modelName string) bool {
	_, ok := ModelDefaults[modelName]
	return ok
}

// GetModelProvider returns the API provider for a given model name.
func GetModelProvider(modelName string) (string, error) {
	m, ok := ModelDefaults[modelName]
	if !ok {
		return "", fmt.Errorf("unknown model: %s", modelName)
	}
	return m.Provider, nil
}

// CalculateCost estimates USD cost for a token count under a model's CPM.
func CalculateCost(modelName string, tokens int) (float64, error) {
	m, ok := ModelDefaults[modelName]
	if !ok {
		return 0, fmt.Errorf("unknown model: %s", modelName)
	}
	return (float64(tokens) / 1_000_000) * m.CPM, nil
}

// CircuitBreakerConfig configures the circuit breaker middleware around
// provider calls.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

// ProviderLimits is the rate-limit budget for one provider.
type ProviderLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	MaxConcurrency    int `yaml:"max_concurrency" json:"max_concurrency"`
}

// RateLimitConfig groups rate limits by provider.
type RateLimitConfig struct {
	Anthropic ProviderLimits `yaml:"anthropic" json:"anthropic"`
	OpenAI    ProviderLimits `yaml:"openai" json:"openai"`
	Gemini    ProviderLimits `yaml:"gemini" json:"gemini"`
	Ollama    ProviderLimits `yaml:"ollama" json:"ollama"`
}

// ResilienceConfig bundles the resilience middleware settings applied to
// every outbound LLM call.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Timeout        time.Duration        `yaml:"timeout" json:"timeout"`
}

// MetricsConfig controls Prometheus metrics export.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Addr      string `yaml:"addr" json:"addr"` // http listen addr for /metrics
}

// WorkflowConfig holds the orchestrator's iteration/branching defaults,
// overridable per TodoList via its metadata but bounded by these caps.
type WorkflowConfig struct {
	MaxIterations    int `yaml:"max_iterations" json:"max_iterations"`
	MaxBranchDepth   int `yaml:"max_branch_depth" json:"max_branch_depth"`
	MaxDebugAttempts int `yaml:"max_debug_attempts" json:"max_debug_attempts"`
	MaxRetries       int `yaml:"max_retries" json:"max_retries"`
	TaskTimeoutSec   int `yaml:"task_timeout_sec" json:"task_timeout_sec"`
	PlannerRetries   int `yaml:"planner_retries" json:"planner_retries"`
}

// RedisConfig configures the KeyManager's Redis-backed rate tracking.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// SecretStoreConfig selects and configures the secret backend.
type SecretStoreConfig struct {
	Backend string `yaml:"backend" json:"backend"` // env | file | vault | aws | azure
}

// Config is the orchestrator's full static configuration.
type Config struct {
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`

	Models      []Model           `yaml:"models" json:"models"`
	Resilience  ResilienceConfig  `yaml:"resilience" json:"resilience"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Workflow    WorkflowConfig    `yaml:"workflow" json:"workflow"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	SecretStore SecretStoreConfig `yaml:"secret_store" json:"secret_store"`
	LogDir      string            `yaml:"log_dir" json:"log_dir"`
}

// Default returns a fully populated Config using built-in defaults.
func Default() *Config {
	models := make([]Model, 0, len(ModelDefaults))
	for _, m := range ModelDefaults {
		models = append(models, m)
	}
	return &Config{
		SchemaVersion: SchemaVersion,
		Models:        models,
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second},
			Retry: RetryConfig{
				MaxAttempts: DefaultMaxRetries, InitialDelay: time.Second, MaxDelay: 30 * time.Second,
				BackoffFactor: 2.0, Jitter: true,
			},
			RateLimit: RateLimitConfig{
				Anthropic: ProviderLimits{RequestsPerMinute: 4000, TokensPerMinute: 3000000, MaxConcurrency: 10},
				OpenAI:    ProviderLimits{RequestsPerMinute: 500, TokensPerMinute: 150000, MaxConcurrency: 5},
				Gemini:    ProviderLimits{RequestsPerMinute: 1000, TokensPerMinute: 1000000, MaxConcurrency: 10},
				Ollama:    ProviderLimits{RequestsPerMinute: 0, TokensPerMinute: 0, MaxConcurrency: 2}, // 0 = unlimited, local
			},
			Timeout: 120 * time.Second,
		},
		Metrics:    MetricsConfig{Enabled: true, Namespace: "orchestrator", Addr: ":9090"},
		Workflow: WorkflowConfig{
			MaxIterations: DefaultMaxIterations, MaxBranchDepth: DefaultMaxBranchDepth,
			MaxDebugAttempts: DefaultMaxDebugAttempts, MaxRetries: DefaultMaxRetries,
			TaskTimeoutSec: DefaultTaskTimeoutSec, PlannerRetries: DefaultPlannerRetries,
		},
		Redis:       RedisConfig{Addr: "localhost:6379", DB: 0},
		SecretStore: SecretStoreConfig{Backend: "env"},
		LogDir:      "logs",
	}
}

// Load reads config from path, falling back to Default() if the file does
// not exist. The loaded config becomes the process-wide singleton.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			current = cfg
			return copyConfig(cfg), nil
		}
		return nil, logx.Wrap(err, "read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, logx.Wrap(err, "parse config file")
	}

	if err := validate(cfg); err != nil {
		return nil, logx.Wrap(err, "validate config")
	}

	current = cfg
	return copyConfig(cfg), nil
}

// Get returns a copy of the current process-wide config, loading defaults
// if Load has not yet been called.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()

	if current == nil {
		return Default()
	}
	return copyConfig(current)
}

// Save writes cfg to path as YAML after validating it.
func Save(path string, cfg *Config) error {
	if err := validate(cfg); err != nil {
		return logx.Wrap(err, "validate config")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return logx.Wrap(err, "marshal config")
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return logx.Wrap(err, "write config file")
	}

	mu.Lock()
	current = copyConfig(cfg)
	mu.Unlock()
	return nil
}

func copyConfig(cfg *Config) *Config {
	out := *cfg
	out.Models = append([]Model(nil), cfg.Models...)
	return &out
}

func validate(cfg *Config) error {
	if cfg.Workflow.MaxIterations <= 0 {
		return fmt.Errorf("workflow.max_iterations must be positive, got %d", cfg.Workflow.MaxIterations)
	}
	if cfg.Workflow.MaxBranchDepth < 0 {
		return fmt.Errorf("workflow.max_branch_depth must be non-negative, got %d", cfg.Workflow.MaxBranchDepth)
	}
	if cfg.Workflow.MaxDebugAttempts <= 0 {
		return fmt.Errorf("workflow.max_debug_attempts must be positive, got %d", cfg.Workflow.MaxDebugAttempts)
	}
	for _, m := range cfg.Models {
		if m.Name == "" {
			return fmt.Errorf("model entry missing name")
		}
		if m.MaxTPM <= 0 {
			return fmt.Errorf("model %s: max_tpm must be positive", m.Name)
		}
	}
	switch cfg.SecretStore.Backend {
	case "env", "file", "vault", "aws", "azure", "":
	default:
		return fmt.Errorf("unknown secret_store.backend: %s", cfg.SecretStore.Backend)
	}
	return nil
}
