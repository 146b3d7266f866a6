package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/providers"
	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/orchestrator"
)

// Config is the main configuration structure for conductor.
type Config struct {
	Version   int                       `yaml:"version" jsonschema:"minimum=1,description=Config layout version. Older layouts are migrated on load."`
	LLM       LLMConfig                 `yaml:"llm" jsonschema:"description=Language model provider used for every agent step and for tool server sampling."`
	Agent     AgentConfig               `yaml:"agent" jsonschema:"description=Loop strategy and per-run limits."`
	Approval  ApprovalConfig            `yaml:"approval" jsonschema:"description=Which tool calls wait for a human decision and for how long."`
	Injection agent.InjectionConfig     `yaml:"injection" jsonschema:"description=Names of the trusted parameters filled in by conductor and hidden from the model."`
	MCP       mcp.Config                `yaml:"mcp" jsonschema:"description=Tool servers and their reconnect policy."`
	Logging   observability.LogConfig   `yaml:"logging"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Audit     audit.Config              `yaml:"audit" jsonschema:"description=Audit trail of runs and tool calls and approval decisions."`
}

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	// Provider is one of anthropic, openai, google or bedrock.
	Provider string `yaml:"provider" jsonschema:"enum=anthropic,enum=openai,enum=google,enum=gemini,enum=bedrock"`
	Model    string `yaml:"model"`

	// APIKey falls back to the provider's usual environment variable.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Region is used by bedrock only.
	Region string `yaml:"region"`

	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// SamplingModel answers tool server sampling requests. Defaults to Model.
	SamplingModel string `yaml:"sampling_model"`
}

// AgentConfig bounds runs and tool execution.
type AgentConfig struct {
	Strategy       string        `yaml:"strategy" jsonschema:"enum=agentic,enum=plain,enum=act,enum=think_act,enum=react"`
	MaxSteps       int           `yaml:"max_steps"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// ApprovalConfig is the admin approval policy plus the approval wait.
type ApprovalConfig struct {
	agent.ApprovalPolicy `yaml:",inline"`

	// Timeout bounds how long a call waits for a decision. Default: 5m
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ConfigValidationError collects every problem found by Validate.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Load reads, merges, migrates, defaults and validates a configuration
// file.
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// load is Load that also returns every file the config was read from.
func load(path string) (*Config, []string, error) {
	t, err := readTree(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(t.raw)
	if err != nil {
		return nil, t.files, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, t.files, err
	}
	return cfg, t.files, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(cfg.LLM.Provider)
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.SamplingModel == "" {
		cfg.LLM.SamplingModel = cfg.LLM.Model
	}
	if cfg.Agent.Strategy == "" {
		cfg.Agent.Strategy = string(agent.StrategyAgentic)
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 10
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = agent.DefaultApprovalTimeout
	}
	injection := agent.DefaultInjectionConfig()
	if cfg.Injection.ActingUserParam == "" {
		cfg.Injection.ActingUserParam = injection.ActingUserParam
	}
	if cfg.Injection.CatalogParam == "" {
		cfg.Injection.CatalogParam = injection.CatalogParam
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = mcp.TransportStdio
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "conductor"
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}

	auditDefaults := audit.DefaultConfig()
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = auditDefaults.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = auditDefaults.Format
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = auditDefaults.Output
	}
	if cfg.Audit.MaxFieldSize == 0 {
		cfg.Audit.MaxFieldSize = auditDefaults.MaxFieldSize
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = auditDefaults.BufferSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = auditDefaults.FlushInterval
	}
}

func apiKeyFromEnv(provider string) string {
	switch provider {
	case "anthropic", "claude":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var issues []string

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	switch c.LLM.Provider {
	case "anthropic", "claude", "openai", "google", "gemini":
		if c.LLM.APIKey == "" {
			issues = append(issues, fmt.Sprintf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
	case "bedrock":
		if c.LLM.Model == "" {
			issues = append(issues, "llm.model is required for bedrock")
		}
	default:
		issues = append(issues, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.MaxTokens < 0 {
		issues = append(issues, "llm.max_tokens must be >= 0")
	}
	if c.LLM.MaxRetries < 0 {
		issues = append(issues, "llm.max_retries must be >= 0")
	}

	if _, err := agent.ParseStrategyKind(c.Agent.Strategy); err != nil {
		issues = append(issues, fmt.Sprintf("agent.strategy: %v", err))
	}
	if c.Agent.MaxSteps < 0 {
		issues = append(issues, "agent.max_steps must be >= 0")
	}
	if c.Agent.MaxConcurrency < 0 {
		issues = append(issues, "agent.max_concurrency must be >= 0")
	}
	if c.Approval.Timeout < 0 {
		issues = append(issues, "approval.timeout must be >= 0")
	}
	if c.Injection.ActingUserParam == c.Injection.CatalogParam {
		issues = append(issues, "injection.acting_user_param and injection.catalog_param must differ")
	}

	seen := map[string]bool{}
	for i := range c.MCP.Servers {
		server := &c.MCP.Servers[i]
		if err := server.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d]: %v", i, err))
		}
		if server.Name != "" && seen[server.Name] {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d]: duplicate server name %q", i, server.Name))
		}
		seen[server.Name] = true
	}
	if err := c.MCP.Reconnect.Validate(); err != nil {
		issues = append(issues, fmt.Sprintf("mcp.reconnect: %v", err))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	switch c.Audit.Format {
	case audit.FormatJSON, audit.FormatText:
	default:
		issues = append(issues, fmt.Sprintf("audit.format %q must be json or text", c.Audit.Format))
	}
	switch c.Audit.Level {
	case audit.LevelDebug, audit.LevelInfo, audit.LevelWarn, audit.LevelError:
	default:
		issues = append(issues, fmt.Sprintf("audit.level %q is not a known level", c.Audit.Level))
	}
	if out := c.Audit.Output; out != "stdout" && out != "stderr" && !strings.HasPrefix(out, "file:") {
		issues = append(issues, fmt.Sprintf("audit.output %q must be stdout, stderr or file:<path>", out))
	}
	if c.Audit.BufferSize < 0 || c.Audit.MaxFieldSize < 0 {
		issues = append(issues, "audit.buffer_size and audit.max_field_size must be >= 0")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// ProviderConfig converts the llm section for providers.New.
func (c *Config) ProviderConfig() providers.Config {
	return providers.Config{
		Provider:        c.LLM.Provider,
		Model:           c.LLM.Model,
		APIKey:          c.LLM.APIKey,
		BaseURL:         c.LLM.BaseURL,
		MaxRetries:      c.LLM.MaxRetries,
		RetryDelay:      c.LLM.RetryDelay,
		Region:          c.LLM.Region,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}
}

// OrchestratorConfig converts the agent, approval and injection sections.
// The strategy is assumed valid; Load has already checked it.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	kind, _ := agent.ParseStrategyKind(c.Agent.Strategy)
	policy := c.Approval.ApprovalPolicy
	return orchestrator.Config{
		Strategy: kind,
		MaxSteps: c.Agent.MaxSteps,
		Loop: agent.LoopConfig{
			MaxSteps:     c.Agent.MaxSteps,
			MaxTokens:    c.LLM.MaxTokens,
			Model:        c.LLM.Model,
			SystemPrompt: c.LLM.SystemPrompt,
		},
		Exec: agent.ToolExecConfig{
			PerToolTimeout: c.Agent.ToolTimeout,
			MaxConcurrency: c.Agent.MaxConcurrency,
			Injection:      c.Injection,
		},
		Approval:          &policy,
		ApprovalTimeout:   c.Approval.Timeout,
		SamplingModel:     c.LLM.SamplingModel,
		SamplingMaxTokens: c.LLM.MaxTokens,
	}
}
