package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	GitHub       GitHubConfig       `json:"github"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	TokenBudget  TokenBudgetConfig  `json:"token_budget"`
	Circuit      CircuitConfig      `json:"circuit"`
	Grading      GradingConfig      `json:"grading"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Metrics      MetricsConfig      `json:"metrics"`
	Tracing      TracingConfig      `json:"tracing"`
	Notify       NotifyConfig       `json:"notify"`
}

// GitHubConfig holds source-hosting API access settings
type GitHubConfig struct {
	Token   string `json:"-"`
	BaseURL string `json:"base_url"`
	// GitHub App installation auth, used instead of Token when AppID is set
	AppID             int64  `json:"app_id"`
	AppInstallationID int64  `json:"app_installation_id"`
	AppPrivateKey     string `json:"-"`
}

// RateLimitConfig tunes the GitHub request executor
type RateLimitConfig struct {
	MaxRetries             int           `json:"max_retries"`
	BaseDelay              time.Duration `json:"base_delay"`
	MaxDelay               time.Duration `json:"max_delay"`
	Jitter                 time.Duration `json:"jitter"`
	SecondaryCooldownFloor time.Duration `json:"secondary_cooldown_floor"`
	WritesPerMinute        int           `json:"writes_per_minute"`
	MinWriteGap            time.Duration `json:"min_write_gap"`
	WriteGapIncrement      time.Duration `json:"write_gap_increment"`
}

// TokenBudgetConfig holds per-provider request and token budgets. Zero disables a budget.
type TokenBudgetConfig struct {
	Provider              string  `json:"provider"`
	RequestsPerMinute     int     `json:"requests_per_minute"`
	TokensPerMinute       int     `json:"tokens_per_minute"`
	InputTokensPerMinute  int     `json:"input_tokens_per_minute"`
	OutputTokensPerMinute int     `json:"output_tokens_per_minute"`
	SafetyMargin          float64 `json:"safety_margin"`
	EstimatedInputTokens  int     `json:"estimated_input_tokens"`
	EstimatedOutputTokens int     `json:"estimated_output_tokens"`
}

// CircuitConfig configures the per-operation circuit breakers
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// GradingConfig configures the grading capability
type GradingConfig struct {
	Command      string        `json:"command"`
	Model        string        `json:"model"`
	PromptFile   string        `json:"prompt_file"`
	RequiredKeys []string      `json:"required_keys"`
	Timeout      time.Duration `json:"timeout"`
	Retries      int           `json:"retries"`
	RetryDelay   time.Duration `json:"retry_delay"`
	CloneTimeout time.Duration `json:"clone_timeout"`
}

// OrchestratorConfig bounds batch concurrency
type OrchestratorConfig struct {
	CloneBatchSize int    `json:"clone_batch_size"`
	InstanceCount  int    `json:"instance_count"`
	WorkDir        string `json:"work_dir"`
	PostFeedback   bool   `json:"post_feedback"`
}

// ServerConfig contains the control API configuration
type ServerConfig struct {
	Enabled        bool          `json:"enabled"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	JWTSecret      string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// NotifyConfig contains completion notification settings
type NotifyConfig struct {
	SlackWebhookURL string `json:"-"`
	SlackChannel    string `json:"slack_channel"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		GitHub: GitHubConfig{
			Token:             getEnvString("GITHUB_TOKEN", ""),
			AppID:             int64(getEnvInt("GITHUB_APP_ID", 0)),
			AppInstallationID: int64(getEnvInt("GITHUB_APP_INSTALLATION_ID", 0)),
			AppPrivateKey:     getEnvString("GITHUB_APP_PRIVATE_KEY", ""),
			BaseURL:           getEnvString("GITHUB_API_URL", ""),
		},
		RateLimit: RateLimitConfig{
			MaxRetries:             getEnvInt("GITHUB_MAX_RETRIES", 3),
			BaseDelay:              getEnvDuration("GITHUB_BASE_DELAY", time.Second),
			MaxDelay:               getEnvDuration("GITHUB_MAX_DELAY", 2*time.Minute),
			Jitter:                 getEnvDuration("GITHUB_JITTER", time.Second),
			SecondaryCooldownFloor: getEnvDuration("GITHUB_SECONDARY_COOLDOWN", 65*time.Second),
			WritesPerMinute:        getEnvInt("GITHUB_WRITES_PER_MINUTE", 80),
			MinWriteGap:            getEnvDuration("GITHUB_MIN_WRITE_GAP", time.Second),
			WriteGapIncrement:      getEnvDuration("GITHUB_WRITE_GAP_INCREMENT", 500*time.Millisecond),
		},
		TokenBudget: TokenBudgetConfig{
			Provider:              getEnvString("AI_PROVIDER", "openai"),
			RequestsPerMinute:     getEnvInt("AI_RATE_LIMIT_RPM", 0),
			TokensPerMinute:       getEnvInt("AI_RATE_LIMIT_TPM", 0),
			InputTokensPerMinute:  getEnvInt("AI_RATE_LIMIT_INPUT_TPM", 0),
			OutputTokensPerMinute: getEnvInt("AI_RATE_LIMIT_OUTPUT_TPM", 0),
			SafetyMargin:          getEnvFloat("AI_RATE_LIMIT_MARGIN", 0.1),
			EstimatedInputTokens:  getEnvInt("AI_ESTIMATED_INPUT_TOKENS", 20000),
			EstimatedOutputTokens: getEnvInt("AI_ESTIMATED_OUTPUT_TOKENS", 2000),
		},
		Circuit: CircuitConfig{
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvDuration("CIRCUIT_RESET_TIMEOUT", time.Minute),
		},
		Grading: GradingConfig{
			Command:      getEnvString("GRADER_COMMAND", "codex exec --json"),
			Model:        getEnvString("GRADER_MODEL", ""),
			PromptFile:   getEnvString("GRADER_PROMPT_FILE", ""),
			RequiredKeys: getEnvList("GRADER_REQUIRED_KEYS", nil),
			Timeout:      getEnvDuration("GRADER_TIMEOUT", 15*time.Minute),
			Retries:      getEnvInt("GRADER_RETRIES", 1),
			RetryDelay:   getEnvDuration("GRADER_RETRY_DELAY", 5*time.Second),
			CloneTimeout: getEnvDuration("CLONE_TIMEOUT", 5*time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			CloneBatchSize: getEnvInt("CLONE_BATCH_SIZE", 5),
			InstanceCount:  getEnvInt("GRADER_INSTANCE_COUNT", 3),
			WorkDir:        getEnvString("WORK_DIR", os.TempDir()+"/repograde"),
			PostFeedback:   getEnvBool("POST_FEEDBACK", false),
		},
		Server: ServerConfig{
			Enabled:        getEnvBool("CONTROL_API_ENABLED", false),
			Host:           getEnvString("CONTROL_API_HOST", "127.0.0.1"),
			Port:           getEnvInt("CONTROL_API_PORT", 8089),
			JWTSecret:      getEnvString("CONTROL_API_JWT_SECRET", ""),
			AllowedOrigins: getEnvList("CONTROL_API_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			ReadTimeout:    getEnvDuration("CONTROL_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("CONTROL_API_WRITE_TIMEOUT", 15*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stderr"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "repograde"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Notify: NotifyConfig{
			SlackWebhookURL: getEnvString("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("SLACK_CHANNEL", ""),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.GitHub.AppID != 0 {
		if c.GitHub.AppInstallationID == 0 || c.GitHub.AppPrivateKey == "" {
			return fmt.Errorf("GITHUB_APP_INSTALLATION_ID and GITHUB_APP_PRIVATE_KEY are required with GITHUB_APP_ID")
		}
	} else if c.GitHub.Token == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}

	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.RateLimit.WritesPerMinute <= 0 {
		return fmt.Errorf("writes per minute must be positive")
	}

	if c.TokenBudget.SafetyMargin < 0 || c.TokenBudget.SafetyMargin >= 1 {
		return fmt.Errorf("safety margin must be in [0, 1), got %v", c.TokenBudget.SafetyMargin)
	}

	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit failure threshold must be positive")
	}

	if c.Orchestrator.CloneBatchSize <= 0 {
		return fmt.Errorf("clone batch size must be positive")
	}

	if c.Orchestrator.InstanceCount <= 0 {
		return fmt.Errorf("instance count must be positive")
	}

	if strings.TrimSpace(c.Grading.Command) == "" {
		return fmt.Errorf("grader command is required")
	}

	return nil
}

// ServerAddr returns the control API listen address
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
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
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
