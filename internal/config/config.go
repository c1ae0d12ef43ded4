package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all settings for the self-healing engine.
type Config struct {
	// Deployment environment: "development", "staging", "production"
	Env string `yaml:"env" mapstructure:"env"`

	HTTP       HTTPConfig       `yaml:"http" mapstructure:"http"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	GitHub     GitHubConfig     `yaml:"github" mapstructure:"github"`
	Healing    HealingConfig    `yaml:"healing" mapstructure:"healing"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

type StorageConfig struct {
	Type        string `yaml:"type" mapstructure:"type"` // "sqlite", "postgres"
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	LocalPath   string `yaml:"local_path" mapstructure:"local_path"`
}

type AIConfig struct {
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Model       string        `yaml:"model" mapstructure:"model"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Temperature float32       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
}

type GitHubConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	Repo      string `yaml:"repo" mapstructure:"repo"` // "owner/name"
	RateLimit int    `yaml:"rate_limit" mapstructure:"rate_limit"`
}

type HealingConfig struct {
	ConfidenceFloor    float64                  `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	AutoHealLowRisk    bool                     `yaml:"auto_heal_low_risk" mapstructure:"auto_heal_low_risk"`
	AutoHealMediumRisk bool                     `yaml:"auto_heal_medium_risk" mapstructure:"auto_heal_medium_risk"`
	AutoHealHighRisk   bool                     `yaml:"auto_heal_high_risk" mapstructure:"auto_heal_high_risk"`
	MaxAttemptsPerBug  int                      `yaml:"max_attempts_per_bug" mapstructure:"max_attempts_per_bug"`
	ActionTimeout      time.Duration            `yaml:"action_timeout" mapstructure:"action_timeout"`
	ActionTimeouts     map[string]time.Duration `yaml:"action_timeouts" mapstructure:"action_timeouts"`
	CatalogPath        string                   `yaml:"catalog_path" mapstructure:"catalog_path"`
}

type RegistryConfig struct {
	RecurrenceWindow time.Duration `yaml:"recurrence_window" mapstructure:"recurrence_window"`
}

type HealthConfig struct {
	HalfLife time.Duration `yaml:"half_life" mapstructure:"half_life"`
}

type EscalationConfig struct {
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts" mapstructure:"max_delivery_attempts"`
	InitialBackoff      time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	RetrySchedule       string        `yaml:"retry_schedule" mapstructure:"retry_schedule"` // cron spec
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Storage: StorageConfig{
			Type:      "sqlite",
			LocalPath: filepath.Join(homeDir, ".opsmend", "opsmend.db"),
		},
		AI: AIConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-3.5-sonnet",
			Timeout:     20 * time.Second,
			Temperature: 0.1,
			MaxTokens:   4000,
		},
		GitHub: GitHubConfig{
			RateLimit: 10,
		},
		Healing: HealingConfig{
			ConfidenceFloor:    0.6,
			AutoHealLowRisk:    true,
			AutoHealMediumRisk: true,
			AutoHealHighRisk:   false,
			MaxAttemptsPerBug:  3,
			ActionTimeout:      30 * time.Second,
		},
		Registry: RegistryConfig{
			RecurrenceWindow: 24 * time.Hour,
		},
		Health: HealthConfig{
			HalfLife: time.Hour,
		},
		Escalation: EscalationConfig{
			MaxDeliveryAttempts: 4,
			InitialBackoff:      2 * time.Second,
			RetrySchedule:       "@every 5m",
		},
	}
}

// Load reads configuration from file, environment variables and .env files.
// The loaded Config is immutable for the process lifetime; changing settings
// requires re-construction of the components that consume it.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("env", cfg.Env)
	v.SetDefault("http", cfg.HTTP)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("ai", cfg.AI)
	v.SetDefault("github", cfg.GitHub)
	v.SetDefault("healing", cfg.Healing)
	v.SetDefault("registry", cfg.Registry)
	v.SetDefault("health", cfg.Health)
	v.SetDefault("escalation", cfg.Escalation)

	v.SetEnvPrefix("OPSMEND")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".opsmend")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".opsmend"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing config file is fine, defaults apply.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.Healing.ConfidenceFloor < 0 || c.Healing.ConfidenceFloor > 1 {
		return fmt.Errorf("healing.confidence_floor must be in [0,1], got %v", c.Healing.ConfidenceFloor)
	}
	if c.Healing.MaxAttemptsPerBug < 1 {
		return fmt.Errorf("healing.max_attempts_per_bug must be >= 1, got %d", c.Healing.MaxAttemptsPerBug)
	}
	if c.Healing.ActionTimeout <= 0 {
		return fmt.Errorf("healing.action_timeout must be positive, got %v", c.Healing.ActionTimeout)
	}
	if c.Registry.RecurrenceWindow <= 0 {
		return fmt.Errorf("registry.recurrence_window must be positive, got %v", c.Registry.RecurrenceWindow)
	}
	if c.Health.HalfLife <= 0 {
		return fmt.Errorf("health.half_life must be positive, got %v", c.Health.HalfLife)
	}
	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.type must be sqlite or postgres, got %q", c.Storage.Type)
	}
	return nil
}

// loadEnvFiles loads .env files in order of precedence.
func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".opsmend", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies well-known environment variables on top of the
// file-based configuration. Env vars have the highest precedence.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.AI.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = key
	}
	if url := os.Getenv("OPENROUTER_BASE_URL"); url != "" {
		cfg.AI.BaseURL = url
	}
	if model := os.Getenv("AI_MODEL"); model != "" {
		cfg.AI.Model = model
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if repo := os.Getenv("GITHUB_REPO"); repo != "" {
		cfg.GitHub.Repo = repo
	}

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.Type = "postgres"
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		cfg.Storage.LocalPath = expandPath(path)
	}

	if v := os.Getenv("AUTO_HEAL_LOW_RISK"); v != "" {
		cfg.Healing.AutoHealLowRisk = v == "true"
	}
	if v := os.Getenv("AUTO_HEAL_MEDIUM_RISK"); v != "" {
		cfg.Healing.AutoHealMediumRisk = v == "true"
	}
	if v := os.Getenv("AUTO_HEAL_HIGH_RISK"); v != "" {
		cfg.Healing.AutoHealHighRisk = v == "true"
	}
	if v := os.Getenv("CONFIDENCE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Healing.ConfidenceFloor = f
		}
	}
	if v := os.Getenv("MAX_ATTEMPTS_PER_BUG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Healing.MaxAttemptsPerBug = n
		}
	}

	if env := os.Getenv("OPSMEND_ENV"); env != "" {
		cfg.Env = env
	}
	if listen := os.Getenv("OPSMEND_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// ActionTimeoutFor returns the execution timeout for an action type,
// falling back to the global default.
func (h HealingConfig) ActionTimeoutFor(actionType string) time.Duration {
	if d, ok := h.ActionTimeouts[actionType]; ok && d > 0 {
		return d
	}
	return h.ActionTimeout
}
