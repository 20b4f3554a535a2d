// Package config provides centralized configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration parameters for the application.
type Config struct {
	GitHub    GitHubConfig
	Jira      JiraConfig
	Pipeline  PipelineConfig
	State     StateConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// GitHubConfig holds GitHub specific configuration.
type GitHubConfig struct {
	Token         string
	Domain        string
	Repository    string
	BaseBranch    string
	BranchPrefix  string
	LocalOnly     bool
	CreateIssues  bool
	WebhookSecret string
	Timeout       time.Duration
}

// JiraConfig holds JIRA specific configuration.
type JiraConfig struct {
	URL      string
	Username string
	Token    string
	Project  string
}

// PipelineConfig holds orchestration settings.
type PipelineConfig struct {
	EnforceRemotePR bool
	Actor           string
	Workers         int
}

// StateConfig locates the CLI's state file.
type StateConfig struct {
	Path string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled bool
	Stdout  bool
}

// LoadConfig initializes and loads configuration from environment variables
// and an optional capflow.yaml file.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("capflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.capflow")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{
		GitHub: GitHubConfig{
			Token:         v.GetString("github.token"),
			Domain:        v.GetString("github.domain"),
			Repository:    v.GetString("github.repository"),
			BaseBranch:    v.GetString("github.base_branch"),
			BranchPrefix:  v.GetString("github.branch_prefix"),
			LocalOnly:     v.GetBool("github.local_only"),
			CreateIssues:  v.GetBool("github.create_issues"),
			WebhookSecret: v.GetString("github.webhook_secret"),
			Timeout:       v.GetDuration("github.timeout"),
		},
		Jira: JiraConfig{
			URL:      v.GetString("jira.url"),
			Username: v.GetString("jira.username"),
			Token:    v.GetString("jira.token"),
			Project:  v.GetString("jira.project"),
		},
		Pipeline: PipelineConfig{
			EnforceRemotePR: v.GetBool("pipeline.enforce_remote_pr"),
			Actor:           v.GetString("pipeline.actor"),
			Workers:         v.GetInt("pipeline.workers"),
		},
		State: StateConfig{
			Path: v.GetString("state.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Telemetry: TelemetryConfig{
			Enabled: v.GetBool("telemetry.enabled"),
			Stdout:  v.GetBool("telemetry.stdout"),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github.domain", "github.com")
	v.SetDefault("github.branch_prefix", "capflow")
	v.SetDefault("github.timeout", 15*time.Second)
	v.SetDefault("pipeline.actor", "capflow")
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("state.path", ".capflow/state.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func bindEnv(v *viper.Viper) {
	// Errors from BindEnv only occur with zero arguments.
	_ = v.BindEnv("github.token", "GITHUB_TOKEN")
	_ = v.BindEnv("github.domain", "GITHUB_DOMAIN")
	_ = v.BindEnv("github.repository", "CAPFLOW_REPOSITORY")
	_ = v.BindEnv("github.base_branch", "CAPFLOW_BASE_BRANCH")
	_ = v.BindEnv("github.branch_prefix", "CAPFLOW_BRANCH_PREFIX")
	_ = v.BindEnv("github.local_only", "CAPFLOW_LOCAL_ONLY")
	_ = v.BindEnv("github.create_issues", "CAPFLOW_CREATE_ISSUES")
	_ = v.BindEnv("github.webhook_secret", "GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("github.timeout", "CAPFLOW_GITHUB_TIMEOUT")
	_ = v.BindEnv("jira.url", "JIRA_URL")
	_ = v.BindEnv("jira.username", "JIRA_USERNAME")
	_ = v.BindEnv("jira.token", "JIRA_TOKEN")
	_ = v.BindEnv("jira.project", "JIRA_PROJECT")
	_ = v.BindEnv("pipeline.enforce_remote_pr", "CAPFLOW_ENFORCE_REMOTE_PR")
	_ = v.BindEnv("pipeline.actor", "CAPFLOW_ACTOR")
	_ = v.BindEnv("pipeline.workers", "CAPFLOW_WORKERS")
	_ = v.BindEnv("state.path", "CAPFLOW_STATE")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("telemetry.enabled", "CAPFLOW_OTEL_ENABLED")
	_ = v.BindEnv("telemetry.stdout", "CAPFLOW_OTEL_STDOUT")
}

// validateConfig ensures that the configuration values are usable. A missing
// GitHub token is not an error: it selects draft mode.
func validateConfig(config *Config) error {
	if config.GitHub.Domain == "" {
		config.GitHub.Domain = "github.com"
	}
	if repo := config.GitHub.Repository; repo != "" {
		parts := strings.Split(repo, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid repository format: %s, expected format: owner/repo", repo)
		}
	}
	if config.GitHub.Timeout <= 0 {
		return fmt.Errorf("github timeout must be positive, got %s", config.GitHub.Timeout)
	}
	if config.Pipeline.Workers < 1 {
		config.Pipeline.Workers = 1
	}
	return nil
}

// ValidateJiraConfig validates JIRA-specific configuration.
func ValidateJiraConfig(config *Config) error {
	var missingVars []string

	if config.Jira.URL == "" {
		missingVars = append(missingVars, "JIRA_URL")
	}
	if config.Jira.Username == "" {
		missingVars = append(missingVars, "JIRA_USERNAME")
	}
	if config.Jira.Token == "" {
		missingVars = append(missingVars, "JIRA_TOKEN")
	}
	if config.Jira.Project == "" {
		missingVars = append(missingVars, "JIRA_PROJECT")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return nil
}

// JiraEnabled reports whether every Jira setting is present.
func (c *Config) JiraEnabled() bool {
	return ValidateJiraConfig(c) == nil
}

// GitHubAPIURL returns the REST endpoint for the configured domain.
func (c GitHubConfig) GitHubAPIURL() string {
	if c.Domain == "" || c.Domain == "github.com" {
		return "https://api.github.com/"
	}
	return fmt.Sprintf("https://%s/api/v3/", c.Domain)
}
