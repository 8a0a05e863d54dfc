package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateURL checks that raw is an absolute http(s) URL.
func (v *Validator) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: host is required", raw)
	}
	return nil
}

// ValidateSchedule checks a cron spec, including @every descriptors.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateDatabaseDriver validates a database/sql driver name
func (v *Validator) ValidateDatabaseDriver(driver string) error {
	switch driver {
	case "sqlite3", "mysql", "postgres":
		return nil
	}
	return fmt.Errorf("invalid database driver: %s (must be one of: sqlite3, mysql, postgres)", driver)
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.LLM.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.LLM.APIKey, cfg.LLM.Provider); err != nil {
			errors = append(errors, fmt.Errorf("llm: %w", err))
		}
	}
	if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("llm: %w", err))
	}
	if cfg.LLM.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.LLM.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("llm: %w", err))
		}
	}
	if cfg.LLM.BaseURL != "" {
		if err := v.ValidateURL(cfg.LLM.BaseURL); err != nil {
			errors = append(errors, fmt.Errorf("llm: %w", err))
		}
	}
	if cfg.LLM.Provider == "azure" && cfg.LLM.Azure.Endpoint != "" {
		if err := v.ValidateURL(cfg.LLM.Azure.Endpoint); err != nil {
			errors = append(errors, fmt.Errorf("llm.azure: %w", err))
		}
	}

	if cfg.Agent.ChunkSize <= 0 {
		errors = append(errors, fmt.Errorf("agent.chunk_size must be positive"))
	}
	if cfg.Agent.HistoryWindow <= 0 {
		errors = append(errors, fmt.Errorf("agent.history_window must be positive"))
	}

	if cfg.Splunk.Enabled {
		if cfg.Splunk.Query.PageSize <= 0 {
			errors = append(errors, fmt.Errorf("splunk.query.page_size must be positive"))
		}
		if cfg.Splunk.Query.MaxExecutionTimeSeconds <= 0 {
			errors = append(errors, fmt.Errorf("splunk.query.max_execution_time_seconds must be positive"))
		}
	}

	if cfg.Bitbucket.Enabled && cfg.Bitbucket.BaseURL != "" {
		if err := v.ValidateURL(cfg.Bitbucket.BaseURL); err != nil {
			errors = append(errors, fmt.Errorf("bitbucket: %w", err))
		}
	}

	if cfg.Outlook.Enabled && cfg.Outlook.SearchTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("outlook.search_timeout_seconds must be positive"))
	}

	if cfg.Database.Enabled {
		if cfg.Database.Mode != "mock" && cfg.Database.Mode != "live" {
			errors = append(errors, fmt.Errorf("invalid database mode: %s (must be one of: mock, live)", cfg.Database.Mode))
		}
		for name, env := range cfg.Database.Environments {
			if err := v.ValidateDatabaseDriver(env.Driver); err != nil {
				errors = append(errors, fmt.Errorf("database environment %s: %w", name, err))
			}
		}
	}

	if err := v.ValidateSchedule(cfg.Housekeeping.MemorySweep); err != nil {
		errors = append(errors, fmt.Errorf("housekeeping.memory_sweep: %w", err))
	}
	if err := v.ValidateSchedule(cfg.Housekeeping.LanePrune); err != nil {
		errors = append(errors, fmt.Errorf("housekeeping.lane_prune: %w", err))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
