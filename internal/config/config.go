package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config represents the main DataLens configuration
type Config struct {
	// Data directory for PID file, audit log and log files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Server       ServerConfig       `json:"server" mapstructure:"server"`
	Agent        AgentConfig        `json:"agent" mapstructure:"agent"`
	Memory       MemoryConfig       `json:"memory" mapstructure:"memory"`
	LLM          LLMConfig          `json:"llm" mapstructure:"llm"`
	Splunk       SplunkConfig       `json:"splunk" mapstructure:"splunk"`
	Bitbucket    BitbucketConfig    `json:"bitbucket" mapstructure:"bitbucket"`
	Outlook      OutlookConfig      `json:"outlook" mapstructure:"outlook"`
	Database     DatabaseConfig     `json:"database" mapstructure:"database"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Housekeeping HousekeepingConfig `json:"housekeeping" mapstructure:"housekeeping"`
}

// ServerConfig holds the inbound HTTP server configuration
type ServerConfig struct {
	Host                   string `json:"host" mapstructure:"host"`
	Port                   int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute     int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// AgentConfig holds agent loop settings
type AgentConfig struct {
	MaxIterations      int    `json:"max_iterations" mapstructure:"max_iterations"`
	HistoryWindow      int    `json:"history_window" mapstructure:"history_window"`
	ChunkSize          int    `json:"chunk_size" mapstructure:"chunk_size"`
	TurnTimeoutSeconds int    `json:"turn_timeout_seconds" mapstructure:"turn_timeout_seconds"`
	SystemPromptFile   string `json:"system_prompt_file" mapstructure:"system_prompt_file"`
	DefaultSchema      string `json:"default_schema" mapstructure:"default_schema"`
	SecondarySchema    string `json:"secondary_schema" mapstructure:"secondary_schema"`
}

// MemoryConfig holds session memory cache limits
type MemoryConfig struct {
	MaxMessages    int `json:"max_messages" mapstructure:"max_messages"`
	MaxSessions    int `json:"max_sessions" mapstructure:"max_sessions"`
	TimeoutMinutes int `json:"timeout_minutes" mapstructure:"timeout_minutes"`
}

// LLMConfig selects and configures the model provider
type LLMConfig struct {
	Provider       string      `json:"provider" mapstructure:"provider"` // openai, anthropic, azure
	Model          string      `json:"model" mapstructure:"model"`
	APIKey         string      `json:"api_key" mapstructure:"api_key"`
	BaseURL        string      `json:"base_url" mapstructure:"base_url"`
	Temperature    float64     `json:"temperature" mapstructure:"temperature"`
	MaxTokens      int         `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries     int         `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds int         `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Azure          AzureConfig `json:"azure" mapstructure:"azure"`
}

// AzureConfig addresses an Azure OpenAI resource when provider is azure.
// The model is the deployment name. Without llm.api_key the gateway signs in
// with the client certificate.
type AzureConfig struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	APIVersion      string `json:"api_version" mapstructure:"api_version"`
	TenantID        string `json:"tenant_id" mapstructure:"tenant_id"`
	ClientID        string `json:"client_id" mapstructure:"client_id"`
	CertificatePath string `json:"certificate_path" mapstructure:"certificate_path"`
}

// SplunkConfig holds Splunk REST API settings
type SplunkConfig struct {
	Enabled        bool              `json:"enabled" mapstructure:"enabled"`
	Host           string            `json:"host" mapstructure:"host"`
	Port           int               `json:"port" mapstructure:"port"`
	Username       string            `json:"username" mapstructure:"username"`
	Password       string            `json:"password" mapstructure:"password"`
	VerifySSL      bool              `json:"verify_ssl" mapstructure:"verify_ssl"`
	TimeoutSeconds int               `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Indexes        map[string]string `json:"indexes" mapstructure:"indexes"`
	Query          SplunkQueryConfig `json:"query" mapstructure:"query"`
}

// SplunkQueryConfig holds search job defaults
type SplunkQueryConfig struct {
	EarliestTime            string `json:"earliest_time" mapstructure:"earliest_time"`
	LatestTime              string `json:"latest_time" mapstructure:"latest_time"`
	MaxResults              int    `json:"max_results" mapstructure:"max_results"`
	PageSize                int    `json:"page_size" mapstructure:"page_size"`
	MaxExecutionTimeSeconds int    `json:"max_execution_time_seconds" mapstructure:"max_execution_time_seconds"`
	PollIntervalMs          int    `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// BitbucketConfig holds Bitbucket Server settings
type BitbucketConfig struct {
	Enabled               bool   `json:"enabled" mapstructure:"enabled"`
	BaseURL               string `json:"base_url" mapstructure:"base_url"`
	Token                 string `json:"token" mapstructure:"token"`
	DefaultProject        string `json:"default_project" mapstructure:"default_project"`
	VerifySSL             bool   `json:"verify_ssl" mapstructure:"verify_ssl"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int    `json:"read_timeout_seconds" mapstructure:"read_timeout_seconds"`
}

// OutlookConfig holds mail search settings
type OutlookConfig struct {
	Enabled               bool   `json:"enabled" mapstructure:"enabled"`
	SharedMailboxEmail    string `json:"shared_mailbox_email" mapstructure:"shared_mailbox_email"`
	SearchPersonalMailbox bool   `json:"search_personal_mailbox" mapstructure:"search_personal_mailbox"`
	SearchSharedMailbox   bool   `json:"search_shared_mailbox" mapstructure:"search_shared_mailbox"`
	MaxSearchResults      int    `json:"max_search_results" mapstructure:"max_search_results"`
	SearchTimeoutSeconds  int    `json:"search_timeout_seconds" mapstructure:"search_timeout_seconds"`
	SearchAllFolders      bool   `json:"search_all_folders" mapstructure:"search_all_folders"`
	MaxBodyChars          int    `json:"max_body_chars" mapstructure:"max_body_chars"`
}

// DatabaseConfig holds database tool settings
type DatabaseConfig struct {
	Enabled             bool                           `json:"enabled" mapstructure:"enabled"`
	Mode                string                         `json:"mode" mapstructure:"mode"` // mock, live
	DefaultEnvironment  string                         `json:"default_environment" mapstructure:"default_environment"`
	MaxRows             int                            `json:"max_rows" mapstructure:"max_rows"`
	QueryTimeoutSeconds int                            `json:"query_timeout_seconds" mapstructure:"query_timeout_seconds"`
	Environments        map[string]DatabaseEnvironment `json:"environments" mapstructure:"environments"`
}

// DatabaseEnvironment is one target database
type DatabaseEnvironment struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite3, mysql, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

// HousekeepingConfig holds cron specs for background maintenance
type HousekeepingConfig struct {
	MemorySweep string `json:"memory_sweep" mapstructure:"memory_sweep"`
	LanePrune   string `json:"lane_prune" mapstructure:"lane_prune"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			RateLimitPerMinute:     60,
			ShutdownTimeoutSeconds: 10,
		},
		Agent: AgentConfig{
			MaxIterations:      10,
			HistoryWindow:      50,
			ChunkSize:          50,
			TurnTimeoutSeconds: 300,
			DefaultSchema:      "SCHEMA_A",
			SecondarySchema:    "SCHEMA_B",
		},
		Memory: MemoryConfig{
			MaxMessages:    20,
			MaxSessions:    1000,
			TimeoutMinutes: 30,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			Temperature:    0.2,
			MaxTokens:      4096,
			MaxRetries:     2,
			TimeoutSeconds: 120,
		},
		Splunk: SplunkConfig{
			Port:           8089,
			TimeoutSeconds: 30,
			Indexes: map[string]string{
				"uat":  "index_app_fxs_uat",
				"prod": "index_app_fxs",
			},
			Query: SplunkQueryConfig{
				EarliestTime:            "-30d",
				LatestTime:              "now",
				MaxResults:              10000,
				PageSize:                1000,
				MaxExecutionTimeSeconds: 300,
				PollIntervalMs:          1000,
			},
		},
		Bitbucket: BitbucketConfig{
			ConnectTimeoutSeconds: 10,
			ReadTimeoutSeconds:    30,
		},
		Outlook: OutlookConfig{
			SearchPersonalMailbox: true,
			SearchSharedMailbox:   true,
			MaxSearchResults:      50,
			SearchTimeoutSeconds:  30,
			MaxBodyChars:          5000,
		},
		Database: DatabaseConfig{
			Enabled:             true,
			Mode:                "mock",
			DefaultEnvironment:  "DEV",
			MaxRows:             1000,
			QueryTimeoutSeconds: 30,
			Environments:        map[string]DatabaseEnvironment{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Housekeeping: HousekeepingConfig{
			MemorySweep: "@every 1m",
			LanePrune:   "@every 5m",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required")
		}
	case "azure":
		az := c.LLM.Azure
		if az.Endpoint == "" {
			return fmt.Errorf("llm.azure.endpoint is required for the azure provider")
		}
		if c.LLM.APIKey == "" && (az.TenantID == "" || az.ClientID == "" || az.CertificatePath == "") {
			return fmt.Errorf("llm.api_key or llm.azure tenant_id, client_id and certificate_path are required for the azure provider")
		}
	default:
		return fmt.Errorf("invalid llm provider %q (must be: openai, anthropic, azure)", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Memory.MaxMessages <= 0 || c.Memory.MaxSessions <= 0 || c.Memory.TimeoutMinutes <= 0 {
		return fmt.Errorf("memory limits must be positive")
	}

	if c.Splunk.Enabled {
		if c.Splunk.Host == "" {
			return fmt.Errorf("splunk.host is required when Splunk is enabled")
		}
		if c.Splunk.Username == "" || c.Splunk.Password == "" {
			return fmt.Errorf("splunk credentials are required when Splunk is enabled")
		}
	}

	if c.Bitbucket.Enabled {
		if c.Bitbucket.BaseURL == "" {
			return fmt.Errorf("bitbucket.base_url is required when Bitbucket is enabled")
		}
		if c.Bitbucket.Token == "" {
			return fmt.Errorf("bitbucket.token is required when Bitbucket is enabled")
		}
	}

	if c.Database.Enabled && c.Database.Mode == "live" {
		if len(c.Database.Environments) == 0 {
			return fmt.Errorf("database.environments is required in live mode")
		}
		for name, env := range c.Database.Environments {
			if env.Driver == "" || env.DSN == "" {
				return fmt.Errorf("database environment %s: driver and dsn are required", strings.ToUpper(name))
			}
		}
	}

	return nil
}
