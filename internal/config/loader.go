package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. DATALENS_LLM_API_KEY.
const EnvPrefix = "DATALENS"

// envKeys are bound explicitly so an override works even when the file
// does not mention the key.
var envKeys = []string{
	"llm.api_key",
	"llm.provider",
	"llm.model",
	"llm.azure.endpoint",
	"llm.azure.tenant_id",
	"llm.azure.client_id",
	"llm.azure.certificate_path",
	"splunk.host",
	"splunk.username",
	"splunk.password",
	"bitbucket.base_url",
	"bitbucket.token",
	"server.port",
}

// Loader reads and writes one config file. The format follows the file
// extension: .yaml/.yml or JSON.
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load is NewLoader(configPath).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads the file if present, applies DATALENS_ overrides and fills
// everything else from DefaultConfig. Relative paths in the file resolve
// against its directory.
func (l *Loader) Load() (*Config, error) {
	path := l.GetConfigPath()

	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if err := readFile(v, path); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := resolvePaths(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return v, nil
}

// readFile loads path into v. A missing file is not an error.
func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}

	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func resolvePaths(cfg *Config, path string) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".datalens")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "datalens.log")
	}

	for _, p := range []*string{&cfg.Agent.SystemPromptFile, &cfg.LLM.Azure.CertificatePath} {
		if *p != "" && path != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(filepath.Dir(path), *p)
		}
	}
	return nil
}

// Save writes cfg to the loader's path, creating the directory. Keys use
// the same snake_case names Load reads.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if path == "" {
		return fmt.Errorf("no config path available")
	}

	// json tags carry the canonical key names for both formats
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	data := raw
	if configType(path) == "yaml" {
		var tree map[string]interface{}
		if err := json.Unmarshal(raw, &tree); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if data, err = yaml.Marshal(tree); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the explicit path, or ~/.datalens/datalens.yaml.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".datalens", "datalens.yaml")
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}
