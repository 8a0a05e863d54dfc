package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-test123", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("invalid-key", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-test123", "openai"))
	assert.Error(t, v.ValidateAPIKey("invalid-key", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
}

func TestValidateURL(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateURL("https://bitbucket.example.com"))
	assert.Error(t, v.ValidateURL("bitbucket.example.com"))
	assert.Error(t, v.ValidateURL("ftp://bitbucket.example.com"))
	assert.Error(t, v.ValidateURL("https://"))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 1m"))
	assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
	assert.Error(t, v.ValidateSchedule("every minute"))
}

func TestValidateTemperatureAndTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.5))

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "bogus"
		cfg.Logging.Level = "verbose"
		cfg.Housekeeping.MemorySweep = "sometimes"
		cfg.Database.Environments = map[string]DatabaseEnvironment{"dev": {Driver: "oracle", DSN: "x"}}

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}
