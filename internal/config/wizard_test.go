package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("openai with splunk", func(t *testing.T) {
		input := strings.Join([]string{
			"",          // provider default
			"bad",       // rejected key
			"sk-abc123", // accepted key
			"",          // model default
			"y",         // splunk
			"splunk.local",
			"", // port default
			"svc_lens",
			"pw",
			"n", // bitbucket
			"n", // outlook
		}, "\n") + "\n"

		out := &bytes.Buffer{}
		cfg, err := NewWizardWithIO(strings.NewReader(input), out).Run()
		require.NoError(t, err)

		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Equal(t, "sk-abc123", cfg.LLM.APIKey)
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
		assert.True(t, cfg.Splunk.Enabled)
		assert.Equal(t, "splunk.local", cfg.Splunk.Host)
		assert.Equal(t, 8089, cfg.Splunk.Port)
		assert.Equal(t, "svc_lens", cfg.Splunk.Username)
		assert.False(t, cfg.Bitbucket.Enabled)
		assert.Contains(t, out.String(), "Error:")
	})

	t.Run("azure with client certificate", func(t *testing.T) {
		input := strings.Join([]string{
			"azure",
			"not a url",
			"https://lens.openai.azure.com",
			"", // no api key
			"tenant-1",
			"client-1",
			"/etc/datalens/azure.pem",
			"", // deployment default
			"n", "n", "n",
		}, "\n") + "\n"

		cfg, err := NewWizardWithIO(strings.NewReader(input), &bytes.Buffer{}).Run()
		require.NoError(t, err)

		assert.Equal(t, "azure", cfg.LLM.Provider)
		assert.Equal(t, "gpt-4", cfg.LLM.Model)
		assert.Empty(t, cfg.LLM.APIKey)
		assert.Equal(t, AzureConfig{
			Endpoint:        "https://lens.openai.azure.com",
			TenantID:        "tenant-1",
			ClientID:        "client-1",
			CertificatePath: "/etc/datalens/azure.pem",
		}, cfg.LLM.Azure)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := NewWizardWithIO(strings.NewReader("gemini\n"), &bytes.Buffer{}).Run()
		assert.Error(t, err)
	})

	t.Run("input ends early", func(t *testing.T) {
		_, err := NewWizardWithIO(strings.NewReader("openai\n"), &bytes.Buffer{}).Run()
		assert.Error(t, err)
	})
}
