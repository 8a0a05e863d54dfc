package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/datalens/pkg/toolexecutor"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes one model call. It does not retry beyond what the SDK
	// client is configured to do.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []toolexecutor.ToolSchema
	Temperature  float64
	MaxTokens    int
}

// LLMResponse contains the response from LLM. A response with tool calls
// asks for another round; one without is the final answer.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderConfig selects and configures a provider client.
type ProviderConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
	// Azure is read only by the azure provider.
	Azure AzureOptions
}

// NewProvider creates an LLM provider from cfg.
func NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	name := strings.ToLower(cfg.Provider)
	if name == "azure" {
		return NewAzureProvider(cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", cfg.Provider)
	}
	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai", "":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// toolInputSchema splits a dispatcher schema document into properties and
// the required list.
func toolInputSchema(schema toolexecutor.ToolSchema) (map[string]interface{}, []string) {
	props, _ := schema.Parameters["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}

	var required []string
	switch r := schema.Parameters["required"].(type) {
	case []string:
		required = append(required, r...)
	case []interface{}:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

func rawArguments(tc ToolCall) string {
	if len(tc.Arguments) == 0 {
		return "{}"
	}
	return string(tc.Arguments)
}
