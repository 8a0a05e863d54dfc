package agent

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/datalens/pkg/memory"
	"github.com/harun/datalens/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Provider: "openai"})
	assert.EqualError(t, err, `api key is required for provider "openai"`)

	_, err = NewProvider(ProviderConfig{Provider: "gemini", APIKey: "k"})
	assert.EqualError(t, err, "unsupported provider: gemini")

	p, err := NewProvider(ProviderConfig{Provider: "Anthropic", APIKey: "k", Model: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	p, err = NewProvider(ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = NewProvider(ProviderConfig{Provider: "AZURE", APIKey: "k", Model: "gpt-4", Azure: AzureOptions{Endpoint: "https://lens.openai.azure.com"}})
	require.NoError(t, err)
	assert.Equal(t, "azure", p.Provider())
}

func TestToolInputSchema(t *testing.T) {
	props, required := toolInputSchema(toolexecutor.ToolSchema{
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"sql": map[string]interface{}{"type": "string"}},
			"required":   []string{"sql"},
		},
	})
	assert.Contains(t, props, "sql")
	assert.Equal(t, []string{"sql"}, required)

	props, required = toolInputSchema(toolexecutor.ToolSchema{
		Parameters: map[string]interface{}{"required": []interface{}{"a", 1}},
	})
	assert.Empty(t, props)
	assert.Equal(t, []string{"a"}, required)
}

func conversation() LLMRequest {
	return LLMRequest{
		SystemPrompt: "system",
		Messages: []Message{
			{Role: memory.RoleUser, Content: "q"},
			{Role: memory.RoleAssistant, ToolCalls: []ToolCall{
				{ID: "a", Name: "listTables", Arguments: []byte(`{"schema":"S"}`)},
				{ID: "b", Name: "getCurrentStatus"},
			}},
			{Role: memory.RoleTool, ToolCalls: []ToolCall{
				{ID: "a", Result: `{"tables":[]}`, Status: memory.ToolCallComplete},
				{ID: "b", Result: `{"error":"down"}`, Status: memory.ToolCallError},
			}},
			{Role: memory.RoleAssistant, Content: "done"},
		},
	}
}

func TestOpenAIMessagesSplitToolResults(t *testing.T) {
	msgs := openAIMessages(conversation())
	// system, user, assistant, two tool messages, assistant
	assert.Len(t, msgs, 6)
}

func TestAnthropicMessagesGroupToolResults(t *testing.T) {
	msgs := anthropicMessages(conversation())
	require.Len(t, msgs, 4)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2)
}

func TestRawArguments(t *testing.T) {
	assert.Equal(t, "{}", rawArguments(ToolCall{}))
	assert.Equal(t, `{"a":1}`, rawArguments(ToolCall{Arguments: []byte(`{"a":1}`)}))
}
