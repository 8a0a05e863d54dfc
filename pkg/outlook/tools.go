package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/toolexecutor"
)

// ToolNames lists the tools RegisterTools binds.
func ToolNames() []string {
	return []string{"outlookCheckConnection", "outlookGetEmailChain"}
}

// RegisterTools binds the Outlook tools to te.
func RegisterTools(te *toolexecutor.ToolExecutor, client *Client) error {
	timeout := client.MaxWait() + 5*time.Second

	defs := []toolexecutor.ToolDefinition{
		{
			Name: "outlookCheckConnection",
			Description: "Check the connection to Outlook Desktop and verify mailbox access. " +
				"Returns Outlook version, personal mailbox status, and shared mailbox status. " +
				"Use this to verify Outlook is running and accessible before searching emails.",
			Timeout: timeout,
			Handler: client.checkConnectionTool,
		},
		{
			Name: "outlookGetEmailChain",
			Description: "Search for emails in Outlook Desktop and return grouped email conversations. " +
				"Searches both subject lines and email bodies using case-insensitive phrase matching. " +
				"Searches both personal and shared mailboxes by default. " +
				"Returns emails grouped by conversation thread with a summary including participant list, " +
				"date range, and mailbox distribution. " +
				"Great for finding incident email chains: search by incident ID (e.g. 'INC-12345'), " +
				"error codes (e.g. 'ORA-00060'), deployment topics, or participant names. " +
				"Use outlookCheckConnection first to verify Outlook is accessible.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "searchText", Type: "string", Required: true,
					Description: "Text to search for in email subjects and bodies. Uses case-insensitive phrase matching. " +
						"Examples: 'INC-12345', 'ORA-00060 deadlock', 'deployment rollback production'"},
				{Name: "includePersonal", Type: "boolean", Description: "Whether to search the personal inbox. Optional, defaults to true."},
				{Name: "includeShared", Type: "boolean", Description: "Whether to search the shared/team mailbox. Optional, defaults to true."},
			},
			Timeout: timeout,
			Handler: client.emailChainTool,
		},
	}

	for _, def := range defs {
		def.Group = toolexecutor.GroupOutlook
		if err := te.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func (c *Client) checkConnectionTool(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	status, err := c.CheckConnection(ctx)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Error().Err(err).Msg("Outlook connection check failed")
		return map[string]interface{}{"status": "error", "connected": false, "error": err.Error()}, nil
	}
	return status, nil
}

func (c *Client) emailChainTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	text := toolexecutor.StringParam(params, "searchText")
	personal := toolexecutor.BoolParam(params, "includePersonal", true)
	shared := toolexecutor.BoolParam(params, "includeShared", true)

	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().
		Str("search_text", text).
		Bool("personal", personal).
		Bool("shared", shared).
		Msg("Searching Outlook emails")

	resp, err := c.SearchEmailChain(ctx, text, personal, shared)
	if err != nil {
		logger.Error().Err(err).Msg("Outlook email search failed")
		return map[string]interface{}{"status": "error", "error": "Email search failed: " + err.Error()}, nil
	}
	return FormatEmailChain(resp), nil
}
