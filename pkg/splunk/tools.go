package splunk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/toolexecutor"
)

// RegisterTools binds the Splunk tools to te.
func RegisterTools(te *toolexecutor.ToolExecutor, client *Client) error {
	defs := []toolexecutor.ToolDefinition{
		{
			Name: "splunkCheckConnection",
			Description: "Check the connection to Splunk and return server information. " +
				"Returns server name, version, OS, and connection status. " +
				"Use this to verify Splunk is accessible before running queries.",
			Handler: client.checkConnectionTool,
		},
		{
			Name: "splunkGetIndexForEnvironment",
			Description: "Get the Splunk index name for a given environment. " +
				"Maps environment names (uat, prod) to their configured Splunk index names. " +
				"Use this before querying to get the correct index for the target environment.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "env", Type: "string", Description: "The environment name: uat or prod", Required: true},
			},
			Handler: client.indexForEnvironmentTool,
		},
		{
			Name: "splunkExecuteQuery",
			Description: "Execute a Splunk SPL query and return results with an analysis summary. " +
				"For index queries like 'index=myindex error', the 'search' command prefix is auto-added. " +
				"Results include the fetched events plus a summary with severity distribution, timeline, " +
				"top hosts, sources and sourcetypes, and unique messages with occurrence counts. " +
				"If results are truncated, guidance to narrow the query is included.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "The SPL query to execute", Required: true},
				{Name: "earliestTime", Type: "string", Description: "Earliest time for the search (e.g. -1h, -7d, 2024-01-01T00:00:00). Optional."},
				{Name: "latestTime", Type: "string", Description: "Latest time for the search (e.g. now, -1h). Optional."},
				{Name: "maxResults", Type: "integer", Description: "Maximum number of results to return. Optional, defaults to config max."},
			},
			// Job polling alone may take MaxExecutionTime.
			Timeout: client.cfg.MaxExecutionTime + time.Minute,
			Handler: client.executeQueryTool,
		},
		{
			Name: "splunkGetAvailableIndexes",
			Description: "List all available Splunk indexes with their event counts and sizes. " +
				"Returns index name, total event count, current DB size in MB, and disabled status.",
			Handler: client.indexesTool,
		},
		{
			Name: "splunkGetSourcetypes",
			Description: "List available sourcetypes in Splunk, optionally filtered by index. " +
				"Returns sourcetype metadata from the last 24 hours.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "index", Type: "string", Description: "Optional index name to filter sourcetypes by"},
			},
			Timeout: client.cfg.MaxExecutionTime + time.Minute,
			Handler: client.sourcetypesTool,
		},
	}

	for _, def := range defs {
		def.Group = toolexecutor.GroupSplunk
		if err := te.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// ToolNames lists the tools RegisterTools binds.
func ToolNames() []string {
	return []string{
		"splunkCheckConnection",
		"splunkGetIndexForEnvironment",
		"splunkExecuteQuery",
		"splunkGetAvailableIndexes",
		"splunkGetSourcetypes",
	}
}

func (c *Client) checkConnectionTool(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().Msg("Checking Splunk connection")

	info, err := c.CheckConnection(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Splunk connection check failed")
		return map[string]interface{}{"connected": false, "error": err.Error()}, nil
	}
	return info, nil
}

func (c *Client) indexForEnvironmentTool(_ context.Context, params map[string]interface{}) (interface{}, error) {
	env := toolexecutor.StringParam(params, "env")
	index, ok := c.IndexForEnvironment(env)
	if !ok {
		return map[string]interface{}{
			"error": fmt.Sprintf("Unknown environment: %s. Valid: [%s]", env, strings.Join(c.Environments(), ", ")),
		}, nil
	}
	return map[string]interface{}{"environment": env, "index": index}, nil
}

func (c *Client) executeQueryTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query := toolexecutor.StringParam(params, "query")
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().Str("query", query).Msg("Executing Splunk query")

	res, err := c.ExecuteQuery(ctx,
		query,
		toolexecutor.StringParam(params, "earliestTime"),
		toolexecutor.StringParam(params, "latestTime"),
		toolexecutor.IntParam(params, "maxResults", 0),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Splunk query execution failed")
		return map[string]interface{}{"error": "Query failed: " + err.Error()}, nil
	}
	return FormatQueryResponse(res), nil
}

func (c *Client) indexesTool(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	indexes, err := c.Indexes(ctx)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Error().Err(err).Msg("Failed to get Splunk indexes")
		return map[string]interface{}{"error": "Failed to get indexes: " + err.Error()}, nil
	}
	return map[string]interface{}{"indexes": indexes}, nil
}

func (c *Client) sourcetypesTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	rows, err := c.Sourcetypes(ctx, toolexecutor.StringParam(params, "index"))
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Error().Err(err).Msg("Failed to get Splunk sourcetypes")
		return map[string]interface{}{"error": "Failed to get sourcetypes: " + err.Error()}, nil
	}
	return map[string]interface{}{"sourcetypes": rows, "count": len(rows)}, nil
}
