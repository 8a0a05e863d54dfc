package bitbucket

import (
	"context"
	"fmt"

	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/toolexecutor"
)

// ToolNames lists the tools RegisterTools binds.
func ToolNames() []string {
	return []string{"bitbucketCheckConnection", "bitbucketSearchCode", "bitbucketReadFile"}
}

// RegisterTools binds the Bitbucket tools to te.
func RegisterTools(te *toolexecutor.ToolExecutor, client *Client) error {
	defs := []toolexecutor.ToolDefinition{
		{
			Name: "bitbucketCheckConnection",
			Description: "Check the connection to Bitbucket Data Center and return server information. " +
				"Returns server version and display name. Use this to verify Bitbucket is accessible.",
			Handler: client.checkConnectionTool,
		},
		{
			Name: "bitbucketSearchCode",
			Description: "Search for code or files across all repositories in Bitbucket Data Center. " +
				"Searches the default branch of all repos in the configured project. " +
				"Use this when Splunk logs reference a source file and you need to find which repository contains it " +
				"and what its full path is. Returns matching file paths, repository names, and matching line content. " +
				"After finding results, use bitbucketReadFile with the repo slug and file path from the results. " +
				"Example queries: 'RaidServiceImpl.java', 'NullPointerException lang:java', 'class ErrorHandler'",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "Search query - file name, class name, or code keyword", Required: true},
				{Name: "maxResults", Type: "integer", Description: "Max results to return. Optional, defaults to 25."},
			},
			Handler: client.searchCodeTool,
		},
		{
			Name: "bitbucketReadFile",
			Description: "Read the full content of a source file from a Bitbucket repository. " +
				"Use this after bitbucketSearchCode to read the actual code of a file. " +
				"Pass the repository slug and file path exactly as returned by bitbucketSearchCode. " +
				"Returns the raw file content as text.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "repoSlug", Type: "string", Description: "The repository slug (e.g. raid-service), as returned by bitbucketSearchCode", Required: true},
				{Name: "filePath", Type: "string", Description: "Full file path in the repo, as returned by bitbucketSearchCode", Required: true},
				{Name: "branch", Type: "string", Description: "Branch or commit to read from. Optional, defaults to default branch."},
			},
			Handler: client.readFileTool,
		},
	}

	for _, def := range defs {
		def.Group = toolexecutor.GroupBitbucket
		if err := te.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func (c *Client) checkConnectionTool(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	info, err := c.CheckConnection(ctx)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Error().Err(err).Msg("Bitbucket connection check failed")
		return map[string]interface{}{"connected": false, "error": err.Error()}, nil
	}
	return info, nil
}

func (c *Client) searchCodeTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	res, err := c.SearchCode(ctx,
		toolexecutor.StringParam(params, "query"),
		toolexecutor.IntParam(params, "maxResults", defaultSearchLimit),
	)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Error().Err(err).Msg("Bitbucket code search failed")
		return map[string]interface{}{"error": "Code search failed: " + err.Error()}, nil
	}
	return res, nil
}

func (c *Client) readFileTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	repo := toolexecutor.StringParam(params, "repoSlug")
	path := toolexecutor.StringParam(params, "filePath")

	content, err := c.ReadFile(ctx, repo, path, toolexecutor.StringParam(params, "branch"))
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Error().Err(err).Msg("Bitbucket file read failed")
		return map[string]interface{}{"error": "File read failed: " + err.Error()}, nil
	}
	return map[string]interface{}{"repository": repo, "filePath": path, "content": content}, nil
}
