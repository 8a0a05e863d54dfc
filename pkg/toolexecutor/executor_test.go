package toolexecutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func describeTableTool() ToolDefinition {
	return ToolDefinition{
		Name:        "describeTable",
		Description: "Describe the columns of a table",
		Group:       GroupDatabase,
		Parameters: []ToolParameter{
			{Name: "table", Type: "string", Description: "Table name", Required: true},
			{Name: "schema", Type: "string", Description: "Schema name"},
			{Name: "limit", Type: "integer", Description: "Column limit"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			table := StringParam(params, "table")
			if table == "MISSING" {
				return nil, errors.New("table MISSING does not exist")
			}
			return "columns of " + table, nil
		},
	}
}

func TestRegisterToolRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  ToolDefinition
		want string
	}{
		{"no name", ToolDefinition{Description: "x", Handler: noopHandler}, "name cannot be empty"},
		{"no description", ToolDefinition{Name: "x", Handler: noopHandler}, "description cannot be empty"},
		{"no handler", ToolDefinition{Name: "x", Description: "x"}, "handler cannot be nil"},
		{"unknown group", ToolDefinition{Name: "x", Description: "x", Group: "jira", Handler: noopHandler}, "invalid tool group"},
		{
			"bad parameter type",
			ToolDefinition{Name: "x", Description: "x", Handler: noopHandler, Parameters: []ToolParameter{
				{Name: "when", Type: "date", Description: "when"},
			}},
			"invalid parameter type",
		},
		{
			"undocumented parameter",
			ToolDefinition{Name: "x", Description: "x", Handler: noopHandler, Parameters: []ToolParameter{
				{Name: "sql", Type: "string"},
			}},
			"parameter description cannot be empty",
		},
	}

	te := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := te.RegisterTool(tt.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Zero(t, te.GetToolCount())
}

func TestRegisterToolDefaultsToGeneralGroup(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{Name: "ping", Description: "ping", Handler: noopHandler}))

	assert.Equal(t, GroupGeneral, te.GetTool("ping").Group)
}

func TestDispatchDescribeTable(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(describeTableTool()))
	te.RegisterUnavailable(GroupSplunk, "searchSplunk")

	tests := []struct {
		name    string
		tool    string
		args    string
		output  string
		errPart string
	}{
		{
			name:   "success",
			tool:   "describeTable",
			args:   `{"table":"ORDERS","limit":5}`,
			output: "columns of ORDERS",
		},
		{
			name:    "unknown tool",
			tool:    "dropTable",
			errPart: "Unknown tool: dropTable",
		},
		{
			name:    "disabled group",
			tool:    "searchSplunk",
			errPart: "Splunk tools not available",
		},
		{
			name:    "missing required parameter",
			tool:    "describeTable",
			args:    `{"schema":"SCHEMA_A"}`,
			errPart: "Invalid arguments for describeTable",
		},
		{
			name:    "wrong parameter type",
			tool:    "describeTable",
			args:    `{"table":"ORDERS","limit":"ten"}`,
			errPart: "Invalid arguments for describeTable",
		},
		{
			name:    "unexpected parameter",
			tool:    "describeTable",
			args:    `{"table":"ORDERS","drop":true}`,
			errPart: "Invalid arguments for describeTable",
		},
		{
			name:    "handler error",
			tool:    "describeTable",
			args:    `{"table":"MISSING"}`,
			errPart: "table MISSING does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := te.Dispatch(context.Background(), tt.tool, tt.args)
			if tt.errPart == "" {
				assert.Equal(t, tt.output, out)
				return
			}
			assert.Contains(t, decodePayload(t, out)["error"], tt.errPart)
		})
	}
}

func TestDispatchPerToolTimeout(t *testing.T) {
	// ignores ctx so only the executor's own deadline can end the call
	blocking := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		time.Sleep(time.Second)
		return "late", nil
	}

	te := NewWithConfig(Config{DefaultTimeout: 5 * time.Second})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "quickSearch",
		Description: "poll with a short per-tool timeout",
		Timeout:     50 * time.Millisecond,
		Handler:     blocking,
	}))

	start := time.Now()
	out := decodePayload(t, te.Dispatch(context.Background(), "quickSearch", ""))
	assert.Contains(t, out["error"], "timeout after 50ms")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegistryListing(t *testing.T) {
	te := New()
	for _, def := range []ToolDefinition{
		{Name: "searchSplunk", Description: "search", Group: GroupSplunk, Handler: noopHandler},
		{Name: "executeQuery", Description: "query", Group: GroupDatabase, Handler: noopHandler},
		{Name: "listTables", Description: "tables", Group: GroupDatabase, Handler: noopHandler},
	} {
		require.NoError(t, te.RegisterTool(def))
	}
	te.RegisterUnavailable(GroupOutlook, "searchEmails")

	assert.Equal(t, []string{"executeQuery", "listTables", "searchSplunk"}, te.ListTools())
	assert.Equal(t, []string{"executeQuery", "listTables"}, te.FilterByGroup(GroupDatabase))
	assert.Empty(t, te.FilterByGroup(GroupOutlook))
	assert.Equal(t, 3, te.GetToolCount())
}

func TestDispatchAcceptsEveryParameterType(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "getPullRequests",
		Description: "List pull requests",
		Group:       GroupBitbucket,
		Parameters: []ToolParameter{
			{Name: "repository", Type: "string", Description: "Repository slug", Required: true},
			{Name: "limit", Type: "integer", Description: "Page size"},
			{Name: "score", Type: "number", Description: "Minimum score"},
			{Name: "open", Type: "boolean", Description: "Open only"},
			{Name: "filter", Type: "object", Description: "Extra filter"},
			{Name: "authors", Type: "array", Description: "Author names"},
			{Name: "state", Type: "string", Description: "PR state", Enum: []string{"OPEN", "MERGED"}},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return len(params), nil
		},
	}))

	out := te.Dispatch(context.Background(), "getPullRequests", `{
		"repository": "payments",
		"limit": 25,
		"score": 0.5,
		"open": true,
		"filter": {"target": "main"},
		"authors": ["a", "b"],
		"state": "OPEN"
	}`)
	assert.Equal(t, "7", out)

	rejected := decodePayload(t, te.Dispatch(context.Background(), "getPullRequests", `{"repository":"payments","state":"DECLINED"}`))
	assert.Contains(t, rejected["error"], "Invalid arguments for getPullRequests")
}
