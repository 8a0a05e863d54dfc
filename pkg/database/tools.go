package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/toolexecutor"
)

// ToolNames lists the tools RegisterTools binds.
func ToolNames() []string {
	return []string{"executeQuery", "connectToEnvironment", "getCurrentStatus", "listTables", "getTableSchema"}
}

// RegisterTools binds the database tools to te.
func RegisterTools(te *toolexecutor.ToolExecutor, m *Manager) error {
	defs := []toolexecutor.ToolDefinition{
		{
			Name: "executeQuery",
			Description: "Execute a SQL SELECT query against the database. " +
				"Only SELECT queries are allowed for safety. " +
				"Always include schema prefix: SCHEMA_NAME.TABLE_NAME. " +
				"Use LIMIT N (or FETCH FIRST N ROWS ONLY where supported) to limit results. " +
				"Returns JSON with columnNames, rows, rowCount, and executionTimeMs.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "sql", Type: "string", Description: "The SQL SELECT query to execute", Required: true},
			},
			Timeout: m.cfg.QueryTimeout + 5*time.Second,
			Handler: m.executeQueryTool,
		},
		{
			Name: "connectToEnvironment",
			Description: "Connect to a specific database environment. " +
				"Valid environments: dev, uat, prod (case-insensitive). " +
				"Returns connection status with environment name and success/failure message.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "env", Type: "string", Description: "The environment to connect to: dev, uat, or prod", Required: true},
			},
			Handler: m.connectTool,
		},
		{
			Name: "getCurrentStatus",
			Description: "Get the current database connection status. " +
				"Returns the currently connected environment and connection health.",
			Handler: m.statusTool,
		},
		{
			Name: "getTableSchema",
			Description: "Get the schema (structure) of a specific table. " +
				"Returns column names, data types, sizes, nullable flags, and primary keys.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "tableName", Type: "string", Description: "The name of the table to describe", Required: true},
				{Name: "schema", Type: "string", Description: "The schema containing the table (optional)"},
			},
			Handler: m.tableSchemaTool,
		},
		{
			Name: "listTables",
			Description: "List all available tables in a schema. " +
				"Returns table names, types, and approximate row counts.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "schema", Type: "string", Description: "The schema to list tables from (optional)"},
			},
			Handler: m.listTablesTool,
		},
	}

	for _, def := range defs {
		def.Group = toolexecutor.GroupDatabase
		if err := te.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func (m *Manager) executeQueryTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query := toolexecutor.StringParam(params, "sql")
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("sql", query).Msg("Executing query")
	m.cfg.Recorder.RecordChatRequest(string(m.Current()), "executeQuery")

	return m.ExecuteQuery(ctx, query), nil
}

func (m *Manager) connectTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	raw := toolexecutor.StringParam(params, "env")
	m.cfg.Recorder.RecordChatRequest(strings.ToUpper(strings.TrimSpace(raw)), "connectToEnvironment")

	env, err := ParseEnvironment(raw)
	if err != nil {
		return map[string]interface{}{
			"connected": false,
			"error":     "Invalid environment: " + raw + ". Valid options: dev, uat, prod",
		}, nil
	}
	return m.Connect(ctx, env), nil
}

func (m *Manager) statusTool(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	m.cfg.Recorder.RecordChatRequest(string(m.Current()), "getCurrentStatus")

	st := m.Status(ctx)
	return map[string]interface{}{
		"currentEnvironment": st.Environment,
		"connected":          st.Connected,
		"message":            st.Message,
		"connectionTimeMs":   st.ConnectionTimeMs,
	}, nil
}

func (m *Manager) tableSchemaTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	table := toolexecutor.StringParam(params, "tableName")
	schema := m.schemaOrDefault(toolexecutor.StringParam(params, "schema"))
	m.cfg.Recorder.RecordChatRequest(string(m.Current()), "getTableSchema")

	ts, err := m.TableSchema(ctx, table, schema)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Error().Err(err).Msg("Failed to get table schema")
	}
	if ts == nil {
		return map[string]interface{}{"error": "Table not found: " + schema + "." + table}, nil
	}
	return ts, nil
}

func (m *Manager) listTablesTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	schema := m.schemaOrDefault(toolexecutor.StringParam(params, "schema"))
	m.cfg.Recorder.RecordChatRequest(string(m.Current()), "listTables")

	tables, err := m.ListTables(ctx, schema)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Error().Err(err).Msg("Failed to list tables")
		tables = []TableInfo{}
	}
	return map[string]interface{}{
		"schema":     schema,
		"tableCount": len(tables),
		"tables":     tables,
	}, nil
}
