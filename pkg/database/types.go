// Package database exposes read-only SQL tools over one connection pool per
// environment.
//
// Environments are DEV, UAT and PROD. Live mode opens each target with its
// configured driver (sqlite3, mysql or postgres). Mock mode serves every
// environment from one in-memory sqlite database seeded with the USERS,
// ORDERS and PRODUCTS tables in each configured schema.
package database

import (
	"fmt"
	"strings"
)

// Environment names a database target.
type Environment string

const (
	EnvDev  Environment = "DEV"
	EnvUAT  Environment = "UAT"
	EnvProd Environment = "PROD"
)

// Environments returns every known environment.
func Environments() []Environment {
	return []Environment{EnvDev, EnvUAT, EnvProd}
}

// ParseEnvironment resolves a case-insensitive name or alias.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEV", "DEVELOPMENT":
		return EnvDev, nil
	case "UAT", "TEST", "STAGING":
		return EnvUAT, nil
	case "PROD", "PRODUCTION":
		return EnvProd, nil
	case "":
		return "", fmt.Errorf("environment cannot be empty")
	default:
		return "", fmt.Errorf("unknown environment: %s", s)
	}
}

// QueryResult is the outcome of ExecuteQuery. Failures are reported in
// Error with Success false rather than as a Go error.
type QueryResult struct {
	ColumnNames     []string        `json:"columnNames"`
	Rows            [][]interface{} `json:"rows"`
	RowCount        int             `json:"rowCount"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	Truncated       bool            `json:"truncated,omitempty"`
	Error           string          `json:"error,omitempty"`
	Success         bool            `json:"success"`
}

// ConnectionStatus reports a connect or health check attempt.
type ConnectionStatus struct {
	Environment      Environment `json:"environment"`
	Connected        bool        `json:"connected"`
	Message          string      `json:"message"`
	ConnectionTimeMs int64       `json:"connectionTimeMs"`
}

// TableInfo describes one table of a schema.
type TableInfo struct {
	SchemaName string `json:"schemaName"`
	TableName  string `json:"tableName"`
	TableType  string `json:"tableType"`
	RowCount   int64  `json:"rowCount"`
}

// ColumnInfo describes one column.
type ColumnInfo struct {
	Name         string  `json:"name"`
	DataType     string  `json:"dataType"`
	Size         int     `json:"size"`
	Nullable     bool    `json:"nullable"`
	DefaultValue *string `json:"defaultValue"`
}

// TableSchema is the structure of one table.
type TableSchema struct {
	SchemaName  string       `json:"schemaName"`
	TableName   string       `json:"tableName"`
	Columns     []ColumnInfo `json:"columns"`
	PrimaryKeys []string     `json:"primaryKeys"`
}
