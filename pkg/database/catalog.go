package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	identifier   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)
	declaredType = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9_ ]*?)\s*\(\s*(\d+)\s*(?:,\s*\d+\s*)?\)\s*$`)
)

// catalog answers metadata questions in one SQL dialect.
type catalog interface {
	listTables(ctx context.Context, db *sql.DB, schema string) ([]TableInfo, error)
	// columns returns no rows when the table does not exist.
	columns(ctx context.Context, db *sql.DB, schema, table string) ([]ColumnInfo, []string, error)
}

func catalogFor(driver string) (catalog, error) {
	switch driver {
	case "sqlite3":
		return sqliteCatalog{}, nil
	case "mysql":
		return mysqlCatalog{}, nil
	case "postgres":
		return postgresCatalog{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func validIdentifier(s string) error {
	if !identifier.MatchString(s) {
		return fmt.Errorf("invalid identifier: %q", s)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type sqliteCatalog struct{}

func (sqliteCatalog) listTables(ctx context.Context, db *sql.DB, schema string) ([]TableInfo, error) {
	if schema == "" {
		schema = "main"
	}
	q := fmt.Sprintf(`SELECT name, UPPER(type) FROM %s.sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%%'
		ORDER BY name`, quoteIdent(schema))

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	var tables []TableInfo
	for rows.Next() {
		t := TableInfo{SchemaName: schema}
		if err := rows.Scan(&t.TableName, &t.TableType); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// sqlite keeps no row statistics, count directly.
	for i := range tables {
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", quoteIdent(schema), quoteIdent(tables[i].TableName))
		if err := db.QueryRowContext(ctx, q).Scan(&tables[i].RowCount); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

func (sqliteCatalog) columns(ctx context.Context, db *sql.DB, schema, table string) ([]ColumnInfo, []string, error) {
	if schema == "" {
		schema = "main"
	}
	q := fmt.Sprintf("PRAGMA %s.table_info(%s)", quoteIdent(schema), quoteIdent(table))
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type pkCol struct {
		pos  int
		name string
	}
	var (
		cols []ColumnInfo
		pks  []pkCol
	)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, nil, err
		}
		dataType, size := splitDeclaredType(ctype)
		cols = append(cols, ColumnInfo{
			Name:         name,
			DataType:     dataType,
			Size:         size,
			Nullable:     notNull == 0 && pk == 0,
			DefaultValue: nullString(dflt),
		})
		if pk > 0 {
			pks = append(pks, pkCol{pos: pk, name: name})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	keys := make([]string, 0, len(pks))
	for _, p := range pks {
		keys = append(keys, p.name)
	}
	return cols, keys, nil
}

type mysqlCatalog struct{}

func (mysqlCatalog) listTables(ctx context.Context, db *sql.DB, schema string) ([]TableInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT TABLE_NAME, TABLE_TYPE, COALESCE(TABLE_ROWS, 0)
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME`, schema)
	if err != nil {
		return nil, err
	}
	return scanTables(rows, schema)
}

func (mysqlCatalog) columns(ctx context.Context, db *sql.DB, schema, table string) ([]ColumnInfo, []string, error) {
	rows, err := db.QueryContext(ctx, `SELECT COLUMN_NAME, UPPER(DATA_TYPE),
			COALESCE(CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION, 0),
			IS_NULLABLE, COLUMN_DEFAULT, COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		cols []ColumnInfo
		keys []string
	)
	for rows.Next() {
		var (
			c             ColumnInfo
			nullable, key string
			dflt          sql.NullString
		)
		if err := rows.Scan(&c.Name, &c.DataType, &c.Size, &nullable, &dflt, &key); err != nil {
			return nil, nil, err
		}
		c.Nullable = nullable == "YES"
		c.DefaultValue = nullString(dflt)
		cols = append(cols, c)
		if key == "PRI" {
			keys = append(keys, c.Name)
		}
	}
	return cols, keys, rows.Err()
}

type postgresCatalog struct{}

func (postgresCatalog) listTables(ctx context.Context, db *sql.DB, schema string) ([]TableInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT t.table_name, t.table_type, GREATEST(COALESCE(c.reltuples, 0), 0)::bigint
		FROM information_schema.tables t
		LEFT JOIN pg_catalog.pg_namespace n ON n.nspname = t.table_schema
		LEFT JOIN pg_catalog.pg_class c ON c.relname = t.table_name AND c.relnamespace = n.oid
		WHERE t.table_schema = $1
		ORDER BY t.table_name`, strings.ToLower(schema))
	if err != nil {
		return nil, err
	}
	return scanTables(rows, schema)
}

func (postgresCatalog) columns(ctx context.Context, db *sql.DB, schema, table string) ([]ColumnInfo, []string, error) {
	schema, table = strings.ToLower(schema), strings.ToLower(table)

	rows, err := db.QueryContext(ctx, `SELECT column_name, UPPER(data_type),
			COALESCE(character_maximum_length, numeric_precision, 0),
			is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	var cols []ColumnInfo
	for rows.Next() {
		var (
			c        ColumnInfo
			nullable string
			dflt     sql.NullString
		)
		if err := rows.Scan(&c.Name, &c.DataType, &c.Size, &nullable, &dflt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		c.Nullable = nullable == "YES"
		c.DefaultValue = nullString(dflt)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()
	if len(cols) == 0 {
		return nil, nil, nil
	}

	pkRows, err := db.QueryContext(ctx, `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = tc.constraint_name
			AND kcu.table_schema = tc.table_schema
			AND kcu.table_name = tc.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer pkRows.Close()

	var keys []string
	for pkRows.Next() {
		var k string
		if err := pkRows.Scan(&k); err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
	}
	return cols, keys, pkRows.Err()
}

func scanTables(rows *sql.Rows, schema string) ([]TableInfo, error) {
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		t := TableInfo{SchemaName: schema}
		if err := rows.Scan(&t.TableName, &t.TableType, &t.RowCount); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// splitDeclaredType turns "VARCHAR2(50)" into ("VARCHAR2", 50).
func splitDeclaredType(decl string) (string, int) {
	m := declaredType.FindStringSubmatch(decl)
	if m == nil {
		return strings.ToUpper(strings.TrimSpace(decl)), 0
	}
	size, _ := strconv.Atoi(m[2])
	return strings.ToUpper(m[1]), size
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
