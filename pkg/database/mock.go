package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type mockTable struct {
	name    string
	columns string
	rows    [][]interface{}
}

var mockTables = []mockTable{
	{
		name: "USERS",
		columns: `ID NUMBER(10) NOT NULL PRIMARY KEY,
			USERNAME VARCHAR2(50) NOT NULL,
			EMAIL VARCHAR2(100) NOT NULL,
			STATUS VARCHAR2(20) NOT NULL DEFAULT 'PENDING',
			CREATED_AT DATE DEFAULT CURRENT_DATE`,
		rows: [][]interface{}{
			{1, "john_doe", "john@example.com", "ACTIVE", "2024-01-15"},
			{2, "jane_smith", "jane@example.com", "ACTIVE", "2024-02-20"},
			{3, "bob_wilson", "bob@example.com", "INACTIVE", "2024-03-10"},
			{4, "alice_jones", "alice@example.com", "ACTIVE", "2024-04-05"},
			{5, "charlie_brown", "charlie@example.com", "PENDING", "2024-05-12"},
		},
	},
	{
		name: "ORDERS",
		columns: `ORDER_ID NUMBER(10) NOT NULL PRIMARY KEY,
			USER_ID NUMBER(10) NOT NULL,
			PRODUCT_ID NUMBER(10) NOT NULL,
			QUANTITY NUMBER(5) NOT NULL DEFAULT 1,
			TOTAL_AMOUNT NUMBER(10,2) NOT NULL,
			ORDER_DATE DATE NOT NULL DEFAULT CURRENT_DATE`,
		rows: [][]interface{}{
			{1001, 1, 101, 2, 59.98, "2024-06-01"},
			{1002, 2, 102, 1, 149.99, "2024-06-02"},
			{1003, 1, 103, 3, 89.97, "2024-06-03"},
			{1004, 4, 101, 1, 29.99, "2024-06-04"},
			{1005, 3, 104, 2, 199.98, "2024-06-05"},
			{1006, 2, 105, 1, 499.99, "2024-06-06"},
			{1007, 5, 102, 2, 299.98, "2024-06-07"},
		},
	},
	{
		name: "PRODUCTS",
		columns: `PRODUCT_ID NUMBER(10) NOT NULL PRIMARY KEY,
			NAME VARCHAR2(100) NOT NULL,
			CATEGORY VARCHAR2(50) NOT NULL,
			PRICE NUMBER(10,2) NOT NULL,
			STOCK_QUANTITY NUMBER(10) NOT NULL DEFAULT 0`,
		rows: [][]interface{}{
			{101, "Wireless Mouse", "Electronics", 29.99, 150},
			{102, "Mechanical Keyboard", "Electronics", 149.99, 75},
			{103, "USB-C Hub", "Electronics", 29.99, 200},
			{104, "Monitor Stand", "Accessories", 99.99, 50},
			{105, "Webcam 4K", "Electronics", 499.99, 30},
		},
	},
}

// openMock returns an in-memory sqlite database with the sample tables in
// the main schema and in every named schema.
func openMock(ctx context.Context, open func(driver, dsn string) (*sql.DB, error), schemas []string) (*sql.DB, error) {
	db, err := open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open mock database: %w", err)
	}
	// Every connection to :memory: is a separate database, and ATTACH is
	// per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	seeded := map[string]bool{}
	for _, schema := range append([]string{"main"}, schemas...) {
		key := strings.ToUpper(schema)
		if schema == "" || seeded[key] {
			continue
		}
		seeded[key] = true

		if err := seedSchema(ctx, db, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed mock schema %s: %w", schema, err)
		}
	}
	return db, nil
}

func seedSchema(ctx context.Context, db *sql.DB, schema string) error {
	if err := validIdentifier(schema); err != nil {
		return err
	}
	if !strings.EqualFold(schema, "main") {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ':memory:' AS %s", quoteIdent(schema))); err != nil {
			return err
		}
	}

	for _, t := range mockTables {
		table := quoteIdent(schema) + "." + t.name
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, t.columns)); err != nil {
			return err
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.rows[0])), ", ")
		insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, marks)
		for _, row := range t.rows {
			if _, err := db.ExecContext(ctx, insert, row...); err != nil {
				return err
			}
		}
	}
	return nil
}
