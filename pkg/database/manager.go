package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/harun/datalens/internal/tracing"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	msgSelectOnly      = "Only SELECT queries are allowed"
	msgSingleStatement = "Only a single SELECT statement is allowed"
)

var (
	readOnlyStart = regexp.MustCompile(`(?is)^(SELECT|WITH)\b`)
	writeKeyword  = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|CREATE|DROP|ALTER|TRUNCATE)\b`)
)

// Target is one live database.
type Target struct {
	Driver string
	DSN    string
}

// Recorder receives per-environment request and query observations.
type Recorder interface {
	RecordChatRequest(environment, tool string)
	RecordQueryDuration(environment string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordChatRequest(string, string)          {}
func (nopRecorder) RecordQueryDuration(string, time.Duration) {}

// Config configures a Manager.
type Config struct {
	// Mock serves every environment from a seeded in-memory sqlite database.
	Mock               bool
	DefaultEnvironment Environment
	Targets            map[Environment]Target
	DefaultSchema      string
	// Schemas are seeded in mock mode in addition to DefaultSchema.
	Schemas      []string
	MaxRows      int
	QueryTimeout time.Duration
	MaxOpenConns int

	Recorder Recorder
	Logger   zerolog.Logger

	// Open replaces sql.Open.
	Open func(driver, dsn string) (*sql.DB, error)
}

// DefaultConfig returns mock mode on DEV with SCHEMA_A.
func DefaultConfig() Config {
	return Config{
		Mock:               true,
		DefaultEnvironment: EnvDev,
		DefaultSchema:      "SCHEMA_A",
		MaxRows:            1000,
		QueryTimeout:       30 * time.Second,
		MaxOpenConns:       4,
	}
}

type pool struct {
	db      *sql.DB
	catalog catalog
}

// Manager owns the connection pools and tracks the current environment.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current Environment
	pools   map[Environment]*pool
	mock    *pool
}

// NewManager applies defaults and, in mock mode, seeds the mock database.
// Live targets are opened on first use.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.DefaultEnvironment == "" {
		cfg.DefaultEnvironment = def.DefaultEnvironment
	}
	if cfg.DefaultSchema == "" {
		cfg.DefaultSchema = def.DefaultSchema
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Open == nil {
		cfg.Open = sql.Open
	}

	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "database").Logger(),
		now:     time.Now,
		current: cfg.DefaultEnvironment,
		pools:   make(map[Environment]*pool),
	}

	if cfg.Mock {
		db, err := openMock(ctx, cfg.Open, append([]string{cfg.DefaultSchema}, cfg.Schemas...))
		if err != nil {
			return nil, err
		}
		m.mock = &pool{db: db, catalog: sqliteCatalog{}}
		m.logger.Info().Int("tables", len(mockTables)).Msg("Mock database initialized")
	}
	return m, nil
}

// Mock reports whether the manager serves the seeded mock database.
func (m *Manager) Mock() bool {
	return m.cfg.Mock
}

// DefaultSchema is used when a caller passes no schema.
func (m *Manager) DefaultSchema() string {
	return m.cfg.DefaultSchema
}

// Current returns the active environment.
func (m *Manager) Current() Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connect checks env and makes it the active environment on success. In live
// mode the previous environment's pool is closed.
func (m *Manager) Connect(ctx context.Context, env Environment) ConnectionStatus {
	start := m.now()

	p, err := m.pool(env)
	if err == nil {
		err = m.ping(ctx, p)
	}
	elapsed := m.now().Sub(start).Milliseconds()
	if err != nil {
		m.logger.Error().Err(err).Str("environment", string(env)).Msg("Failed to connect")
		return ConnectionStatus{Environment: env, Message: "Connection failed: " + err.Error(), ConnectionTimeMs: elapsed}
	}

	m.mu.Lock()
	prev := m.current
	m.current = env
	var stale *pool
	if !m.cfg.Mock && prev != env {
		stale = m.pools[prev]
		delete(m.pools, prev)
	}
	m.mu.Unlock()

	if stale != nil {
		if err := stale.db.Close(); err != nil {
			m.logger.Warn().Err(err).Str("environment", string(prev)).Msg("Failed to close previous pool")
		}
	}

	m.logger.Info().Str("environment", string(env)).Int64("elapsed_ms", elapsed).Msg("Connected")
	return ConnectionStatus{
		Environment:      env,
		Connected:        true,
		Message:          m.mockPrefix() + "Successfully connected to " + string(env),
		ConnectionTimeMs: elapsed,
	}
}

// Status health-checks the active environment.
func (m *Manager) Status(ctx context.Context) ConnectionStatus {
	env := m.Current()
	start := m.now()

	p, err := m.pool(env)
	if err == nil {
		err = m.ping(ctx, p)
	}
	st := ConnectionStatus{Environment: env, ConnectionTimeMs: m.now().Sub(start).Milliseconds()}
	if err != nil {
		st.Message = "Connection failed: " + err.Error()
		return st
	}
	st.Connected = true
	st.Message = "Connection successful"
	if m.cfg.Mock {
		st.Message = "[MOCK] Connection successful to " + string(env)
	}
	return st
}

// ExecuteQuery runs a read-only statement against the active environment,
// returning at most MaxRows rows.
func (m *Manager) ExecuteQuery(ctx context.Context, query string) *QueryResult {
	env := m.Current()
	start := m.now()
	fail := func(msg string) *QueryResult {
		return &QueryResult{Error: msg, ExecutionTimeMs: m.now().Sub(start).Milliseconds()}
	}

	stmt, msg := checkReadOnly(query)
	if msg != "" {
		return fail(msg)
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "database.ExecuteQuery",
		attribute.String("db.environment", string(env)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	p, err := m.pool(env)
	if err != nil {
		span.RecordError(err)
		return fail(err.Error())
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	res, err := m.query(qctx, p.db, stmt)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("environment", string(env)).Msg("Query execution failed")
		return fail(err.Error())
	}

	d := m.now().Sub(start)
	m.cfg.Recorder.RecordQueryDuration(string(env), d)
	res.ExecutionTimeMs = d.Milliseconds()
	span.SetAttributes(attribute.Int("db.rows", res.RowCount))
	logger.Debug().Int("rows", res.RowCount).Dur("elapsed", d).Msg("Query executed")
	return res
}

func (m *Manager) query(ctx context.Context, db *sql.DB, stmt string) (*QueryResult, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &QueryResult{ColumnNames: cols, Rows: [][]interface{}{}, Success: true}
	for rows.Next() {
		if len(res.Rows) >= m.cfg.MaxRows {
			res.Truncated = true
			break
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// ListTables lists the tables of schema, or of DefaultSchema when empty.
func (m *Manager) ListTables(ctx context.Context, schema string) ([]TableInfo, error) {
	schema = m.schemaOrDefault(schema)
	if err := validIdentifier(schema); err != nil {
		return nil, err
	}
	p, err := m.pool(m.Current())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	tables, err := p.catalog.listTables(ctx, p.db, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	if tables == nil {
		tables = []TableInfo{}
	}
	return tables, nil
}

// TableSchema describes table. It returns nil without error when the table
// does not exist.
func (m *Manager) TableSchema(ctx context.Context, table, schema string) (*TableSchema, error) {
	schema = m.schemaOrDefault(schema)
	if err := validIdentifier(schema); err != nil {
		return nil, err
	}
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	p, err := m.pool(m.Current())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	cols, keys, err := p.catalog.columns(ctx, p.db, schema, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s.%s: %w", schema, table, err)
	}
	if len(cols) == 0 {
		return nil, nil
	}
	if keys == nil {
		keys = []string{}
	}
	return &TableSchema{SchemaName: schema, TableName: table, Columns: cols, PrimaryKeys: keys}, nil
}

// Close closes every open pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[Environment]*pool)
	mock := m.mock
	m.mock = nil
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		errs = append(errs, p.db.Close())
	}
	if mock != nil {
		errs = append(errs, mock.db.Close())
	}
	return errors.Join(errs...)
}

func (m *Manager) pool(env Environment) (*pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mock {
		if m.mock == nil {
			return nil, errors.New("database manager is closed")
		}
		return m.mock, nil
	}
	if p, ok := m.pools[env]; ok {
		return p, nil
	}

	target, ok := m.cfg.Targets[env]
	if !ok {
		return nil, fmt.Errorf("no database configured for environment %s", env)
	}
	cat, err := catalogFor(target.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := normalizeDSN(target)
	if err != nil {
		return nil, err
	}
	db, err := m.cfg.Open(target.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", env, err)
	}
	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := &pool{db: db, catalog: cat}
	m.pools[env] = p
	return p, nil
}

func (m *Manager) ping(ctx context.Context, p *pool) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	var one int
	return p.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (m *Manager) schemaOrDefault(schema string) string {
	if s := strings.TrimSpace(schema); s != "" {
		return s
	}
	return m.cfg.DefaultSchema
}

func (m *Manager) mockPrefix() string {
	if m.cfg.Mock {
		return "[MOCK] "
	}
	return ""
}

// normalizeDSN makes MySQL return DATETIME columns as time values.
func normalizeDSN(t Target) (string, error) {
	if t.Driver != "mysql" {
		return t.DSN, nil
	}
	cfg, err := mysql.ParseDSN(t.DSN)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// checkReadOnly returns the statement without trailing semicolons, or a
// rejection message.
func checkReadOnly(query string) (string, string) {
	stmt := strings.TrimSpace(query)
	for strings.HasSuffix(stmt, ";") {
		stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	}
	if !readOnlyStart.MatchString(stmt) {
		return "", msgSelectOnly
	}
	if strings.Contains(stmt, ";") {
		return "", msgSingleStatement
	}
	if strings.EqualFold(readOnlyStart.FindStringSubmatch(stmt)[1], "WITH") && writeKeyword.MatchString(stmt) {
		return "", msgSelectOnly
	}
	return stmt, ""
}
