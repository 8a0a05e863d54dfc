package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/datalens/internal/config"
	"github.com/harun/datalens/internal/logger"
	"github.com/harun/datalens/internal/metrics"
	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/agent"
	"github.com/harun/datalens/pkg/commandqueue"
	"github.com/harun/datalens/pkg/database"
	"github.com/harun/datalens/pkg/gateway"
	"github.com/harun/datalens/pkg/memory"
	"github.com/harun/datalens/pkg/toolexecutor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// ServiceName identifies the daemon in traces.
const ServiceName = "datalens-daemon"

// Daemon wires every DataLens component from Config and owns their lifecycle.
type Daemon struct {
	config     *config.Config
	configPath string
	version    string
	logger     *logger.Logger

	metrics  *metrics.Metrics
	queue    *commandqueue.CommandQueue
	memory   *memory.Cache
	tools    *toolexecutor.ToolExecutor
	database *database.Manager
	prompt   *agent.Prompt
	engine   *agent.Engine

	gatewayServer *gateway.Server
	cron          *cron.Cron
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	Addr        string
	Sessions    int
	ActiveTurns int
	Lanes       []commandqueue.LaneStats
	Tools       int
}

var newProvider = agent.NewProvider

// Options carries values that do not live in the config file.
type Options struct {
	// ConfigPath is watched for changes when set.
	ConfigPath string
	Version    string
}

// New builds every component from cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		configPath: opts.ConfigPath,
		version:    opts.Version,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := tracing.InitOpenTelemetry(ServiceName, opts.Version); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.Component("lifecycle"))

	return d, nil
}

// abort releases what a failed New already acquired.
func (d *Daemon) abort() {
	d.cancel()
	if d.database != nil {
		_ = d.database.Close()
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds the queue, memory, tools and agent engine.
func (d *Daemon) initializeCoreModules() error {
	log := d.logger.GetZerolog()

	d.metrics = metrics.NewMetrics()

	d.queue = commandqueue.New()
	d.logger.Info().Msg("Command queue initialized")

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	d.memory = memory.New(memory.Config{
		MaxMessages: d.config.Memory.MaxMessages,
		MaxSessions: d.config.Memory.MaxSessions,
		TTL:         time.Duration(d.config.Memory.TimeoutMinutes) * time.Minute,
		Gauge:       d.metrics.SessionsActive,
		Logger:      d.logger.Component("memory"),
	})
	d.logger.Info().
		Int("max_sessions", d.memory.MaxSessions()).
		Int("timeout_minutes", d.config.Memory.TimeoutMinutes).
		Msg("Session memory initialized")

	d.tools = toolexecutor.NewWithConfig(toolexecutor.Config{
		Metrics: d.metrics,
		Logger:  d.logger.Component("tools"),
	})
	if err := d.registerTools(); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	d.prompt = agent.NewPrompt(d.config.Agent.DefaultSchema, d.config.Agent.SecondarySchema)
	if err := d.prompt.Load(d.config.Agent.SystemPromptFile); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to load system prompt file, using built-in template")
	}

	provider, err := newProvider(agent.ProviderConfig{
		Provider:   d.config.LLM.Provider,
		Model:      d.config.LLM.Model,
		APIKey:     d.config.LLM.APIKey,
		BaseURL:    d.config.LLM.BaseURL,
		MaxRetries: d.config.LLM.MaxRetries,
		Timeout:    time.Duration(d.config.LLM.TimeoutSeconds) * time.Second,
		Azure: agent.AzureOptions{
			Endpoint:        d.config.LLM.Azure.Endpoint,
			APIVersion:      d.config.LLM.Azure.APIVersion,
			TenantID:        d.config.LLM.Azure.TenantID,
			ClientID:        d.config.LLM.Azure.ClientID,
			CertificatePath: d.config.LLM.Azure.CertificatePath,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create llm provider: %w", err)
	}

	d.engine, err = agent.NewEngine(agent.Config{
		Provider:      provider,
		Tools:         d.tools,
		Memory:        d.memory,
		Queue:         d.queue,
		Prompt:        d.prompt,
		Model:         d.config.LLM.Model,
		Temperature:   d.config.LLM.Temperature,
		MaxTokens:     d.config.LLM.MaxTokens,
		MaxIterations: d.config.Agent.MaxIterations,
		HistoryWindow: d.config.Agent.HistoryWindow,
		ChunkSize:     d.config.Agent.ChunkSize,
		TurnTimeout:   time.Duration(d.config.Agent.TurnTimeoutSeconds) * time.Second,
		Metrics:       d.metrics,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent engine: %w", err)
	}
	d.logger.Info().
		Str("provider", provider.Provider()).
		Str("model", d.config.LLM.Model).
		Msg("Agent engine initialized")

	return nil
}

// initializeServices builds the gateway, housekeeping schedule and watcher.
func (d *Daemon) initializeServices() error {
	log := d.logger.GetZerolog()

	server, err := gateway.NewServer(gateway.Config{
		Host:               d.config.Server.Host,
		Port:               d.config.Server.Port,
		Version:            d.version,
		Engine:             d.engine,
		Sessions:           d.memory,
		Tools:              d.tools,
		Dashboard:          d.metrics,
		MetricsHandler:     d.metricsHandler(),
		RateLimitPerMinute: d.config.Server.RateLimitPerMinute,
		ShutdownTimeout:    time.Duration(d.config.Server.ShutdownTimeoutSeconds) * time.Second,
		Logger:             log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	d.logger.Info().
		Str("host", d.config.Server.Host).
		Int("port", d.config.Server.Port).
		Msg("Gateway server initialized")

	if err := d.scheduleHousekeeping(); err != nil {
		return fmt.Errorf("failed to schedule housekeeping: %w", err)
	}

	watcher, err := config.NewWatcher(d.logger.Component("watcher"), d.handleFileChange)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to create file watcher, hot reload disabled")
		return nil
	}
	d.watcher = watcher
	for _, path := range []string{d.prompt.Path(), d.configPath} {
		if path == "" {
			continue
		}
		if err := watcher.Watch(path); err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	return nil
}

// metricsHandler serves the application registry together with the
// process-wide module metrics.
func (d *Daemon) metricsHandler() http.Handler {
	gatherers := prometheus.Gatherers{d.metrics.Registry(), prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// handleFileChange reloads the system prompt. Config file edits are only
// audited; they apply on restart.
func (d *Daemon) handleFileChange(path string) {
	if abs, err := filepath.Abs(d.prompt.Path()); err == nil && abs == path {
		if err := d.prompt.Reload(); err != nil {
			d.logger.Error().Err(err).Str("path", path).Msg("Failed to reload system prompt")
			return
		}
		d.logger.Info().Str("path", path).Msg("System prompt reloaded")
		observability.RecordConfigAudit(d.ctx, "prompt_reload", "watcher", map[string]interface{}{"path": path})
		return
	}

	d.logger.Warn().Str("path", path).Msg("Config file changed, restart to apply")
	observability.RecordConfigAudit(d.ctx, "config_changed", "watcher", map[string]interface{}{"path": path})
}

// ErrNotRunning is returned by Stop on a daemon that is not started.
var ErrNotRunning = errors.New("daemon is not running")

// Start claims the PID file, opens the gateway listener and starts the
// housekeeping scheduler.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon is already running")
	}

	log := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Str("version", d.version).Str("data_dir", d.config.DataDir).Msg("Starting DataLens daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	d.cron.Start()

	d.running = true
	d.startTime = time.Now()
	log.Info().
		Str("addr", d.gatewayServer.Addr()).
		Int("housekeeping_jobs", len(d.cron.Entries())).
		Msg("DataLens daemon started")
	return nil
}

// shutdownStep is one stage of Stop. Failures are logged and the next
// stage still runs.
type shutdownStep struct {
	name string
	run  func() error
}

// Stop drains the daemon in dependency order: ingress first, then
// background work, then the queue, then storage and telemetry.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping DataLens daemon")

	steps := []shutdownStep{
		{"gateway", func() error { return d.gatewayServer.Stop(context.Background()) }},
		{"housekeeping", func() error {
			<-d.cron.Stop().Done()
			return nil
		}},
		{"watcher", func() error {
			if d.watcher == nil {
				return nil
			}
			return d.watcher.Stop()
		}},
		{"queue", func() error {
			if !d.queue.WaitForActive(5 * time.Second) {
				log.Warn().Msg("Active tasks still running, cancelling")
			}
			d.cancel()
			return d.queue.Close()
		}},
		{"database", func() error {
			if d.database == nil {
				return nil
			}
			return d.database.Close()
		}},
		{"pid_file", d.lifecycle.Stop},
		{"tracing", func() error {
			if !d.tracingEnabled {
				return nil
			}
			d.tracingEnabled = false
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracing.ShutdownOpenTelemetry(ctx)
		}},
		{"audit", observability.GetAuditLogger().Close},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			log.Error().Err(err).Str("step", step.name).Msg("Shutdown step failed")
			continue
		}
		log.Debug().Str("step", step.name).Msg("Shutdown step done")
	}

	log.Info().Msg("DataLens daemon stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		Sessions:    d.memory.Len(),
		ActiveTurns: d.engine.ActiveTurns(),
		Lanes:       d.queue.Stats(),
		Tools:       d.tools.GetToolCount(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon. SIGHUP
// reloads the system prompt and reopens the log file.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
		if sig == syscall.SIGHUP {
			d.reload()
			continue
		}
		break
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

func (d *Daemon) reload() {
	if err := d.prompt.Reload(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to reload system prompt")
	}
	if err := d.logger.Rotate(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to rotate log file")
	}
}

func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetEngine returns the agent engine
func (d *Daemon) GetEngine() *agent.Engine {
	return d.engine
}

// GetToolExecutor returns the tool registry
func (d *Daemon) GetToolExecutor() *toolexecutor.ToolExecutor {
	return d.tools
}

func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetMemory returns the session memory cache
func (d *Daemon) GetMemory() *memory.Cache {
	return d.memory
}
