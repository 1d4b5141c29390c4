package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shawn111/goose/internal/config"
	"github.com/shawn111/goose/internal/logger"
	"github.com/shawn111/goose/internal/observability"
	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/agent"
	"github.com/shawn111/goose/pkg/dispatch"
	"github.com/shawn111/goose/pkg/gateway"
	"github.com/shawn111/goose/pkg/provider"
	"github.com/shawn111/goose/pkg/session"
	"github.com/shawn111/goose/pkg/stream"
)

// Info identifies the running build for the /info endpoint.
type Info struct {
	Version    string
	ConfigFile string
}

// Daemon wires the host together: session manager, provider registry,
// tool dispatcher, event publisher, and the gateway server on top.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	info   Info

	// Core modules
	manager    *session.Manager
	providers  *provider.Registry
	dispatcher *dispatch.Dispatcher
	publisher  *stream.Publisher

	// Services
	gatewayServer *gateway.Server
	watcher       *dispatch.RegistryWatcher
	maintainer    *session.Maintainer

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

var newAgentRunner = func(h *session.Handle, cfg agent.Config) (*agent.Runner, error) {
	return agent.NewRunner(h, cfg)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, info Info) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		info:   info,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCore(); err != nil {
		d.releasePartial()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		d.releasePartial()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// releasePartial unwinds whatever New managed to build before failing.
func (d *Daemon) releasePartial() {
	d.cancel()
	if d.dispatcher != nil {
		_ = d.dispatcher.Close()
	}
	if d.manager != nil {
		_ = d.manager.Close()
	}
	d.shutdownTracing()
}

// initializeCore initializes all core modules
func (d *Daemon) initializeCore() error {
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Initialize audit logger
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	d.providers = provider.DefaultRegistry()
	d.logger.Info().Strs("providers", d.providers.Names()).Msg("Provider registry initialized")

	manager, err := session.NewManager(d.ctx, d.config.Sessions.Dir, d.providers.Names())
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.manager = manager
	d.logger.Info().Str("dir", d.config.Sessions.Dir).Msg("Session manager initialized")

	d.dispatcher = dispatch.New(dispatch.Options{
		MaxOutputBytes: d.config.Tools.MaxOutputBytes,
		CallTimeout:    d.config.Tools.Timeout,
	})

	builtinRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}

	endpoints, err := d.toolEndpoints(builtinRoot)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		registered, err := d.dispatcher.Register(d.ctx, ep)
		if err != nil {
			return fmt.Errorf("failed to register tool endpoint %s: %w", ep.Name(), err)
		}
		d.logger.Info().
			Str("endpoint", ep.Name()).
			Int("tool_count", len(registered)).
			Msg("Tool endpoint registered")
	}

	if d.config.Tools.WatchRegistry && d.config.Tools.RegistryPath != "" {
		watcher, err := dispatch.NewRegistryWatcher(d.dispatcher, d.config.Tools.RegistryPath, builtinRoot)
		if err != nil {
			return fmt.Errorf("failed to create registry watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.publisher = stream.NewPublisher(d.config.Stream.SubscriberBuffer)
	d.logger.Info().Int("buffer", d.config.Stream.SubscriberBuffer).Msg("Event publisher initialized")

	if d.config.Sessions.Retention.Enabled {
		maintainer, err := session.NewMaintainer(d.manager, d.config.Sessions.Retention.Schedule, d.config.Sessions.Retention.MaxIdle)
		if err != nil {
			return fmt.Errorf("failed to create retention maintainer: %w", err)
		}
		d.maintainer = maintainer
		d.logger.Info().
			Str("schedule", d.config.Sessions.Retention.Schedule).
			Dur("max_idle", d.config.Sessions.Retention.MaxIdle).
			Msg("Retention maintainer initialized")
	}

	return nil
}

// toolEndpoints builds the endpoint set for startup. A missing registry
// file means builtin tools only; a malformed one refuses to start, since
// unlike a live reload there is no last good set to keep serving.
func (d *Daemon) toolEndpoints(builtinRoot string) ([]dispatch.Endpoint, error) {
	path := d.config.Tools.RegistryPath
	if path == "" {
		return []dispatch.Endpoint{dispatch.NewBuiltinEndpoint(builtinRoot)}, nil
	}

	cfgs, err := dispatch.LoadRegistryFile(path)
	if errors.Is(err, os.ErrNotExist) {
		d.logger.Info().Str("path", path).Msg("No tool registry file, using builtin tools only")
		return []dispatch.Endpoint{dispatch.NewBuiltinEndpoint(builtinRoot)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool registry: %w", err)
	}
	return dispatch.BuildEndpoints(cfgs, builtinRoot), nil
}

// initializeServices initializes all services
func (d *Daemon) initializeServices() error {
	gatewayServer, err := gateway.NewServer(gateway.Config{
		Addr:            d.config.Server.Addr(),
		SecretKey:       d.config.Server.SecretKey,
		Version:         d.info.Version,
		ConfigFile:      d.info.ConfigFile,
		LogsDir:         config.LogsDir(d.config),
		DefaultProvider: d.config.Providers.Default,
		DefaultModel:    d.config.Providers.Model,
		Manager:         d.manager,
		Dispatcher:      d.dispatcher,
		Publisher:       d.publisher,
		NewRunner:       d.newRunner,
		Logger:          d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	d.logger.Info().Str("addr", d.config.Server.Addr()).Msg("Gateway server initialized")

	return nil
}

// newRunner builds a turn runner for an attached handle, resolving the
// provider recorded in the session's metadata against the registry.
func (d *Daemon) newRunner(h *session.Handle) (*agent.Runner, error) {
	name := h.Meta().Provider
	if name == "" {
		name = d.config.Providers.Default
	}

	prov, err := d.providers.New(name, provider.Config{
		APIKey:  d.config.APIKeyFor(name),
		BaseURL: d.config.BaseURLFor(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider %s: %w", name, err)
	}

	return newAgentRunner(h, agent.Config{
		Provider:          prov,
		Dispatcher:        d.dispatcher,
		Publisher:         d.publisher,
		Logger:            d.logger.Component("agent"),
		WindowBudget:      d.config.Context.Budget(),
		MaxRetries:        d.config.Providers.MaxRetries,
		GenerationTimeout: d.config.Providers.Timeout,
		ParallelTools:     d.config.Tools.Parallel,
		MaxTokens:         int64(d.config.Providers.MaxTokens),
	})
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Str("version", d.info.Version).Msg("Starting goosed daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Start gateway server
	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	d.logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	// Start registry watcher if configured
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to start registry watcher, hot-reload disabled")
		} else {
			d.logger.Info().Msg("Registry watcher started")
		}
	}

	// Start retention maintainer if configured
	if d.maintainer != nil {
		if err := d.maintainer.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to start retention maintainer")
		} else {
			d.logger.Info().Msg("Retention maintainer started")
		}
	}

	d.logger.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping goosed daemon")

	// Stop registry watcher
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop registry watcher")
		}
	}

	// Stop retention maintainer
	if d.maintainer != nil && d.maintainer.IsRunning() {
		if err := d.maintainer.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop retention maintainer")
		}
	}

	// Stop gateway server; this closes live sockets and waits for their
	// handlers, so the publisher and manager below see no new traffic.
	if err := d.gatewayServer.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	// Close tool endpoints
	if err := d.dispatcher.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close tool endpoints")
	}

	// Close event publisher
	d.publisher.Close()

	// Cancel context
	d.cancel()

	// Close session manager
	if err := d.manager.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close session manager")
	}

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	d.logger.Info().Msg("Daemon stopped successfully")

	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	cancel()
	d.tracingEnabled = false
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.manager
}

// GetDispatcher returns the tool dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// GetPublisher returns the event publisher
func (d *Daemon) GetPublisher() *stream.Publisher {
	return d.publisher
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetProviderRegistry returns the provider registry
func (d *Daemon) GetProviderRegistry() *provider.Registry {
	return d.providers
}

// GetMaintainer returns the retention maintainer, nil when retention is off
func (d *Daemon) GetMaintainer() *session.Maintainer {
	return d.maintainer
}
