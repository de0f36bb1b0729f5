// Package daemon wires the automat process together: event log, the
// supervision tree with its agent workers, the conductor, and the
// gateway ingress.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automatiq/automat/internal/config"
	"github.com/automatiq/automat/internal/logger"
	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/internal/tracing"
	"github.com/automatiq/automat/pkg/agents"
	"github.com/automatiq/automat/pkg/conductor"
	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/eventlog"
	"github.com/automatiq/automat/pkg/gateway"
	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/provider"
	"github.com/automatiq/automat/pkg/supervise"
)

const shutdownTimeout = 30 * time.Second

// Daemon is the automat process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *eventlog.Store
	log       *eventlog.Log
	rootSup   *supervise.Supervisor
	agentSup  *supervise.Supervisor
	conductor *conductor.Conductor
	gateway   *gateway.Server
	archiver  *eventlog.Archiver
	watcher   *configWatcher
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	supErr chan error

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the running daemon.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// New builds the daemon from validated configuration. Nothing runs until
// Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		supErr: make(chan error, 1),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("automat-daemon"); err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	d.watcher = newConfigWatcher(d)

	return d, nil
}

// initialize builds every component in dependency order: store, event
// log, decision backend, provider registry, supervision tree, conductor,
// gateway.
func (d *Daemon) initialize() error {
	cfg := d.config
	zlog := d.logger.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.Workspace != "" {
		if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
	}

	store, err := eventlog.OpenStore(cfg.EventLog.Path)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	d.store = store
	d.log = eventlog.NewLog(store, zlog)

	decider, err := buildDecider(cfg.Decision)
	if err != nil {
		return fmt.Errorf("failed to build decision backend: %w", err)
	}

	providers := provider.NewRegistry(
		cfg.Providers.TavilyAPIKey,
		cfg.Providers.BraveAPIKey,
		cfg.Providers.ExaAPIKey,
	)

	budget := supervise.RestartBudget{
		MaxRestarts: cfg.Supervision.MaxRestarts,
		Window:      time.Duration(cfg.Supervision.WindowSeconds) * time.Second,
	}

	// Worker pool. Each worker's adapter reports search outcomes back
	// into the event log so the conductor can derive execution metadata.
	d.agentSup = supervise.New("agents", d.log, zlog)
	observer := conductor.NewLogObserver(d.log, zlog)
	for _, kind := range agents.Kinds() {
		adapter, err := agents.NewAdapter(kind, agents.Deps{
			Providers:          providers,
			ProviderPreference: cfg.Providers.Preference,
			EntryTimeout:       time.Duration(cfg.Providers.EntryTimeoutSeconds) * time.Second,
			Observer:           observer,
			Workspace:          cfg.Workspace,
			Logger:             zlog,
		})
		if err != nil {
			return fmt.Errorf("failed to build %s adapter: %w", kind, err)
		}
		h, err := harness.New(conductor.WorkerID(kind), adapter, decider, d.log, zlog)
		if err != nil {
			return fmt.Errorf("failed to build %s harness: %w", kind, err)
		}
		err = d.agentSup.AddChild(supervise.ChildSpec{
			Identity: supervise.Identity{ID: conductor.WorkerID(kind), Kind: kind},
			Policy:   supervise.OneForOne,
			Budget:   budget,
			Start: func(context.Context) (supervise.Child, error) {
				return conductor.NewWorker(kind, h, zlog), nil
			},
		})
		if err != nil {
			return fmt.Errorf("failed to register %s worker: %w", kind, err)
		}
	}

	dispatcher := conductor.NewSupervisedDispatcher(d.agentSup)
	d.conductor = conductor.New(decider, dispatcher, providers, d.log, zlog)
	d.conductor.SetLimits(conductor.Limits{
		MaxSteps:     cfg.Harness.MaxSteps,
		Timeout:      time.Duration(cfg.Harness.TimeoutSeconds) * time.Second,
		EntryTimeout: time.Duration(cfg.Providers.EntryTimeoutSeconds) * time.Second,
	})

	// Root tree. The event log comes first with RestForOne so a log
	// failure also recycles everything that depends on it.
	d.rootSup = supervise.New("root", d.log, zlog)
	children := []supervise.ChildSpec{
		{
			Identity: supervise.Identity{ID: eventlog.ActorID, Kind: "eventlog"},
			Policy:   supervise.RestForOne,
			Budget:   budget,
			Start: func(context.Context) (supervise.Child, error) {
				return d.log, nil
			},
		},
		{
			Identity: supervise.Identity{ID: "agents", Kind: "supervisor"},
			Policy:   supervise.OneForOne,
			Budget:   budget,
			Start: func(context.Context) (supervise.Child, error) {
				return d.agentSup, nil
			},
		},
		{
			Identity: supervise.Identity{ID: conductor.ActorID, Kind: "conductor"},
			Policy:   supervise.OneForOne,
			Budget:   budget,
			Start: func(context.Context) (supervise.Child, error) {
				return d.conductor, nil
			},
		},
	}
	for _, spec := range children {
		if err := d.rootSup.AddChild(spec); err != nil {
			return fmt.Errorf("failed to register %s: %w", spec.Identity, err)
		}
	}

	gw, err := gateway.NewServer(gateway.Config{
		Addr:              cfg.Gateway.Addr(),
		AuthToken:         cfg.Gateway.AuthToken,
		Executor:          d.conductor,
		Log:               d.log,
		Logger:            zlog,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		StreamBuffer:      cfg.EventLog.SubscriberBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	d.gateway = gw

	if cfg.EventLog.Archive.Enabled {
		retention := time.Duration(cfg.EventLog.Archive.RetainDays) * 24 * time.Hour
		d.archiver = eventlog.NewArchiver(d.log, cfg.EventLog.Archive.Schedule, retention, zlog)
	}

	return nil
}

// buildDecider maps the configured decision backend to a Decider. The
// scripted backend carries no script and fails closed on any call; it
// exists so the daemon can run without credentials.
func buildDecider(cfg config.DecisionConfig) (decision.Decider, error) {
	if cfg.Provider == config.DecisionScripted {
		return decision.NewScripted(), nil
	}
	return decision.New(cfg.Provider, cfg.APIKey, cfg.Model)
}

// Start brings the process up: PID file, supervision tree, gateway,
// archiver, config watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	zlog := d.logger.Zerolog()
	zlog.Info().Str("data_dir", d.config.DataDir).Msg("Starting automat daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.rootSup.Run(d.ctx); err != nil {
			zlog.Error().Err(err).Msg("Supervision tree escalated")
			select {
			case d.supErr <- err:
			default:
			}
		}
	}()

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	zlog.Info().Str("addr", d.config.Gateway.Addr()).Msg("Gateway started")

	if d.archiver != nil {
		if err := d.archiver.Start(); err != nil {
			zlog.Warn().Err(err).Msg("Failed to start event archiver")
		} else {
			zlog.Info().Str("schedule", d.config.EventLog.Archive.Schedule).Msg("Event archiver started")
		}
	}

	if err := d.watcher.Start(); err != nil {
		zlog.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	}

	zlog.Info().Msg("Daemon started")
	return nil
}

// Stop shuts the process down in reverse order: intake first, then the
// tree, then storage.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zlog := d.logger.Zerolog()
	zlog.Info().Msg("Stopping automat daemon")

	d.watcher.Stop()

	if err := d.gateway.Stop(); err != nil {
		zlog.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}

	if d.archiver != nil {
		d.archiver.Stop()
	}

	d.cancel()
	d.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.store.Close(); err != nil {
		zlog.Warn().Err(err).Msg("Failed to close event store")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(stopCtx); err != nil {
			zlog.Warn().Err(err).Msg("Failed to shut down tracing")
		}
		d.tracingEnabled = false
	}

	if err := d.lifecycle.Stop(); err != nil {
		zlog.Warn().Err(err).Msg("Failed to remove PID file")
	}

	zlog.Info().Msg("Daemon stopped")
	return nil
}

// Status reports the current run state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running}
	if d.running {
		st.StartTime = d.startTime
		st.Uptime = time.Since(d.startTime)
	}
	return st
}

// Wait blocks until SIGINT/SIGTERM arrives or the supervision tree
// escalates past the root, then stops the daemon.
func (d *Daemon) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	zlog := d.logger.Zerolog()
	var runErr error
	select {
	case sig := <-sigCh:
		zlog.Info().Str("signal", sig.String()).Msg("Received signal")
	case err := <-d.supErr:
		runErr = err
	}

	if err := d.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop daemon")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// EventLog exposes the event log for in-process consumers.
func (d *Daemon) EventLog() *eventlog.Log {
	return d.log
}
