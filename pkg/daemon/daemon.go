package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/policy"
	"github.com/vpsfleet/vpsfleet/pkg/remote"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
	"github.com/vpsfleet/vpsfleet/pkg/telemetry"
	"github.com/vpsfleet/vpsfleet/pkg/transports/ssh"
)

// Exit codes tell the supervisor what to do after the daemon stopped.
const (
	ExitOK      = 0
	ExitStop    = 100
	ExitRestart = 150
	ExitUpdate  = 200
)

// Store is the part of the database the daemon works with.
type Store interface {
	engine.Store
	handlers.NodeInventory

	FindLocation(ctx context.Context, ref string) (*stores.Location, error)
	GetNode(ctx context.Context, id int64) (*engine.Node, error)
	CreateNode(ctx context.Context, n *engine.Node) error
	UpdateNode(ctx context.Context, n *engine.Node) error
	UpsertNodePubkey(ctx context.Context, key *stores.NodePubkey) error
	NodeIPAddresses(ctx context.Context, nodeID int64) ([]*stores.IPAddress, error)
	ListConfigFiles(ctx context.Context) ([]*stores.ConfigFile, error)
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

var _ Store = (*stores.SQLiteStore)(nil)

// Options configure a daemon.
type Options struct {
	// ConfigPath is re-read by reload and refresh and watched for changes.
	// Empty disables both.
	ConfigPath string

	// Config is used as is when set, otherwise ConfigPath is loaded.
	Config *config.Config

	Store Store

	// Runner executes host commands; nil runs them locally.
	Runner handlers.Runner

	// Telemetry is built from the configuration when nil.
	Telemetry *telemetry.Telemetry

	// Logger overrides the telemetry logger.
	Logger *zerolog.Logger
}

// Daemon executes the transactions of one node and serves the remote
// control socket.
type Daemon struct {
	cfgPath string
	loader  *config.Loader

	mu  sync.RWMutex
	cfg *config.Config

	store      Store
	registry   *engine.Registry
	locks      *engine.LockRegistry
	builder    *engine.Builder
	rollback   *engine.RollbackEngine
	dispatcher *engine.Dispatcher
	handlers   *handlers.Set
	runner     handlers.Runner
	policy     *policy.Engine
	server     *remote.Server
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger

	exitOnce sync.Once
	exitCh   chan int
}

// New wires the engine, handlers, policies and remote control server.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	loader := config.NewLoader()
	cfg := opts.Config
	if cfg == nil {
		if opts.ConfigPath == "" {
			return nil, fmt.Errorf("config or config path is required")
		}
		var err error
		if cfg, err = loader.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	tel := opts.Telemetry
	if tel == nil {
		var err error
		if tel, err = telemetry.NewTelemetry(cfg.TelemetryConfig()); err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	logger := tel.Logger.Zerolog()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Int64("node", cfg.NodeID).Logger()

	runner := opts.Runner
	if runner == nil {
		runner = handlers.NewExecRunner(logger)
	}

	d := &Daemon{
		cfgPath:   opts.ConfigPath,
		loader:    loader,
		cfg:       cfg,
		store:     opts.Store,
		registry:  engine.NewRegistry(),
		runner:    runner,
		telemetry: tel,
		logger:    logger.With().Str("component", "daemon").Logger(),
		exitCh:    make(chan int, 1),
	}

	metrics := tel.Metrics

	d.locks = engine.NewLockRegistry(d.store, logger)
	d.locks.SetRecorder(metrics)

	d.builder = engine.NewBuilder(d.store, d.locks, d.registry, logger)
	d.rollback = engine.NewRollbackEngine(d.store, d.locks, logger)
	d.rollback.SetRecorder(metrics)

	executor := engine.NewExecutor(d.store, d.registry, d.builder, d.rollback, logger)
	executor.SetRecorder(metrics)

	d.dispatcher = engine.NewDispatcher(engine.DispatcherConfig{
		Node:         cfg.NodeID,
		Threads:      cfg.Threads,
		PollInterval: cfg.PollInterval.Std(),
	}, d.store, d.registry, executor, d.rollback, logger)
	d.dispatcher.SetRecorder(metrics)
	d.rollback.SetWaker(d.dispatcher.Wake)
	d.builder.OnCommit(func(context.Context, string) { d.dispatcher.Wake() })

	retrier := engine.NewRetrier(cfg.RetryPolicy(), logger)
	retrier.Recorder = metrics

	hopts := cfg.HandlerOptions()
	hopts.Runner = runner
	hopts.Retrier = retrier
	hopts.Dialer = &ssh.NodeDialer{Base: sshConfig(cfg), Logger: logger}
	hopts.Inventory = d.store
	hopts.Logger = logger
	d.handlers = handlers.NewSet(hopts)
	d.handlers.Register(d.registry)
	if err := cfg.Bind(d.registry); err != nil {
		return nil, err
	}

	pol, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	pol.SetNode(cfg.NodeID)
	if err := pol.LoadPolicies(context.Background(), cfg.Policies); err != nil {
		return nil, err
	}
	d.policy = pol
	d.builder.SetAdmission(pol)

	d.server = remote.NewServer(cfg.Socket, cfg.Version, logger)
	d.server.SetTelemetry(tel.Tracer, metrics)
	d.registerCommands()

	return d, nil
}

func sshConfig(cfg *config.Config) *ssh.Config {
	c := ssh.DefaultConfig("", cfg.SSH.User)
	c.PrivateKeyPath = cfg.SSH.PrivateKey
	if cfg.SSH.KnownHosts != "" {
		c.KnownHostsPath = cfg.SSH.KnownHosts
	}
	c.StrictHostKeyChecking = cfg.SSH.StrictHostKeys
	if cfg.SSH.Timeout > 0 {
		c.ConnectionTimeout = cfg.SSH.Timeout.Std()
	}
	return c
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Builder returns the chain builder of the daemon.
func (d *Daemon) Builder() *engine.Builder {
	return d.builder
}

// Server returns the remote control server.
func (d *Daemon) Server() *remote.Server {
	return d.server
}

// Run dispatches transactions and serves remote control until ctx is done
// or an administrative command asks the daemon to exit. It returns the
// process exit code.
func (d *Daemon) Run(ctx context.Context) (int, error) {
	if err := d.server.Listen(); err != nil {
		return 1, err
	}
	if err := d.telemetry.StartMetricsServer(ctx); err != nil {
		return 1, fmt.Errorf("failed to start metrics server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("dispatcher", d.dispatcher.Run)
	spawn("remote", d.server.Serve)
	if d.cfgPath != "" {
		spawn("config watcher", d.watchConfig)
	}
	if paths := d.Config().Policies; len(paths) > 0 {
		spawn("policy watcher", func(ctx context.Context) error {
			return policy.NewLoader(d.logger).Watch(ctx, paths, func() error {
				return d.policy.ReloadPolicies(ctx, paths)
			})
		})
	}

	d.logger.Info().
		Str("socket", d.Config().Socket).
		Str("version", d.Config().Version).
		Msg("Daemon started")

	code := ExitOK
	var runErr error
	select {
	case <-ctx.Done():
	case code = <-d.exitCh:
	case runErr = <-errCh:
		code = 1
	}

	d.logger.Info().Int("code", code).Int("busy", d.dispatcher.Busy()).Msg("Daemon stopping")
	d.dispatcher.Pause()
	cancel()
	wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := d.telemetry.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return code, runErr
	}
	return code, nil
}

// watchConfig applies the configuration file whenever it changes.
func (d *Daemon) watchConfig(ctx context.Context) error {
	w, err := config.NewWatcher(d.cfgPath, d.logger)
	if err != nil {
		return err
	}
	return w.Run(ctx, func(cfg *config.Config) {
		if err := d.apply(ctx, cfg); err != nil {
			d.logger.Error().Err(err).Msg("Failed to apply configuration")
		}
	})
}

// requestExit asks Run to stop with code. Only the first request counts.
func (d *Daemon) requestExit(code int) {
	d.exitOnce.Do(func() {
		d.exitCh <- code
	})
}
