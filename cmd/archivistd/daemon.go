package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dray-io/archivist/internal/archiver"
	"github.com/dray-io/archivist/internal/audit"
	"github.com/dray-io/archivist/internal/backup"
	"github.com/dray-io/archivist/internal/config"
	"github.com/dray-io/archivist/internal/lifecycle"
	"github.com/dray-io/archivist/internal/logging"
	"github.com/dray-io/archivist/internal/metrics"
	"github.com/dray-io/archivist/internal/objectstore/s3"
	"github.com/dray-io/archivist/internal/pidlock"
	"github.com/dray-io/archivist/internal/platform"
	"github.com/dray-io/archivist/internal/platform/rpc"
	"github.com/dray-io/archivist/internal/server"
	"github.com/dray-io/archivist/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Archive the configured boards until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
			return runDaemon(cfg, logger)
		},
	}
}

func runDaemon(cfg *config.Config, logger *logging.Logger) error {
	d, err := NewDaemon(DaemonOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := d.Start(context.Background()); err != nil {
		if archiver.IsFatal(err) {
			logger.Errorf("fatal startup error", map[string]any{"error": err})
		}
		return err
	}

	sig := <-sigCh
	logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err})
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// DaemonOptions contains the configuration for creating a Daemon.
type DaemonOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string

	// Platform overrides the RPC client built from Config.Platform.
	Platform platform.Platform
	// Registry, when set, replaces the default Prometheus registry.
	Registry *prometheus.Registry
	// LockOptions are applied to every board's process lock.
	LockOptions []pidlock.Option
}

// Daemon runs one archiver per configured board plus the shared metrics,
// health, backup and audit plumbing.
type Daemon struct {
	opts   DaemonOptions
	cfg    *config.Config
	logger *logging.Logger

	platform      platform.Platform
	metrics       *metrics.ArchiverMetrics
	metricsServer *metrics.Server
	health        *server.HealthServer
	uploader      *backup.Uploader
	sink          audit.Sink

	mu        sync.Mutex
	archivers []*archiver.Archiver
	started   bool
	closeOnce sync.Once
}

// NewDaemon creates a Daemon but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}

	d := &Daemon{
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger,
		sink:   audit.NopSink{},
		health: server.NewHealthServer(opts.Logger),
	}

	d.platform = opts.Platform
	if d.platform == nil {
		d.platform = rpc.NewClient(
			rpc.WithBaseURL(d.cfg.Platform.APIURL),
			rpc.WithWSURL(d.cfg.Platform.WSURL),
			rpc.WithTimeout(time.Duration(d.cfg.Platform.RequestTimeoutMs)*time.Millisecond),
			rpc.WithLogger(opts.Logger),
		)
	}

	if opts.Registry != nil {
		d.metrics = metrics.NewArchiverMetricsWithRegistry(opts.Registry)
		d.metricsServer = metrics.NewServerWithRegistry(d.cfg.Observability.MetricsAddr, opts.Registry)
	} else {
		d.metrics = metrics.NewArchiverMetrics()
		d.metricsServer = metrics.NewServer(d.cfg.Observability.MetricsAddr)
	}
	d.metricsServer.WithLogger(opts.Logger)
	probes := d.health.Handler()
	for _, pattern := range d.health.Patterns() {
		d.metricsServer.Handle(pattern, probes)
	}
	return d, nil
}

// Health returns the daemon's health server.
func (d *Daemon) Health() *server.HealthServer { return d.health }

// MetricsAddr returns the bound metrics address.
func (d *Daemon) MetricsAddr() string { return d.metricsServer.Addr() }

// Archivers returns the started archivers.
func (d *Daemon) Archivers() []*archiver.Archiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*archiver.Archiver(nil), d.archivers...)
}

// Start brings up the shared plumbing and starts every board. If any board
// fails to start, the boards already started are stopped again.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.cfg
	d.logger.Infof("starting archivist", map[string]any{
		"boards":  cfg.Boards,
		"version": d.opts.Version,
		"commit":  d.opts.GitCommit,
	})

	if cfg.Observability.MetricsAddr != "" {
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("daemon: start metrics server: %w", err)
		}
		d.logger.Infof("metrics server listening", map[string]any{"addr": d.metricsServer.Addr()})
	}

	if cfg.Backup.Enabled {
		store, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Backup.Bucket,
			Region:          cfg.Backup.Region,
			Endpoint:        cfg.Backup.Endpoint,
			AccessKeyID:     cfg.Backup.AccessKey,
			SecretAccessKey: cfg.Backup.SecretKey,
			UsePathStyle:    cfg.Backup.PathStyle,
		})
		if err == nil {
			err = store.CheckBucket(ctx)
		}
		if err != nil {
			d.shutdownPlumbing()
			return fmt.Errorf("daemon: backup store: %w", err)
		}
		if d.uploader, err = backup.New(store, cfg.Backup.Prefix); err != nil {
			d.shutdownPlumbing()
			return err
		}
	}

	if cfg.Audit.Enabled() {
		sink, err := audit.NewKafkaSink(ctx, audit.KafkaConfig{
			Brokers: cfg.Audit.Brokers,
			Topic:   cfg.Audit.Topic,
		})
		if err != nil {
			d.logger.Warnf("audit stream unavailable; continuing without it", map[string]any{"error": err})
		} else {
			d.sink = sink
		}
	}

	limits := lifecycle.Limits{
		Capacity:          cfg.Archive.Capacity(),
		BumpLimit:         cfg.Archive.BumpLimit,
		PurgeAfterSeconds: cfg.Archive.PurgeAfterSeconds,
	}

	for _, board := range cfg.Boards {
		opts := []archiver.Option{
			archiver.WithLogger(d.logger),
			archiver.WithMetrics(d.metrics),
			archiver.WithAudit(d.sink),
			archiver.WithActionsPerSecond(cfg.Platform.ActionsPerSecond),
			archiver.WithResync(cfg.Resync.Schedule),
			archiver.WithLockOptions(d.opts.LockOptions...),
		}
		if d.uploader != nil {
			opts = append(opts, archiver.WithBackup(d.uploader))
		}

		a, err := archiver.New(board, limits, d.platform, state.NewFileStore(cfg.StatePath(board)), opts...)
		if err == nil {
			err = a.Start(ctx)
		}
		if err != nil {
			d.logger.Errorf("board failed to start", map[string]any{"board": board, "error": err})
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = d.Shutdown(stopCtx)
			cancel()
			return err
		}

		d.mu.Lock()
		d.archivers = append(d.archivers, a)
		d.mu.Unlock()
		d.health.RegisterReadinessCheck(a)
		d.health.WorkerStarted(a.Name())
	}
	return nil
}

// Shutdown stops every archiver, waiting for in-flight cycles, then closes
// the shared plumbing. Boards stop independently and in parallel.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.health.SetShuttingDown()

	archivers := d.Archivers()
	errs := make([]error, len(archivers))
	var wg sync.WaitGroup
	for i, a := range archivers {
		wg.Add(1)
		go func(i int, a *archiver.Archiver) {
			defer wg.Done()
			errs[i] = a.Stop(ctx)
			d.health.WorkerStopped(a.Name())
		}(i, a)
	}
	wg.Wait()

	d.shutdownPlumbing()
	return errors.Join(errs...)
}

func (d *Daemon) shutdownPlumbing() {
	d.closeOnce.Do(func() {
		d.sink.Close()
		if d.uploader != nil {
			if err := d.uploader.Close(); err != nil {
				d.logger.Warnf("backup store close failed", map[string]any{"error": err})
			}
		}
		if err := d.metricsServer.Close(); err != nil {
			d.logger.Warnf("metrics server close failed", map[string]any{"error": err})
		}
	})
}
