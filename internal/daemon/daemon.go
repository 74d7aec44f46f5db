// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles the engine from its configuration: world,
// queue, dispatcher, HTTP surface, manifest watcher, and retention
// sweeper, with one Start/Shutdown lifecycle around all of them.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rewindworks/rewind/internal/config"
	"github.com/rewindworks/rewind/internal/dispatch"
	"github.com/rewindworks/rewind/internal/hooks"
	"github.com/rewindworks/rewind/internal/log"
	"github.com/rewindworks/rewind/internal/manifest"
	"github.com/rewindworks/rewind/internal/orchestrate"
	"github.com/rewindworks/rewind/internal/queue"
	"github.com/rewindworks/rewind/internal/queue/dbqueue"
	redisqueue "github.com/rewindworks/rewind/internal/queue/redis"
	sqsqueue "github.com/rewindworks/rewind/internal/queue/sqs"
	"github.com/rewindworks/rewind/internal/retention"
	"github.com/rewindworks/rewind/internal/server"
	"github.com/rewindworks/rewind/internal/steprun"
	"github.com/rewindworks/rewind/internal/store"
	"github.com/rewindworks/rewind/internal/tracing"
	"github.com/rewindworks/rewind/internal/world"
	"github.com/rewindworks/rewind/internal/world/apiworld"
	"github.com/rewindworks/rewind/internal/world/local"
	memworld "github.com/rewindworks/rewind/internal/world/memory"
	"github.com/rewindworks/rewind/internal/world/postgres"
	"github.com/rewindworks/rewind/internal/world/retryable"
	rwerrors "github.com/rewindworks/rewind/pkg/errors"
	"github.com/rewindworks/rewind/pkg/workflow"
)

// localDBFile is the SQLite database file inside the local world's data
// directory.
const localDBFile = "rewind.db"

// Options carries build-time daemon parameters.
type Options struct {
	// Version is the build version, reported by /v1/version.
	Version string

	// Registry holds the workflow and step definitions this process
	// serves. Nil starts with an empty registry.
	Registry *workflow.Registry

	// Logger receives daemon diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Daemon is one assembled engine process.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *tracing.Provider

	w         world.World
	broker    queue.Broker
	dispatch  *dispatch.Dispatcher
	manifests *manifest.Store
	watcher   *manifest.Watcher
	sweeper   *retention.Sweeper
	pid       *pidFile
	httpSrv   *http.Server

	mu      sync.Mutex
	started bool
}

// New assembles a daemon from configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = workflow.NewRegistry()
	}

	provider, err := tracing.New(ctx, tracing.Options{
		ServiceName:    "rewindd",
		ServiceVersion: opts.Version,
		TraceExporter:  cfg.Observability.TraceExporter,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: tracing: %w", err)
	}
	metrics := provider.Metrics()

	var pid *pidFile
	if cfg.Server.PIDFile != "" {
		pid, err = acquirePIDFile(cfg.Server.PIDFile)
		if err != nil {
			provider.Shutdown(ctx)
			return nil, err
		}
	}

	manifests, watcher, err := loadManifest(cfg, logger)
	if err != nil {
		pid.release()
		provider.Shutdown(ctx)
		return nil, err
	}
	policies := newPolicyCache(manifests, logger)

	w, broker, expirer, err := openWorld(ctx, cfg, logger, metrics)
	if err != nil {
		pid.release()
		provider.Shutdown(ctx)
		return nil, err
	}

	orch := orchestrate.New(w, registry, orchestrate.Options{
		Resolve: manifests.Resolve,
		BaseURL: cfg.Server.BaseURL,
		Logger:  logger,
		Metrics: metrics,
	})
	exec := steprun.New(w, registry, steprun.Options{
		BaseURL:  cfg.Server.BaseURL,
		Classify: policies.Classify,
		Budget:   policies.Budget,
		Logger:   logger,
		Metrics:  metrics,
	})
	dispatcher := dispatch.New(orch.Tick, exec.Execute, dispatch.Options{
		Logger:  logger,
		Metrics: metrics,
	})
	hookMgr := hooks.New(w, hooks.Options{Logger: logger})

	var metricsHandler http.Handler
	if cfg.MetricsEnabled() {
		metricsHandler = provider.MetricsHandler()
	}
	srv := server.New(w, dispatcher, hookMgr, server.Options{
		Broker:         broker,
		Version:        opts.Version,
		JWTSecret:      cfg.Server.Auth.JWTSecret,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		Logger:         logger,
		MetricsHandler: metricsHandler,
	})

	var sweeper *retention.Sweeper
	if cfg.Retention.TTL > 0 {
		if expirer == nil {
			// The hosted world owns retention; sweeping locally would race it.
			logger.Info("retention ttl set but the world does not expire locally, skipping sweeper")
		} else {
			sweeper = retention.New(expirer, retention.Options{
				TTL:       cfg.Retention.TTL,
				Interval:  cfg.Retention.SweepInterval,
				BatchSize: cfg.Retention.BatchSize,
				Logger:    logger,
			})
		}
	}

	return &Daemon{
		cfg:       cfg,
		logger:    log.WithComponent(logger, "daemon"),
		provider:  provider,
		w:         w,
		broker:    broker,
		dispatch:  dispatcher,
		manifests: manifests,
		watcher:   watcher,
		sweeper:   sweeper,
		pid:       pid,
		httpSrv: &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: srv.Handler(),
		},
	}, nil
}

// openWorld builds the configured world and queue backend. The returned
// expirer is nil when retention is owned elsewhere, and the broker is nil
// when deliveries arrive over HTTP instead of a local consumer.
func openWorld(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *tracing.Metrics) (world.World, queue.Broker, retention.Expirer, error) {
	if cfg.World.Target == config.WorldAPI {
		// The hosted world owns storage, queue, and retention; deliveries
		// come back on the HTTP delivery endpoints.
		api, err := apiworld.New(apiworld.Config{
			URL:     cfg.World.API.URL,
			Token:   cfg.World.API.Token,
			Timeout: cfg.World.API.Timeout,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return retryable.Wrap(api, retryable.Policy{Logger: logger}), nil, nil, nil
	}

	var (
		adapter store.Adapter
		streams world.StreamStore
		db      *sql.DB
		dialect dbqueue.Dialect
	)
	switch cfg.World.Target {
	case config.WorldMemory:
		adapter = memworld.New()
		streams = memworld.NewStreams()

	case config.WorldLocal:
		if err := os.MkdirAll(cfg.World.Local.DataDir, 0o700); err != nil {
			return nil, nil, nil, fmt.Errorf("daemon: data dir: %w", err)
		}
		a, err := local.Open(local.Config{
			Path:          filepath.Join(cfg.World.Local.DataDir, localDBFile),
			EncryptionKey: cfg.World.Local.EncryptionKey,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		adapter, streams = a, a.Streams()
		db, dialect = a.DB(), dbqueue.DialectSQLite

	case config.WorldPostgres:
		a, err := postgres.Open(postgres.Config{
			URL:          cfg.World.Postgres.URL,
			MaxOpenConns: cfg.World.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		adapter, streams = a, a.Streams()
		db, dialect = a.DB(), dbqueue.DialectPostgres

	default:
		return nil, nil, nil, &rwerrors.ConfigError{
			Key:    "world.target",
			Reason: fmt.Sprintf("unknown world %q", cfg.World.Target),
		}
	}

	broker, err := openBroker(ctx, cfg, logger, db, dialect)
	if err != nil {
		adapter.Close()
		return nil, nil, nil, err
	}

	w := store.New(adapter, streams, broker, store.Options{
		DeploymentID: cfg.World.DeploymentID,
		MaxEventData: cfg.World.MaxEventData,
		Logger:       logger,
		Metrics:      metrics,
	})
	return w, broker, w, nil
}

// openBroker builds the configured queue backend over an in-process world.
func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB, dialect dbqueue.Dialect) (queue.Broker, error) {
	switch backend := cfg.QueueBackend(); backend {
	case config.QueueMemory:
		return queue.NewMemoryBroker(queue.MemoryOptions{
			Workers: cfg.Queue.Workers,
			Logger:  logger,
		}), nil

	case config.QueueDB:
		if db == nil {
			return nil, &rwerrors.ConfigError{
				Key:    "queue.backend",
				Reason: "db queue requires the local or postgres world",
			}
		}
		return dbqueue.New(dbqueue.Options{
			DB:      db,
			Dialect: dialect,
			Workers: cfg.Queue.Workers,
			Lease:   cfg.Queue.Lease,
			Logger:  logger,
		})

	case config.QueueRedis:
		return redisqueue.New(ctx, redisqueue.Options{
			URL:       cfg.Queue.Redis.URL,
			KeyPrefix: cfg.Queue.Redis.StreamPrefix,
			Workers:   cfg.Queue.Workers,
			LockTTL:   cfg.Queue.Lease,
			Logger:    logger,
		})

	case config.QueueSQS:
		return sqsqueue.New(ctx, sqsqueue.Options{
			QueueURL: cfg.Queue.SQS.QueueURL,
			Region:   cfg.Queue.SQS.Region,
			RoleArn:  cfg.Queue.SQS.RoleARN,
			Workers:  cfg.Queue.Workers,
			Logger:   logger,
		})

	default:
		return nil, &rwerrors.ConfigError{
			Key:    "queue.backend",
			Reason: fmt.Sprintf("unknown queue %q", backend),
		}
	}
}

// loadManifest reads the configured manifest and optionally builds its
// watcher. With no path configured the store holds nil and names resolve
// to themselves.
func loadManifest(cfg *config.Config, logger *slog.Logger) (*manifest.Store, *manifest.Watcher, error) {
	if cfg.Manifest.Path == "" {
		return manifest.NewStore(nil), nil, nil
	}
	m, err := manifest.Load(cfg.Manifest.Path)
	if err != nil {
		return nil, nil, err
	}
	s := manifest.NewStore(m)
	if !cfg.ManifestWatchEnabled() {
		return s, nil, nil
	}
	w, err := manifest.NewWatcher(cfg.Manifest.Path, s, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, w, nil
}

// Start runs the daemon until ctx is done, then drains the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	if d.broker != nil {
		g.Go(func() error { return d.dispatch.Serve(ctx, d.broker) })
	}
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(ctx) })
	}
	if d.sweeper != nil {
		g.Go(func() error { return d.sweeper.Run(ctx) })
	}
	g.Go(func() error {
		err := d.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		return d.httpSrv.Shutdown(shutdownCtx)
	})

	d.logger.Info("daemon started",
		log.String("addr", d.cfg.Server.Addr),
		log.String(log.WorldKey, d.cfg.World.Target),
		log.String(log.QueueKey, d.cfg.QueueBackend()))

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown releases the daemon's resources after Start returns.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	if d.broker != nil {
		if err := d.broker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.w.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.provider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.pid.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
