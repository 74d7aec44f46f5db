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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewindworks/rewind/internal/config"
	"github.com/rewindworks/rewind/internal/daemon"
	"github.com/rewindworks/rewind/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to the YAML configuration file")
		worldTarget  = flag.String("world", "", "Storage backend (memory, local, postgres, api)")
		queueBackend = flag.String("queue", "", "Queue backend (memory, db, redis, sqs)")
		addr         = flag.String("addr", "", "HTTP listen address")
		postgresURL  = flag.String("postgres-url", "", "PostgreSQL connection URL")
		dataDir      = flag.String("data-dir", "", "Data directory for the local world")
		manifestPath = flag.String("manifest", "", "Path to the build manifest")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rewindd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	// CLI flags override file and environment.
	if *worldTarget != "" {
		cfg.World.Target = *worldTarget
	}
	if *queueBackend != "" {
		cfg.Queue.Backend = *queueBackend
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *postgresURL != "" {
		cfg.World.Postgres.URL = *postgresURL
	}
	if *dataDir != "" {
		cfg.World.Local.DataDir = *dataDir
	}
	if *manifestPath != "" {
		cfg.Manifest.Path = *manifestPath
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", log.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("error during drain", log.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			if sErr := d.Shutdown(context.Background()); sErr != nil {
				logger.Error("error during shutdown", log.Error(sErr))
			}
			os.Exit(1)
		}
	}

	if err := d.Shutdown(context.Background()); err != nil {
		logger.Error("error during shutdown", log.Error(err))
		os.Exit(1)
	}
}
