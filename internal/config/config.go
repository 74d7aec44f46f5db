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

// Package config loads the Rewind configuration: a YAML file with
// defaults applied first and environment overrides applied last, so a
// bare environment-only deployment needs no file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rewindworks/rewind/pkg/errors"
)

// World backend selectors.
const (
	WorldMemory   = "memory"
	WorldLocal    = "local"
	WorldPostgres = "postgres"
	WorldAPI      = "api"
)

// Queue backend selectors.
const (
	QueueMemory = "memory"
	QueueDB     = "db"
	QueueRedis  = "redis"
	QueueSQS    = "sqs"
)

// Config is the complete Rewind configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	World         WorldConfig         `yaml:"world"`
	Queue         QueueConfig         `yaml:"queue"`
	Manifest      ManifestConfig      `yaml:"manifest"`
	Retention     RetentionConfig     `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: PORT (overrides the port part).
	// Default: ":8080"
	Addr string `yaml:"addr"`

	// BaseURL is the public URL webhook and workflow URLs are built on.
	// Environment: WORKFLOW_BASE_URL
	// Default: "http://localhost:8080"
	BaseURL string `yaml:"base_url"`

	// Auth configures admin API authentication.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// RateLimit is the per-client request budget on public endpoints,
	// in requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the rate limiter burst size.
	// Default: 2x RateLimit, minimum 1.
	RateBurst int `yaml:"rate_burst,omitempty"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// PIDFile, when set, is written and flock-guarded for the life of
	// the process so two daemons never share a deployment.
	// Environment: WORKFLOW_PID_FILE
	PIDFile string `yaml:"pid_file,omitempty"`
}

// AuthConfig configures admin API authentication. When JWTSecret is set,
// admin endpoints require an HS256 bearer token.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret.
	// Environment: WORKFLOW_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// WorldConfig selects and configures the storage backend.
type WorldConfig struct {
	// Target selects the backend: memory, local, postgres, or api.
	// Environment: WORKFLOW_TARGET_WORLD
	// Default: "memory"
	Target string `yaml:"target"`

	// DeploymentID identifies this deployment in stored runs.
	// Environment: WORKFLOW_DEPLOYMENT_ID
	// Default: "local"
	DeploymentID string `yaml:"deployment_id,omitempty"`

	// MaxEventData caps event payloads in bytes.
	// Default: 1 MiB.
	MaxEventData int `yaml:"max_event_data,omitempty"`

	Local    LocalWorldConfig    `yaml:"local,omitempty"`
	Postgres PostgresWorldConfig `yaml:"postgres,omitempty"`
	API      APIWorldConfig      `yaml:"api,omitempty"`
}

// LocalWorldConfig configures the SQLite-backed local world.
type LocalWorldConfig struct {
	// DataDir is the filesystem root holding the database file.
	// Environment: WORKFLOW_LOCAL_DATA_DIR
	// Default: "./.rewind"
	DataDir string `yaml:"data_dir,omitempty"`

	// EncryptionKey enables at-rest encryption of payload columns when
	// set. Environment: WORKFLOW_LOCAL_ENCRYPTION_KEY
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// PostgresWorldConfig configures the postgres world.
type PostgresWorldConfig struct {
	// URL is the connection string.
	// Environment: WORKFLOW_POSTGRES_URL
	URL string `yaml:"url,omitempty"`

	// MaxOpenConns bounds the connection pool.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// APIWorldConfig configures the hosted (HTTP) world.
type APIWorldConfig struct {
	// URL is the API base URL.
	// Environment: WORKFLOW_API_URL
	URL string `yaml:"url,omitempty"`

	// Token authenticates requests.
	// Environment: WORKFLOW_API_TOKEN
	Token string `yaml:"token,omitempty"`

	// Team, Project, and Env scope the deployment on the hosted side.
	// Environment: WORKFLOW_TEAM, WORKFLOW_PROJECT, WORKFLOW_ENV
	Team    string `yaml:"team,omitempty"`
	Project string `yaml:"project,omitempty"`
	Env     string `yaml:"env,omitempty"`

	// Timeout bounds each API request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	// Backend selects the queue: memory, db, redis, or sqs.
	// Environment: WORKFLOW_QUEUE_BACKEND
	// Default: follows the world target (memory world -> memory queue,
	// local/postgres worlds -> db queue).
	Backend string `yaml:"backend,omitempty"`

	// Workers is the number of concurrent delivery workers.
	// Default: 4
	Workers int `yaml:"workers,omitempty"`

	// Lease is how long a delivery stays invisible while a handler runs.
	// Default: 30s
	Lease time.Duration `yaml:"lease,omitempty"`

	Redis RedisQueueConfig `yaml:"redis,omitempty"`
	SQS   SQSQueueConfig   `yaml:"sqs,omitempty"`
}

// RedisQueueConfig configures the redis queue backend.
type RedisQueueConfig struct {
	// URL is the redis connection URL.
	// Environment: WORKFLOW_REDIS_URL
	URL string `yaml:"url,omitempty"`

	// StreamPrefix namespaces this deployment's streams.
	// Default: "rewind"
	StreamPrefix string `yaml:"stream_prefix,omitempty"`
}

// SQSQueueConfig configures the SQS FIFO queue backend.
type SQSQueueConfig struct {
	// QueueURL is the FIFO queue URL.
	// Environment: WORKFLOW_SQS_QUEUE_URL
	QueueURL string `yaml:"queue_url,omitempty"`

	// Region overrides the SDK's resolved region.
	Region string `yaml:"region,omitempty"`

	// RoleARN, when set, is assumed via STS before queue access.
	RoleARN string `yaml:"role_arn,omitempty"`
}

// ManifestConfig locates the build-time manifest.
type ManifestConfig struct {
	// Path is the manifest file location. Empty disables manifest
	// resolution (names resolve to themselves).
	// Environment: WORKFLOW_MANIFEST_PATH
	Path string `yaml:"path,omitempty"`

	// Watch hot-reloads the manifest on change.
	// Default: true when Path is set.
	Watch *bool `yaml:"watch,omitempty"`
}

// RetentionConfig configures the expired-run sweeper.
type RetentionConfig struct {
	// TTL is how long terminal runs keep their payload data. Zero
	// disables sweeping.
	TTL time.Duration `yaml:"ttl,omitempty"`

	// SweepInterval is how often the sweeper runs.
	// Default: 10m
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// BatchSize bounds runs expired per sweep.
	// Default: 100
	BatchSize int `yaml:"batch_size,omitempty"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Metrics enables the Prometheus /metrics endpoint.
	// Default: true
	Metrics *bool `yaml:"metrics,omitempty"`

	// TraceExporter selects the span exporter: "none", "stdout",
	// "otlp" (gRPC), or "otlp-http".
	// Default: "none"
	TraceExporter string `yaml:"trace_exporter,omitempty"`

	// OTLPEndpoint is the OTLP gRPC collector address.
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BaseURL:         "http://localhost:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		World: WorldConfig{
			Target:       WorldMemory,
			DeploymentID: "local",
			Local:        LocalWorldConfig{DataDir: "./.rewind"},
			Postgres:     PostgresWorldConfig{MaxOpenConns: 10},
			API:          APIWorldConfig{Timeout: 30 * time.Second},
		},
		Queue: QueueConfig{
			Workers: 4,
			Lease:   30 * time.Second,
			Redis:   RedisQueueConfig{StreamPrefix: "rewind"},
		},
		Retention: RetentionConfig{
			SweepInterval: 10 * time.Minute,
			BatchSize:     100,
		},
		Observability: ObservabilityConfig{
			TraceExporter: "none",
		},
	}
}

// Load reads the configuration: defaults, then the YAML file at path (if
// any), then environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "reading config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "parsing config file", Cause: err}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables.
func (c *Config) applyEnv() {
	setString(&c.World.Target, "WORKFLOW_TARGET_WORLD")
	setString(&c.World.DeploymentID, "WORKFLOW_DEPLOYMENT_ID")
	setString(&c.World.Local.DataDir, "WORKFLOW_LOCAL_DATA_DIR")
	setString(&c.World.Local.EncryptionKey, "WORKFLOW_LOCAL_ENCRYPTION_KEY")
	setString(&c.World.Postgres.URL, "WORKFLOW_POSTGRES_URL")
	setString(&c.World.API.URL, "WORKFLOW_API_URL")
	setString(&c.World.API.Token, "WORKFLOW_API_TOKEN")
	setString(&c.World.API.Team, "WORKFLOW_TEAM")
	setString(&c.World.API.Project, "WORKFLOW_PROJECT")
	setString(&c.World.API.Env, "WORKFLOW_ENV")
	setString(&c.Queue.Backend, "WORKFLOW_QUEUE_BACKEND")
	setString(&c.Queue.Redis.URL, "WORKFLOW_REDIS_URL")
	setString(&c.Queue.SQS.QueueURL, "WORKFLOW_SQS_QUEUE_URL")
	setString(&c.Manifest.Path, "WORKFLOW_MANIFEST_PATH")
	setString(&c.Server.BaseURL, "WORKFLOW_BASE_URL")
	setString(&c.Server.PIDFile, "WORKFLOW_PID_FILE")
	setString(&c.Server.Auth.JWTSecret, "WORKFLOW_JWT_SECRET")
	setString(&c.Observability.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if port, ok := os.LookupEnv("PORT"); ok {
		if _, err := strconv.Atoi(port); err == nil {
			c.Server.Addr = ":" + port
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.World.Target {
	case WorldMemory, WorldLocal, WorldPostgres, WorldAPI:
	default:
		return &errors.ConfigError{
			Key:    "world.target",
			Reason: fmt.Sprintf("unknown world %q (expected memory, local, postgres, or api)", c.World.Target),
		}
	}

	if c.World.Target == WorldPostgres && c.World.Postgres.URL == "" {
		return &errors.ConfigError{Key: "world.postgres.url", Reason: "required for the postgres world"}
	}
	if c.World.Target == WorldAPI && c.World.API.URL == "" {
		return &errors.ConfigError{Key: "world.api.url", Reason: "required for the api world"}
	}

	switch c.QueueBackend() {
	case QueueMemory, QueueDB, QueueRedis, QueueSQS:
	default:
		return &errors.ConfigError{
			Key:    "queue.backend",
			Reason: fmt.Sprintf("unknown queue %q (expected memory, db, redis, or sqs)", c.Queue.Backend),
		}
	}
	if c.QueueBackend() == QueueRedis && c.Queue.Redis.URL == "" {
		return &errors.ConfigError{Key: "queue.redis.url", Reason: "required for the redis queue"}
	}
	if c.QueueBackend() == QueueSQS && c.Queue.SQS.QueueURL == "" {
		return &errors.ConfigError{Key: "queue.sqs.queue_url", Reason: "required for the sqs queue"}
	}
	return nil
}

// QueueBackend resolves the effective queue backend: the explicit choice,
// or one that matches the world target.
func (c *Config) QueueBackend() string {
	if c.Queue.Backend != "" {
		return c.Queue.Backend
	}
	switch c.World.Target {
	case WorldLocal, WorldPostgres:
		return QueueDB
	default:
		return QueueMemory
	}
}

// MetricsEnabled reports whether /metrics should be served.
func (c *Config) MetricsEnabled() bool {
	if c.Observability.Metrics == nil {
		return true
	}
	return *c.Observability.Metrics
}

// ManifestWatchEnabled reports whether the manifest watcher should run.
func (c *Config) ManifestWatchEnabled() bool {
	if c.Manifest.Path == "" {
		return false
	}
	if c.Manifest.Watch == nil {
		return true
	}
	return *c.Manifest.Watch
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
