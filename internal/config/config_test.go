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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindworks/rewind/pkg/errors"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, WorldMemory, cfg.World.Target)
	assert.Equal(t, "local", cfg.World.DeploymentID)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 30*time.Second, cfg.Queue.Lease)
	assert.Equal(t, 10*time.Minute, cfg.Retention.SweepInterval)
	assert.True(t, cfg.MetricsEnabled())
	assert.False(t, cfg.ManifestWatchEnabled())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewind.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  base_url: "https://flows.example.com"
world:
  target: local
  deployment_id: prod-eu
  local:
    data_dir: /var/lib/rewind
queue:
  workers: 8
retention:
  ttl: 720h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://flows.example.com", cfg.Server.BaseURL)
	assert.Equal(t, WorldLocal, cfg.World.Target)
	assert.Equal(t, "prod-eu", cfg.World.DeploymentID)
	assert.Equal(t, "/var/lib/rewind", cfg.World.Local.DataDir)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 720*time.Hour, cfg.Retention.TTL)

	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Queue.Lease)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	var ce *errors.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKFLOW_TARGET_WORLD", "postgres")
	t.Setenv("WORKFLOW_POSTGRES_URL", "postgres://rewind@db/rewind")
	t.Setenv("WORKFLOW_DEPLOYMENT_ID", "staging")
	t.Setenv("WORKFLOW_BASE_URL", "https://staging.example.com")
	t.Setenv("PORT", "7000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, WorldPostgres, cfg.World.Target)
	assert.Equal(t, "postgres://rewind@db/rewind", cfg.World.Postgres.URL)
	assert.Equal(t, "staging", cfg.World.DeploymentID)
	assert.Equal(t, "https://staging.example.com", cfg.Server.BaseURL)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("world:\n  deployment_id: from-file\n"), 0o644))
	t.Setenv("WORKFLOW_DEPLOYMENT_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.World.DeploymentID)
}

func TestNonNumericPortIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidateRejectsUnknownWorld(t *testing.T) {
	cfg := Default()
	cfg.World.Target = "dynamo"
	var ce *errors.ConfigError
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "world.target", ce.Key)
}

func TestValidateRequiresBackendURLs(t *testing.T) {
	cfg := Default()
	cfg.World.Target = WorldPostgres
	var ce *errors.ConfigError
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "world.postgres.url", ce.Key)

	cfg = Default()
	cfg.World.Target = WorldAPI
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "world.api.url", ce.Key)

	cfg = Default()
	cfg.Queue.Backend = QueueRedis
	cfg.Queue.Redis.URL = ""
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "queue.redis.url", ce.Key)

	cfg = Default()
	cfg.Queue.Backend = QueueSQS
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "queue.sqs.queue_url", ce.Key)
}

func TestQueueBackendFollowsWorld(t *testing.T) {
	cfg := Default()
	assert.Equal(t, QueueMemory, cfg.QueueBackend())

	cfg.World.Target = WorldLocal
	assert.Equal(t, QueueDB, cfg.QueueBackend())

	cfg.World.Target = WorldPostgres
	assert.Equal(t, QueueDB, cfg.QueueBackend())

	cfg.World.Target = WorldAPI
	assert.Equal(t, QueueMemory, cfg.QueueBackend())

	cfg.Queue.Backend = QueueRedis
	assert.Equal(t, QueueRedis, cfg.QueueBackend())
}

func TestManifestWatchEnabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.ManifestWatchEnabled())

	cfg.Manifest.Path = "manifest.json"
	assert.True(t, cfg.ManifestWatchEnabled())

	off := false
	cfg.Manifest.Watch = &off
	assert.False(t, cfg.ManifestWatchEnabled())
}
