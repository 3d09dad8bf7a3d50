package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 900*time.Second, cfg.CollectionInterval)
	assert.Equal(t, 300*time.Second, cfg.HistoryWindow)
	assert.Equal(t, 5, cfg.MaxFailedJobRetry)
	assert.Equal(t, 240*time.Second, cfg.FailedJobInterval)
	assert.NotEmpty(t, cfg.NodeID)
	assert.NoError(t, cfg.Validate())
}

func TestDefault_NodeIDIsStable(t *testing.T) {
	host, err := os.Hostname()
	require.NoError(t, err)

	assert.Equal(t, host, Default().NodeID)
	assert.Equal(t, Default().NodeID, Default().NodeID, "same id across restarts")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()

	err := cfg.applyEnv(envMap(map[string]string{
		"NODE_ID":                    "node-a",
		"REDIS_ADDR":                 "redis:6379",
		"COLLECTION_INTERVAL":        "60",
		"HISTORY_WINDOW":             "10m",
		"MAX_FAILED_JOB_RETRY_COUNT": "3",
		"DISTRIBUTOR_PERIOD":         "30s",
	}))
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.CollectionInterval)
	assert.Equal(t, 10*time.Minute, cfg.HistoryWindow)
	assert.Equal(t, 3, cfg.MaxFailedJobRetry)
	assert.Equal(t, 30*time.Second, cfg.DistributorPeriod)
	assert.Equal(t, 120*time.Second, cfg.FailedJobSweepPeriod, "unset keys keep defaults")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad retry count", env: map[string]string{"MAX_FAILED_JOB_RETRY_COUNT": "many"}},
		{name: "bad duration", env: map[string]string{"HISTORY_WINDOW": "soon"}},
		{name: "negative duration", env: map[string]string{"LEADER_TTL": "-5s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			assert.Error(t, cfg.applyEnv(envMap(tt.env)))
		})
	}
}

func TestApplyYAML(t *testing.T) {
	cfg := Default()

	err := cfg.applyYAML([]byte(`
node_id: node-yaml
collection_interval: 2m
history_window: 0
max_failed_job_retry_count: 7
log_format: console
`))
	require.NoError(t, err)

	assert.Equal(t, "node-yaml", cfg.NodeID)
	assert.Equal(t, 2*time.Minute, cfg.CollectionInterval)
	assert.Zero(t, cfg.HistoryWindow)
	assert.Equal(t, 7, cfg.MaxFailedJobRetry)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestApplyYAML_Invalid(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.applyYAML([]byte("node_id: [unclosed")))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxFailedJobRetry = 0
	cfg.DistributorPeriod = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_failed_job_retry_count")
	assert.Contains(t, err.Error(), "distributor_period")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-file\nfailed_job_interval: 20s\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("NODE_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, 20*time.Second, cfg.FailedJobInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
