package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legba.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Queue.MaxDepth)
	assert.Equal(t, "drop", cfg.Queue.DisabledProjectPolicy)
	assert.Equal(t, 1, cfg.Executor.Slots)
	assert.Equal(t, 3, cfg.Breaker.SameIssueMax)
	assert.Equal(t, 5, cfg.Breaker.NoProgressMax)
	assert.Equal(t, 20, cfg.Breaker.TotalCyclesMax)
	assert.Equal(t, 8*time.Hour, cfg.Breaker.MaxSessionAge.Std())
	assert.False(t, cfg.Breaker.ResetClockOnResume)
	assert.Equal(t, 30, cfg.RateLimit.CommandsPerMinute)
}

func TestLoadEmptyFileGetsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
db_path: /var/lib/legba/state.db
metrics_addr: ":9090"
queue:
  max_depth: 25
  disabled_project_policy: defer
executor:
  slots: 3
  command: ["/usr/local/bin/legba-runner", "--sandbox"]
breaker:
  same_issue_max: 4
  max_session_age: 2h
  reset_clock_on_resume: true
watchdog_interval: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/legba/state.db", cfg.DBPath)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 25, cfg.Queue.MaxDepth)
	assert.Equal(t, "defer", cfg.Queue.DisabledProjectPolicy)
	assert.Equal(t, 3, cfg.Executor.Slots)
	assert.Equal(t, []string{"/usr/local/bin/legba-runner", "--sandbox"}, cfg.Executor.Command)
	assert.Equal(t, 4, cfg.Breaker.SameIssueMax)
	assert.Equal(t, 2*time.Hour, cfg.Breaker.MaxSessionAge.Std())
	assert.True(t, cfg.Breaker.ResetClockOnResume)
	assert.Equal(t, 30*time.Second, cfg.WatchdogInterval.Std())

	// Untouched settings keep their defaults.
	assert.Equal(t, 5, cfg.Breaker.NoProgressMax)
	assert.Equal(t, DefaultRegistryPath, cfg.RegistryPath)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("LEGBA_TEST_DB_DIR", "/srv/legba")

	cfg, err := Load(writeConfig(t, "db_path: ${LEGBA_TEST_DB_DIR}/state.db\n"))
	require.NoError(t, err)
	assert.Equal(t, "/srv/legba/state.db", cfg.DBPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"queue:\n  max_depth: -1\n",
		"queue:\n  disabled_project_policy: discard\n",
		"executor:\n  slots: -2\n",
		"breaker:\n  max_session_age: 5s\n",
		"watchdog_interval: 100ms\n",
	}
	for _, content := range cases {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, "config %q should be rejected", content)
	}
}
