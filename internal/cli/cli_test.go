package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "machaonweb-coordinator", cmd.Use)

	commands := cmd.Commands()
	assert.Len(t, commands, 2, "Should have 2 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["migrate"], "Should have 'migrate' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "scheduler")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildMigrateCommand(t *testing.T) {
	cmd := buildMigrateCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "migrate", cmd.Use)
	assert.Contains(t, cmd.Short, "migration")
	assert.NotNil(t, cmd.RunE)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")
	configContent := `
database:
  driver: sqlite3
  url: "/tmp/machaonweb-test.db"

mtls:
  certs_path: "/etc/machaonweb/certs"
  worker_port: 50551

monitor:
  path: "/var/lib/machaonweb/monitor"
  output: "/var/lib/machaonweb/output"

scheduler:
  request_monitoring_interval: 10
  job_monitoring_interval: 15
  node_sync_interval: 60

metrics:
  enabled: true
  port: 9090

captcha_secret: "topsecret"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "/tmp/machaonweb-test.db", cfg.Database.URL)
	assert.Equal(t, "/etc/machaonweb/certs", cfg.MTLS.CertsPath)
	assert.Equal(t, 50551, cfg.MTLS.WorkerPort)
	assert.Equal(t, "/var/lib/machaonweb/monitor", cfg.Monitor.Path)
	assert.Equal(t, "/var/lib/machaonweb/output", cfg.Monitor.Output)
	assert.Equal(t, 10, cfg.Scheduler.RequestMonitoringIntervalSeconds)
	assert.Equal(t, 15, cfg.Scheduler.JobMonitoringIntervalSeconds)
	assert.Equal(t, 60, cfg.Scheduler.NodeSyncIntervalSeconds)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "topsecret", cfg.CaptchaSecret)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := "database:\n  driver: sqlite3\n  invalid yaml structure\n    broken indentation\n"
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0o644))

	cfg, err := loadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "parse config yaml")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "base.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
database:
  driver: mysql
  url: "original-dsn"
scheduler:
  request_monitoring_interval: 10
  job_monitoring_interval: 15
  node_sync_interval: 60
`), 0o644))

	t.Setenv("DATABASE_URL", "overridden-dsn")
	t.Setenv("REQUEST_MONITORING_INTERVAL", "42")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "overridden-dsn", cfg.Database.URL)
	assert.Equal(t, 42, cfg.Scheduler.RequestMonitoringIntervalSeconds)
	assert.Equal(t, 15, cfg.Scheduler.JobMonitoringIntervalSeconds, "unset env var leaves YAML value untouched")
}

func TestEnvInt_AbsentOrInvalidReturnsZero(t *testing.T) {
	assert.Equal(t, 0, envInt("MACHAONWEB_DOES_NOT_EXIST"))

	t.Setenv("MACHAONWEB_TEST_INT", "not-a-number")
	assert.Equal(t, 0, envInt("MACHAONWEB_TEST_INT"))

	t.Setenv("MACHAONWEB_TEST_INT", "7")
	assert.Equal(t, 7, envInt("MACHAONWEB_TEST_INT"))
}
