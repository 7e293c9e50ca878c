package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://gtfs.mot.gov.il/gtfsfiles/servicealerts.aspx", cfg.MOTEndpoint)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gtfs_dsn: postgres://gtfs
alerts_dsn: postgres://alerts
poll_interval: 1m
web_port: 9090
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://gtfs", cfg.GTFSDsn)
	assert.Equal(t, "postgres://alerts", cfg.AlertsDsn)
	assert.Equal(t, time.Minute, time.Duration(cfg.PollInterval))
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("web_port: 9090\n"), 0o644))

	t.Setenv("ALERTS_DSN", "postgres://fromenv")
	t.Setenv("WEB_PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://fromenv", cfg.AlertsDsn)
	assert.Equal(t, 7000, cfg.WebPort)
}

func TestLoadBadPort(t *testing.T) {
	t.Setenv("WEB_PORT", "not a port")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
