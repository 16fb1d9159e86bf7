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
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Store.AutoMigrate)
	assert.Equal(t, 5, cfg.Policy.LockoutThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Policy.LockoutDuration)
	assert.Equal(t, 8*time.Hour, cfg.Policy.SessionLifetime)
	assert.Equal(t, 30*time.Minute, cfg.Policy.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Audit.WriteTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bastion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
store:
  driver: postgres
  dsn: postgres://bastion@localhost/bastion
policy:
  lockout_threshold: 3
  lockout_duration: 2m
`), 0o600))
	t.Setenv("BASTION_POLICY_LOCKOUT_THRESHOLD", "7")
	t.Setenv("BASTION_ADMIN_TOKEN", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Policy.LockoutThreshold, "environment wins over the file")
	assert.Equal(t, 2*time.Minute, cfg.Policy.LockoutDuration)
	assert.Equal(t, "s3cret", cfg.AdminToken)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())

	t.Setenv("BASTION_STORE_DRIVER", "oracle")
	_, err := Load("")
	assert.ErrorContains(t, err, "unknown store.driver")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

// chdir changes the working directory for the duration of the test,
// restoring the original on cleanup (equivalent to testing.T.Chdir).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatal(err)
		}
	})
}
