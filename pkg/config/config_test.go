package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dirstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "data_dir: /var/lib/dirstore\nsuffix: dc=example,dc=com\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendKV, cfg.Backend)
	assert.Equal(t, DefaultCacheSize, cfg.CacheSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	path := writeTempConfig(t, "backend: fs\nsuffix: dc=example,dc=com\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingSuffix(t *testing.T) {
	path := writeTempConfig(t, "data_dir: /tmp/x\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeTempConfig(t, "data_dir: /tmp/x\nsuffix: dc=example,dc=com\nbackend: bogus\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsChangeLogWithoutPath(t *testing.T) {
	path := writeTempConfig(t, "data_dir: /tmp/x\nsuffix: dc=example,dc=com\nchange_log:\n  enabled: true\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsReplicaMissingSuffix(t *testing.T) {
	path := writeTempConfig(t, `
data_dir: /tmp/x
suffix: dc=example,dc=com
change_log:
  enabled: true
  path: /tmp/x/changelog
  replicas:
    - uri: ldap://replica1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
data_dir: /var/lib/dirstore
suffix: dc=example,dc=com
backend: fs
max_retries: 5
cache_size: 42
change_log:
  enabled: true
  path: /var/lib/dirstore/changelog
  replicas:
    - uri: ldap://replica1
      suffix: ou=people,dc=example,dc=com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendFS, cfg.Backend)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 42, cfg.CacheSize)
	assert.True(t, cfg.ChangeLog.Enabled)
	assert.Equal(t, []ReplicaConfig{{URI: "ldap://replica1", Suffix: "ou=people,dc=example,dc=com"}}, cfg.ChangeLog.Replicas)
}
