package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dinolock/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("Default", testDefault)
	t.Run("Load", testLoad)
	t.Run("LoadPartial", testLoadPartial)
	t.Run("LoadMissing", testLoadMissing)
	t.Run("LoadMalformed", testLoadMalformed)
	t.Run("Validate", testValidate)
	t.Run("Prompt", testPrompt)
}

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "dinolock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func testDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, config.LockWaitTimeout, cfg.LockWaitTimeout)
	assert.Equal(t, config.AuditLogFileName, cfg.AuditLog)
	assert.Empty(t, cfg.DisableChildLocks)
}

func testLoad(t *testing.T) {
	path := writeConfig(t, `
port: 9000
metrics_addr: ":9001"
lock_wait_timeout: 2s
audit_log: /tmp/dinolock/locks.log
archive_dir: /tmp/dinolock/archive
log_level: debug
disable_child_locks:
  - database/idx
  - database/T1
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Config{
		Port:              9000,
		MetricsAddr:       ":9001",
		LockWaitTimeout:   2 * time.Second,
		AuditLog:          "/tmp/dinolock/locks.log",
		ArchiveDir:        "/tmp/dinolock/archive",
		LogLevel:          "debug",
		DisableChildLocks: []string{"database/idx", "database/T1"},
	}, cfg)
}

func testLoadPartial(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "lock_wait_timeout: 250ms\n"))
	require.NoError(t, err)
	expected := config.Default()
	expected.LockWaitTimeout = 250 * time.Millisecond
	assert.Equal(t, expected, cfg)
}

func testLoadMissing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func testLoadMalformed(t *testing.T) {
	_, err := config.Load(writeConfig(t, "port: [1, 2\n"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "port: 70000\n"))
	assert.ErrorContains(t, err, "out of range")
}

func testValidate(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"ZeroPort":        func(c *config.Config) { c.Port = 0 },
		"LargePort":       func(c *config.Config) { c.Port = 65536 },
		"NegativeTimeout": func(c *config.Config) { c.LockWaitTimeout = -time.Second },
		"NoAuditLog":      func(c *config.Config) { c.AuditLog = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func testPrompt(t *testing.T) {
	assert.Equal(t, config.Prompt, config.GetPrompt(true))
	assert.Equal(t, "", config.GetPrompt(false))
}
