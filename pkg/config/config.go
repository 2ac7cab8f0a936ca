package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the server settings. Zero fields in a loaded file keep their
// defaults.
type Config struct {
	Port            int           `yaml:"port"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
	AuditLog        string        `yaml:"audit_log"`
	ArchiveDir      string        `yaml:"archive_dir"`
	LogLevel        string        `yaml:"log_level"`
	// Resources whose children are never locked separately.
	DisableChildLocks []string `yaml:"disable_child_locks"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:            DefaultPort,
		MetricsAddr:     MetricsAddr,
		LockWaitTimeout: LockWaitTimeout,
		AuditLog:        AuditLogFileName,
		ArchiveDir:      ArchiveDir,
		LogLevel:        LogLevel,
	}
}

// Load reads settings from the YAML file at `path` on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks that the settings can be used.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Newf("port %d out of range", c.Port)
	}
	if c.LockWaitTimeout < 0 {
		return errors.Newf("negative lock wait timeout %s", c.LockWaitTimeout)
	}
	if c.AuditLog == "" {
		return errors.New("audit log path must be set")
	}
	return nil
}
