package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v              *viper.Viper
	configFile     string
	envPrefix      string
	projectDir     string
	projectDirHint string
	resolvePaths   bool
	mu             sync.Mutex
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:            viper.New(),
		envPrefix:    "NIBBLER",
		resolvePaths: true,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance,
// for integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:            v,
		envPrefix:    "NIBBLER",
		resolvePaths: true,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithProjectDir provides a project root directory hint for resolving
// relative paths, for scenarios where the config file is not located under
// the project root.
func (l *Loader) WithProjectDir(path string) *Loader {
	l.projectDirHint = path
	return l
}

// WithResolvePaths controls whether relative paths are resolved to
// absolute paths on Load().
func (l *Loader) WithResolvePaths(resolve bool) *Loader {
	l.resolvePaths = resolve
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (NIBBLER_*)
// 3. Project config (.nibbler/config.yaml)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".nibbler")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// ignore: fall back to defaults
		} else if errors.Is(err, os.ErrNotExist) {
			// explicit config path doesn't exist: also fall back to defaults
		} else {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	projectDir := ""
	if configPath := l.v.ConfigFileUsed(); configPath != "" {
		if absConfigPath, err := filepath.Abs(configPath); err == nil {
			configDir := filepath.Dir(absConfigPath)
			if filepath.Base(configDir) == ".nibbler" {
				projectDir = filepath.Dir(configDir)
			} else {
				projectDir = configDir
			}
		}
	}
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	if strings.TrimSpace(l.projectDirHint) != "" {
		projectDir = l.projectDirHint
	}
	l.projectDir = projectDir
	if l.resolvePaths {
		l.resolveAbsolutePaths(&cfg, projectDir)
	}

	return &cfg, nil
}

// ProjectDir returns the resolved project root directory. Available after
// Load() has been called.
func (l *Loader) ProjectDir() string {
	return l.projectDir
}

// resolveAbsolutePaths converts relative paths in cfg to absolute paths so
// the engine behaves the same regardless of the working directory it was
// launched from.
func (l *Loader) resolveAbsolutePaths(cfg *Config, baseDir string) {
	if cfg.Git.WorktreeDir != "" {
		cfg.Git.WorktreeDir = resolvePathRelativeTo(cfg.Git.WorktreeDir, baseDir)
	}
	if cfg.Runner.ConfigDir != "" {
		cfg.Runner.ConfigDir = resolvePathRelativeTo(cfg.Runner.ConfigDir, baseDir)
	}
}

// resolvePathRelativeTo converts a relative path to an absolute path using
// baseDir as the base. Paths that are already absolute are unchanged.
func resolvePathRelativeTo(path, baseDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if len(path) > 0 && (path[0] == '/' || path[0] == '\\') {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	if l.configFile != "" {
		return l.configFile
	}
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("engine.inactivity_timeout", "10m")
	l.v.SetDefault("engine.max_phase_transitions", 50)
	l.v.SetDefault("engine.many_threshold", 5)
	l.v.SetDefault("engine.http_smoke.connect_timeout", "2s")
	l.v.SetDefault("engine.http_smoke.total_timeout", "30s")
	l.v.SetDefault("engine.http_smoke.settle_delay", "500ms")

	l.v.SetDefault("git.worktree_dir", ".nibbler/worktrees")
	l.v.SetDefault("git.noise_prefixes", []string{
		"node_modules/", "dist/", "out/", "coverage/", ".next/", ".turbo/", ".vercel/",
	})

	l.v.SetDefault("runner.kind", "process")
	l.v.SetDefault("runner.binary", "")
	l.v.SetDefault("runner.config_dir", "")
	l.v.SetDefault("runner.spawn_timeout", "30s")

	l.v.SetDefault("diagnostics.preflight_enabled", true)
	l.v.SetDefault("diagnostics.kill_dump.max_lines", 200)

	l.v.SetDefault("web.enabled", false)
	l.v.SetDefault("web.addr", "127.0.0.1:8787")
}
