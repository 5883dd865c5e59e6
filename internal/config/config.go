package config

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Git         GitConfig         `mapstructure:"git"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Web         WebConfig         `mapstructure:"web"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// EngineConfig configures the Job Manager's phase/attempt loop.
type EngineConfig struct {
	InactivityTimeout   string          `mapstructure:"inactivity_timeout"`
	MaxPhaseTransitions int             `mapstructure:"max_phase_transitions"`
	ManyThreshold       int             `mapstructure:"many_threshold"`
	HTTPSmoke           HTTPSmokeConfig `mapstructure:"http_smoke"`
}

// HTTPSmokeConfig configures the local_http_smoke completion criterion's
// polling behavior.
type HTTPSmokeConfig struct {
	ConnectTimeout string `mapstructure:"connect_timeout"`
	TotalTimeout   string `mapstructure:"total_timeout"`
	SettleDelay    string `mapstructure:"settle_delay"`
}

// GitConfig configures git worktree and diff behavior.
type GitConfig struct {
	WorktreeDir   string   `mapstructure:"worktree_dir"`
	NoisePrefixes []string `mapstructure:"noise_prefixes"`
}

// RunnerConfig configures which Runner adapter spawns role sessions and how.
type RunnerConfig struct {
	Kind         string `mapstructure:"kind"` // "process" or "claudecli"
	Binary       string `mapstructure:"binary"`
	ConfigDir    string `mapstructure:"config_dir"`
	SpawnTimeout string `mapstructure:"spawn_timeout"`
}

// DiagnosticsConfig configures the runner binary preflight check and the
// kill-dump writer that records a session's tail output when it's
// force-stopped after a budget or inactivity timeout.
type DiagnosticsConfig struct {
	PreflightEnabled bool           `mapstructure:"preflight_enabled"`
	KillDump         KillDumpConfig `mapstructure:"kill_dump"`
}

// KillDumpConfig configures how many trailing output lines a kill dump
// retains. Kill dumps are written under the job's own evidence tree
// (evidence/sessions/<role>-<attempt>-killdump.json), not a separate
// directory.
type KillDumpConfig struct {
	MaxLines int `mapstructure:"max_lines"`
}

// WebConfig configures the read-only status web API.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}
