package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
var validRunnerKinds = map[string]bool{"process": true, "claudecli": true}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateEngine(&cfg.Engine)
	v.validateGit(&cfg.Git)
	v.validateRunner(&cfg.Runner)
	v.validateDiagnostics(&cfg.Diagnostics)
	v.validateWeb(&cfg.Web)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	if !validLogLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	if !validLogFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateEngine(cfg *EngineConfig) {
	v.validateDuration("engine.inactivity_timeout", cfg.InactivityTimeout)
	if cfg.MaxPhaseTransitions <= 0 {
		v.addError("engine.max_phase_transitions", cfg.MaxPhaseTransitions, "must be positive")
	}
	if cfg.ManyThreshold <= 0 {
		v.addError("engine.many_threshold", cfg.ManyThreshold, "must be positive")
	}
	v.validateDuration("engine.http_smoke.connect_timeout", cfg.HTTPSmoke.ConnectTimeout)
	v.validateDuration("engine.http_smoke.total_timeout", cfg.HTTPSmoke.TotalTimeout)
	v.validateDuration("engine.http_smoke.settle_delay", cfg.HTTPSmoke.SettleDelay)
}

func (v *Validator) validateGit(cfg *GitConfig) {
	if cfg.WorktreeDir == "" {
		v.addError("git.worktree_dir", cfg.WorktreeDir, "must not be empty")
	}
	for i, p := range cfg.NoisePrefixes {
		if strings.TrimSpace(p) == "" {
			v.addError(fmt.Sprintf("git.noise_prefixes[%d]", i), p, "must not be empty")
		}
	}
}

func (v *Validator) validateRunner(cfg *RunnerConfig) {
	if !validRunnerKinds[cfg.Kind] {
		v.addError("runner.kind", cfg.Kind, "must be one of: process, claudecli")
	}
	v.validateDuration("runner.spawn_timeout", cfg.SpawnTimeout)
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if cfg.KillDump.MaxLines <= 0 {
		v.addError("diagnostics.kill_dump.max_lines", cfg.KillDump.MaxLines, "must be positive")
	}
}

func (v *Validator) validateWeb(cfg *WebConfig) {
	if cfg.Enabled && strings.TrimSpace(cfg.Addr) == "" {
		v.addError("web.addr", cfg.Addr, "must not be empty when web.enabled is true")
	}
}

func (v *Validator) validateDuration(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.addError(field, value, "must not be empty")
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		v.addError(field, value, "must be a valid Go duration (e.g. \"30s\", \"10m\")")
	}
}

// Validate is a package-level convenience wrapper around NewValidator().Validate.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
