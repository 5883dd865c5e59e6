package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ProjectConfigPath returns the path to a project's config file under its
// .nibbler directory.
func ProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, ".nibbler", "config.yaml")
}

// EnsureProjectConfigFile ensures projectDir has a .nibbler/config.yaml,
// writing DefaultConfigYAML if one doesn't already exist. Used by
// `nibbler doctor --init`.
func EnsureProjectConfigFile(projectDir string) (string, error) {
	path := ProjectConfigPath(projectDir)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking project config: %w", err)
	}

	if err := AtomicWrite(path, []byte(DefaultConfigYAML)); err != nil {
		return "", fmt.Errorf("creating project config: %w", err)
	}
	return path, nil
}
