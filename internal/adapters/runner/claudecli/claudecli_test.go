package claudecli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibbler-dev/nibbler/internal/runner"
)

func writeEchoArgsScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude.sh")
	// Echo each argv entry as a NIBBLER_EVENT-wrapped QUESTION so the test
	// can assert on exactly what flags the adapter constructed, without
	// depending on a real claude binary.
	script := `#!/bin/sh
for arg in "$@"; do
  echo "NIBBLER_EVENT {\"type\":\"QUESTION\",\"text\":\"$arg\"}"
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSpawn_IncludesModelAndAddDirFlags(t *testing.T) {
	script := writeEchoArgsScript(t)
	adapter := New(Config{Path: script, Model: "claude-sonnet-4-20250514", AddDirs: []string{"/extra"}}, nil)

	configDir := t.TempDir()
	handle, err := adapter.Spawn(context.Background(), t.TempDir(), nil, configDir, runner.SpawnOptions{})
	require.NoError(t, err)

	events, err := adapter.ReadEvents(handle)
	require.NoError(t, err)
	var texts []string
	for e := range events {
		texts = append(texts, e.Text)
	}

	assert.Contains(t, texts, "--model")
	assert.Contains(t, texts, "claude-sonnet-4-20250514")
	assert.Contains(t, texts, "--add-dir")
	assert.Contains(t, texts, "/extra")
	assert.Contains(t, texts, configDir)
}

func TestWritePermissionsOverlay_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	overlay := PermissionsOverlay{AllowedPaths: []string{"src/**"}, DeniedPaths: []string{".nibbler/**"}}

	require.NoError(t, WritePermissionsOverlay(dir, overlay))

	data, err := os.ReadFile(filepath.Join(dir, "permissions.json"))
	require.NoError(t, err)

	var got PermissionsOverlay
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, overlay, got)
}

func TestClearPermissionsOverlay_RemovesFileAndToleratesMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePermissionsOverlay(dir, PermissionsOverlay{AllowedPaths: []string{"src/**"}}))

	require.NoError(t, ClearPermissionsOverlay(dir))
	_, err := os.Stat(filepath.Join(dir, "permissions.json"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, ClearPermissionsOverlay(dir))
}

func TestOverlayWriter_ImplementsSessionInterface(t *testing.T) {
	dir := t.TempDir()
	var w OverlayWriter

	require.NoError(t, w.WriteOverlay(dir, []string{"src/**"}, []string{".nibbler/**"}))

	data, err := os.ReadFile(filepath.Join(dir, "permissions.json"))
	require.NoError(t, err)
	var got PermissionsOverlay
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []string{"src/**"}, got.AllowedPaths)
	assert.Equal(t, []string{".nibbler/**"}, got.DeniedPaths)

	require.NoError(t, w.ClearOverlay(dir))
	_, err = os.Stat(filepath.Join(dir, "permissions.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestCapabilities_ReportsPermissionsSupport(t *testing.T) {
	adapter := New(Config{}, nil)
	caps := adapter.Capabilities()
	assert.True(t, caps.Permissions)
	assert.True(t, caps.Interactive)
	assert.True(t, caps.StreamJSON)
}
