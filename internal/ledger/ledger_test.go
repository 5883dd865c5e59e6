package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs", "j-1", "ledger.jsonl")

	l, err := Open(path)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
	assert.Equal(t, path, l.Path())
}

func TestAppendAndReadAll(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)

	require.NoError(t, l.Append(TypeJobStarted, map[string]any{"job_id": "j-20260731-001"}))
	require.NoError(t, l.Append(TypePhaseEntered, map[string]any{"phase": "planning"}))
	require.NoError(t, l.Append(TypeJobCompleted, map[string]any{}))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, TypeJobStarted, entries[0].Type)
	assert.Equal(t, "j-20260731-001", entries[0].Data["job_id"])
	assert.Equal(t, TypeJobCompleted, entries[2].Type)
}

func TestFindByType(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)

	require.NoError(t, l.Append(TypeScopeResult, map[string]any{"role": "worker"}))
	require.NoError(t, l.Append(TypeScopeResult, map[string]any{"role": "architect"}))
	require.NoError(t, l.Append(TypeCommit, map[string]any{"hash": "abc123"}))

	scopeResults, err := l.FindByType(TypeScopeResult)
	require.NoError(t, err)
	assert.Len(t, scopeResults, 2)

	commits, err := l.FindByType(TypeCommit)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
	assert.Equal(t, "abc123", commits[0].Data["hash"])
}

func TestReadAll_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(TypeJobStarted, map[string]any{}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(TypeJobCompleted, map[string]any{}))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TypeJobStarted, entries[0].Type)
	assert.Equal(t, TypeJobCompleted, entries[1].Type)
}

func TestReadAll_MissingFileReturnsEmpty(t *testing.T) {
	l := &Ledger{path: filepath.Join(t.TempDir(), "missing.jsonl")}
	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLast(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)

	_, ok, err := l.Last()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Append(TypeJobStarted, map[string]any{}))
	require.NoError(t, l.Append(TypeJobFailed, map[string]any{"reason": "budget"}))

	last, ok, err := l.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeJobFailed, last.Type)
	assert.True(t, IsTerminalType(last.Type))
}

func TestPathForJob(t *testing.T) {
	got := PathForJob("/repo", "j-20260731-001")
	assert.Equal(t, filepath.Join("/repo", ".nibbler", "jobs", "j-20260731-001", "ledger.jsonl"), got)
}
