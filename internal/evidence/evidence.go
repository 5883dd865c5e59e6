// Package evidence writes the structured, job-scoped record of everything
// a session produced or was checked against: diffs, check results, command
// output, gate decisions, and session transcripts. Every write returns the
// path it wrote, relative to the job's evidence root, for inclusion in
// ledger entries.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nibbler-dev/nibbler/internal/core"
)

// treeHashConcurrency bounds how many files CaptureTree hashes at once —
// a worktree's final tree can run into the thousands of files, and hashing
// them one at a time dominates job finalization latency.
const treeHashConcurrency = 8

// Collector writes evidence files under a single job's evidence root.
type Collector struct {
	root string
}

// subdirectories mirrors spec.md §4.3's fixed evidence layout.
var subdirectories = []string{"diffs", "checks", "commands", "gates", "sessions"}

// New returns a Collector rooted at <jobDir>/evidence, creating the fixed
// subdirectory layout.
func New(jobDir string) (*Collector, error) {
	root := filepath.Join(jobDir, "evidence")
	for _, sub := range subdirectories {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, core.ErrState("EVIDENCE_DIR_FAILED", "creating evidence directory").WithCause(err)
		}
	}
	return &Collector{root: root}, nil
}

// Root returns the evidence root directory.
func (c *Collector) Root() string {
	return c.root
}

// Record marshals v as indented JSON and writes it to
// <root>/<kind>/<role>-<name>.json, returning the path relative to root.
func (c *Collector) Record(kind, role, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", core.ErrState("EVIDENCE_ENCODE_FAILED", "encoding evidence record").WithCause(err)
	}
	filename := name + ".json"
	if role != "" {
		filename = role + "-" + name + ".json"
	}
	relPath := filepath.Join(kind, filename)
	fullPath := filepath.Join(c.root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", core.ErrState("EVIDENCE_DIR_FAILED", "creating evidence subdirectory").WithCause(err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", core.ErrState("EVIDENCE_WRITE_FAILED", "writing evidence record").WithCause(err)
	}
	return relPath, nil
}

// RecordDiff stores a diff evidence record for role.
func (c *Collector) RecordDiff(role string, v any) (string, error) {
	return c.Record("diffs", role, "diff", v)
}

// RecordCheck stores a completion-criterion check result for role, named
// by criterion kind so multiple checks per attempt don't collide.
func (c *Collector) RecordCheck(role, criterionKind string, v any) (string, error) {
	return c.Record("checks", role, criterionKind, v)
}

// RecordCommand stores the captured output of a shell command run during
// verification (command_succeeds, custom, local_http_smoke).
func (c *Collector) RecordCommand(role, label string, v any) (string, error) {
	return c.Record("commands", role, label, v)
}

// RecordGate stores a gate's fingerprint and operator decision.
func (c *Collector) RecordGate(gateID string, v any) (string, error) {
	return c.Record("gates", "", gateID, v)
}

// RecordSession stores a session's transcript/event summary for role.
func (c *Collector) RecordSession(role string, attempt int, v any) (string, error) {
	return c.Record("sessions", role, fmt.Sprintf("attempt-%d", attempt), v)
}

// FileEntry is one entry of a TreeSnapshot: a file's relative path, size,
// and content hash.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// TreeSnapshot is the final file-tree listing captured at job
// finalization, plus whatever terminal job state the caller attaches.
type TreeSnapshot struct {
	CapturedAt time.Time      `json:"captured_at"`
	Root       string         `json:"root"`
	Files      []FileEntry    `json:"files"`
	JobState   map[string]any `json:"job_state,omitempty"`
}

// CaptureTree walks workspaceRoot (skipping engine-managed prefixes given
// in skipPrefixes and any ".git" directory) and returns a TreeSnapshot.
func CaptureTree(workspaceRoot string, skipPrefixes []string) (*TreeSnapshot, error) {
	snap := &TreeSnapshot{CapturedAt: time.Now().UTC(), Root: workspaceRoot}

	var rels []string
	err := filepath.WalkDir(workspaceRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(workspaceRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".git" || hasAnyPrefix(rel, skipPrefixes) {
				return filepath.SkipDir
			}
			return nil
		}
		if hasAnyPrefix(rel, skipPrefixes) {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, core.ErrState("EVIDENCE_TREE_FAILED", "capturing file tree").WithCause(err)
	}

	// Hashing is the expensive part of the walk, and each file's hash is
	// independent of every other's, so it runs bounded-concurrent instead
	// of sequentially.
	entries := make([]FileEntry, len(rels))
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(treeHashConcurrency)
	for i, rel := range rels {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			data, err := os.ReadFile(filepath.Join(workspaceRoot, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			sum := sha256.Sum256(data)
			entries[i] = FileEntry{Path: rel, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.ErrState("EVIDENCE_TREE_FAILED", "hashing file tree").WithCause(err)
	}
	snap.Files = entries

	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	return snap, nil
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// Finalize writes the final tree snapshot plus the terminal job-state
// payload to <jobDir>/evidence/tree-snapshot.json.
func (c *Collector) Finalize(workspaceRoot string, skipPrefixes []string, jobState map[string]any) (string, error) {
	snap, err := CaptureTree(workspaceRoot, skipPrefixes)
	if err != nil {
		return "", err
	}
	snap.JobState = jobState
	return c.Record(".", "", "tree-snapshot", snap)
}
