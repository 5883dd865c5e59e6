// Package gate implements the C8 Gate Controller: it resolves a gate's
// required inputs, composes a decision model for a human prompt, records
// the presentation and resolution to the ledger and evidence store, and
// fingerprints a decision so the Job Manager can auto-reapply a prior
// approval on resume. Grounded on internal/control/plane.go's
// InputRequest/InputResponse human-in-the-loop channel pattern, generalized
// from a single free-text answer to a structured approve/reject decision.
package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/evidence"
	"github.com/nibbler-dev/nibbler/internal/ledger"
)

// ResolvedInput is one requiredInput after path substitution and
// filesystem resolution.
type ResolvedInput struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// DecisionModel is everything a human-prompt renderer needs to present a
// gate: the resolved inputs and the approval content slices relevant to
// the gate's approvalScope.
type DecisionModel struct {
	GateID               core.GateID     `json:"gateId"`
	Trigger              string          `json:"trigger"`
	Audience             string          `json:"audience"`
	ApprovalScope        string          `json:"approvalScope"`
	ApprovalExpectations []string        `json:"approvalExpectations,omitempty"`
	BusinessOutcomes     []string        `json:"businessOutcomes,omitempty"`
	FunctionalScope      []string        `json:"functionalScope,omitempty"`
	OutOfScope           []string        `json:"outOfScope,omitempty"`
	Inputs               []ResolvedInput `json:"inputs"`
}

// Decision is the human operator's answer to a presented gate.
type Decision struct {
	Outcome string `json:"outcome"` // "approve" or "reject"
	Notes   string `json:"notes,omitempty"`
}

// Renderer is the injected human-prompt interface; the CLI supplies the
// concrete implementation that actually talks to a terminal.
type Renderer interface {
	Render(ctx context.Context, model DecisionModel) (Decision, error)
}

// Result is presentGate's return value: the operator's decision plus the
// fingerprint the Job Manager persists for resume auto-reapply.
type Result struct {
	Decision    Decision
	Fingerprint string
	Inputs      []ResolvedInput
}

// Controller presents gates, resolving requiredInputs against a repo root
// and recording every step to the ledger and evidence store.
type Controller struct {
	RepoRoot string
	Ledger   *ledger.Ledger
	Evidence *evidence.Collector
}

// New returns a Controller.
func New(repoRoot string, l *ledger.Ledger, e *evidence.Collector) *Controller {
	return &Controller{RepoRoot: repoRoot, Ledger: l, Evidence: e}
}

// PresentGate resolves requiredInputs, renders the decision model through
// renderer, and records the presentation and resolution.
func (c *Controller) PresentGate(ctx context.Context, gate contract.Gate, jobID core.JobID, renderer Renderer) (Result, error) {
	inputs := c.resolveInputs(gate, jobID)

	model := DecisionModel{
		GateID:        gate.ID,
		Trigger:       gate.Trigger,
		Audience:      gate.Audience,
		ApprovalScope: gate.ApprovalScope,
		Inputs:        inputs,
	}
	if gate.ApprovalScope == "build_requirements" || gate.ApprovalScope == "both" {
		model.ApprovalExpectations = gate.ApprovalExpectations
		model.BusinessOutcomes = gate.BusinessOutcomes
		model.FunctionalScope = gate.FunctionalScope
		model.OutOfScope = gate.OutOfScope
	}

	if c.Ledger != nil {
		_ = c.Ledger.Append(ledger.TypeGateOpened, map[string]any{"gate_id": string(gate.ID), "trigger": gate.Trigger})
	}
	if c.Evidence != nil {
		_, _ = c.Evidence.RecordGate(string(gate.ID)+"-presented", model)
	}

	decision, err := renderer.Render(ctx, model)
	if err != nil {
		return Result{}, core.ErrGate("GATE_RENDER_FAILED", "rendering gate decision prompt").WithCause(err)
	}
	if decision.Outcome != "approve" && decision.Outcome != "reject" {
		return Result{}, core.ErrGate("GATE_INVALID_DECISION", fmt.Sprintf("decision outcome %q is neither approve nor reject", decision.Outcome))
	}

	fingerprint := Fingerprint(gate, inputs)
	result := Result{Decision: decision, Fingerprint: fingerprint, Inputs: inputs}

	if c.Ledger != nil {
		_ = c.Ledger.Append(ledger.TypeGateDecision, map[string]any{
			"gate_id":     string(gate.ID),
			"outcome":     decision.Outcome,
			"notes":       decision.Notes,
			"fingerprint": fingerprint,
		})
	}
	if c.Evidence != nil {
		_, _ = c.Evidence.RecordGate(string(gate.ID)+"-resolved", result)
	}

	return result, nil
}

// ResolveInputs resolves gate's requiredInputs without presenting anything,
// so a caller can compute a fingerprint to test against a previously
// recorded decision before deciding whether to prompt at all.
func (c *Controller) ResolveInputs(gate contract.Gate, jobID core.JobID) []ResolvedInput {
	return c.resolveInputs(gate, jobID)
}

// resolveInputs substitutes <id> in each requiredInput's path value,
// resolves it relative to the repo root, and falls back to a
// case-insensitive match for non-glob paths that don't exist verbatim.
func (c *Controller) resolveInputs(gate contract.Gate, jobID core.JobID) []ResolvedInput {
	out := make([]ResolvedInput, 0, len(gate.RequiredInputs))
	for _, ri := range gate.RequiredInputs {
		value := strings.ReplaceAll(ri.Value, "<id>", string(jobID))
		resolved := c.resolvePath(value)
		out = append(out, ResolvedInput{Name: ri.Name, Path: resolved.path, Exists: resolved.exists})
	}
	return out
}

type pathResolution struct {
	path   string
	exists bool
}

func (c *Controller) resolvePath(rel string) pathResolution {
	full := filepath.Join(c.RepoRoot, rel)
	if _, err := os.Stat(full); err == nil {
		return pathResolution{path: full, exists: true}
	}
	if strings.ContainsAny(rel, "*?[") {
		return pathResolution{path: full, exists: false}
	}

	dir := filepath.Dir(full)
	base := filepath.Base(full)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return pathResolution{path: full, exists: false}
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), base) {
			return pathResolution{path: filepath.Join(dir, entry.Name()), exists: true}
		}
	}
	return pathResolution{path: full, exists: false}
}

// Fingerprint deterministically hashes a gate's identity, approval scope,
// content slices, and each resolved input's existence+content-hash, so the
// Job Manager can detect "nothing changed since the prior approval" on
// resume.
func Fingerprint(gate contract.Gate, inputs []ResolvedInput) string {
	h := sha256.New()
	fmt.Fprintf(h, "id=%s\ntrigger=%s\nscope=%s\n", gate.ID, gate.Trigger, gate.ApprovalScope)
	writeSorted(h, "approvalExpectations", gate.ApprovalExpectations)
	writeSorted(h, "businessOutcomes", gate.BusinessOutcomes)
	writeSorted(h, "functionalScope", gate.FunctionalScope)
	writeSorted(h, "outOfScope", gate.OutOfScope)

	sortedInputs := append([]ResolvedInput{}, inputs...)
	sort.Slice(sortedInputs, func(i, j int) bool { return sortedInputs[i].Name < sortedInputs[j].Name })
	for _, in := range sortedInputs {
		fmt.Fprintf(h, "input=%s exists=%t hash=%s\n", in.Name, in.Exists, contentHash(in.Path, in.Exists))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeSorted(h interface{ Write([]byte) (int, error) }, label string, values []string) {
	sorted := append([]string{}, values...)
	sort.Strings(sorted)
	fmt.Fprintf(h, "%s=%s\n", label, strings.Join(sorted, ","))
}

func contentHash(path string, exists bool) string {
	if !exists {
		return "absent"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "unreadable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
