package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/gate"
)

func TestJobDirAndJobsRootDir(t *testing.T) {
	root := "/repo"
	if got := jobsRootDir(root); got != filepath.Join(root, ".nibbler", "jobs") {
		t.Errorf("jobsRootDir() = %q", got)
	}
	if got := jobDir(root, core.JobID("j-20260731-001")); got != filepath.Join(root, ".nibbler", "jobs", "j-20260731-001") {
		t.Errorf("jobDir() = %q", got)
	}
}

func TestStdinRenderer_ApprovesOnY(t *testing.T) {
	var out bytes.Buffer
	r := StdinRenderer{In: strings.NewReader("y\n"), Out: &out}

	decision, err := r.Render(context.Background(), gate.DecisionModel{GateID: "g1", Trigger: "phase-complete"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if decision.Outcome != "approve" {
		t.Errorf("Render() outcome = %q, want approve", decision.Outcome)
	}
	if !strings.Contains(out.String(), "g1") {
		t.Errorf("Render() did not print the gate id: %s", out.String())
	}
}

func TestStdinRenderer_RejectsOnAnythingElse(t *testing.T) {
	var out bytes.Buffer
	r := StdinRenderer{In: strings.NewReader("n\n"), Out: &out}

	decision, err := r.Render(context.Background(), gate.DecisionModel{GateID: "g1"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if decision.Outcome != "reject" {
		t.Errorf("Render() outcome = %q, want reject", decision.Outcome)
	}
}

func TestStdinRenderer_RejectsOnEmptyInput(t *testing.T) {
	var out bytes.Buffer
	r := StdinRenderer{In: strings.NewReader(""), Out: &out}

	decision, err := r.Render(context.Background(), gate.DecisionModel{GateID: "g1"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if decision.Outcome != "reject" {
		t.Errorf("Render() outcome = %q, want reject for empty stdin", decision.Outcome)
	}
}

func TestAutoApproveRenderer_AlwaysApproves(t *testing.T) {
	decision, err := (AutoApproveRenderer{}).Render(context.Background(), gate.DecisionModel{GateID: "g2"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if decision.Outcome != "approve" {
		t.Errorf("Render() outcome = %q, want approve", decision.Outcome)
	}
	if decision.Notes == "" {
		t.Error("expected a note explaining the auto-approval")
	}
}
