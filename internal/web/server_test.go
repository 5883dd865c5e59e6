package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nibbler-dev/nibbler/internal/core"
	"github.com/nibbler-dev/nibbler/internal/jobstate"
	"github.com/nibbler-dev/nibbler/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	repoRoot := t.TempDir()
	srv := New(DefaultConfig(), repoRoot, nil)
	return srv, repoRoot
}

func seedJob(t *testing.T, repoRoot, jobID string) {
	t.Helper()
	state := jobstate.New(core.JobID(jobID), repoRoot, filepath.Join(repoRoot, "wt"), "main", "nibbler/"+jobID, core.JobModeBuild)
	if err := jobstate.Save(jobstate.PathForJob(repoRoot, core.JobID(jobID)), state); err != nil {
		t.Fatalf("seeding status: %v", err)
	}

	l, err := ledger.Open(ledger.PathForJob(repoRoot, core.JobID(jobID)))
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	if err := l.Append(ledger.TypeJobStarted, map[string]any{"mode": "build"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ledger.TypePhaseEntered, map[string]any{"phase": "execution"}); err != nil {
		t.Fatal(err)
	}
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestHandleListJobs_EmptyWhenNoJobsDir(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/jobs")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Jobs []string `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Jobs) != 0 {
		t.Errorf("jobs = %v, want empty", body.Jobs)
	}
}

func TestHandleListJobs_ListsSeededJobs(t *testing.T) {
	srv, repoRoot := newTestServer(t)
	seedJob(t, repoRoot, "job-a")
	seedJob(t, repoRoot, "job-b")

	rec := doGet(t, srv, "/jobs")
	var body struct {
		Jobs []string `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Jobs) != 2 || body.Jobs[0] != "job-a" || body.Jobs[1] != "job-b" {
		t.Errorf("jobs = %v, want [job-a job-b]", body.Jobs)
	}
}

func TestHandleJobStatus_ReturnsSnapshot(t *testing.T) {
	srv, repoRoot := newTestServer(t)
	seedJob(t, repoRoot, "job-a")

	rec := doGet(t, srv, "/jobs/job-a/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	// The endpoint passes the on-disk snapshot through verbatim, which is
	// the checksummed envelope jobstate.Save writes, not a bare JobState.
	var envelope struct {
		State jobstate.JobState `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.State.JobID != core.JobID("job-a") {
		t.Errorf("JobID = %q, want job-a", envelope.State.JobID)
	}
}

func TestHandleJobStatus_NotFoundForUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/jobs/does-not-exist/status")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleJobLedger_ReturnsAllEntries(t *testing.T) {
	srv, repoRoot := newTestServer(t)
	seedJob(t, repoRoot, "job-a")

	rec := doGet(t, srv, "/jobs/job-a/ledger")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(body.Entries))
	}
}

func TestHandleJobLedger_FiltersByType(t *testing.T) {
	srv, repoRoot := newTestServer(t)
	seedJob(t, repoRoot, "job-a")

	rec := doGet(t, srv, "/jobs/job-a/ledger?type="+ledger.TypePhaseEntered)
	var body struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Type != ledger.TypePhaseEntered {
		t.Errorf("entries = %+v, want exactly one phase_entered entry", body.Entries)
	}
}

func TestHandleJobLedger_NotFoundForUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/jobs/does-not-exist/ledger")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReader_NeverCreatesFilesForMissingJob(t *testing.T) {
	_, repoRoot := newTestServer(t)
	r := NewReader(repoRoot)

	if _, ok, err := r.StatusJSON("ghost"); err != nil || ok {
		t.Fatalf("StatusJSON() = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
	if _, ok, err := r.LedgerEntries("ghost", ""); err != nil || ok {
		t.Fatalf("LedgerEntries() = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	if _, err := os.Stat(filepath.Join(repoRoot, ".nibbler")); !os.IsNotExist(err) {
		t.Error("reading a missing job's state must not create .nibbler/ on disk")
	}
}
