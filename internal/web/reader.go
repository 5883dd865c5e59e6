package web

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nibbler-dev/nibbler/internal/ledger"
)

// Reader reads job state directly off disk under repoRoot's .nibbler/jobs/
// directory. It never writes: unlike ledger.Open / jobstate.Load's
// production counterparts, every read here treats a missing file as "not
// found" rather than creating one, so a GET request can never have a
// filesystem side effect.
type Reader struct {
	jobsDir string
}

// NewReader returns a Reader rooted at repoRoot.
func NewReader(repoRoot string) *Reader {
	return &Reader{jobsDir: filepath.Join(repoRoot, ".nibbler", "jobs")}
}

// ListJobIDs returns the job IDs with a directory under jobsDir, sorted for
// stable output.
func (r *Reader) ListJobIDs() ([]string, error) {
	entries, err := os.ReadDir(r.jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// StatusJSON returns the raw bytes of a job's status.json, or ok=false if
// it doesn't exist.
func (r *Reader) StatusJSON(jobID string) (data []byte, ok bool, err error) {
	path := filepath.Join(r.jobsDir, jobID, "status.json")
	data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// LedgerEntries reads and parses a job's ledger.jsonl, optionally filtered
// to one entry type. Malformed lines are skipped, mirroring ledger.ReadAll's
// tolerance of a torn trailing write from a killed process.
func (r *Reader) LedgerEntries(jobID, entryType string) (entries []ledger.Entry, ok bool, err error) {
	path := filepath.Join(r.jobsDir, jobID, "ledger.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry ledger.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entryType != "" && entry.Type != entryType {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, true, err
	}
	return entries, true, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.reader.ListJobIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing jobs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": ids})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	data, ok, err := s.reader.StatusJSON(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading job status: "+err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no status snapshot for job "+jobID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleJobLedger(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	entryType := r.URL.Query().Get("type")
	entries, ok, err := s.reader.LedgerEntries(jobID, entryType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading job ledger: "+err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no ledger for job "+jobID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
