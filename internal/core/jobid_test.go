package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNextJobID_FirstOfDayWhenJobsDirMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	id, err := NextJobID(dir)
	if err != nil {
		t.Fatalf("NextJobID() error = %v", err)
	}
	want := JobID("j-" + time.Now().UTC().Format("20060102") + "-001")
	if id != want {
		t.Errorf("NextJobID() = %q, want %q", id, want)
	}
}

func TestNextJobID_IncrementsPastExistingSequence(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().UTC().Format("20060102")
	for _, n := range []string{"001", "002"} {
		if err := os.Mkdir(filepath.Join(dir, "j-"+today+"-"+n), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	id, err := NextJobID(dir)
	if err != nil {
		t.Fatalf("NextJobID() error = %v", err)
	}
	want := JobID("j-" + today + "-003")
	if id != want {
		t.Errorf("NextJobID() = %q, want %q", id, want)
	}
}

func TestNextJobID_IgnoresOtherDatesAndJunkEntries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"j-20200101-007", "not-a-job-dir", "j-20200101-xyz"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	id, err := NextJobID(dir)
	if err != nil {
		t.Fatalf("NextJobID() error = %v", err)
	}
	want := JobID("j-" + time.Now().UTC().Format("20060102") + "-001")
	if id != want {
		t.Errorf("NextJobID() = %q, want %q", id, want)
	}
}
