package diagnostics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckBinary_EmptyPathFails(t *testing.T) {
	result := CheckBinary("")
	if result.OK {
		t.Error("OK = true, want false for empty path")
	}
}

func TestCheckBinary_MissingPathFails(t *testing.T) {
	result := CheckBinary(filepath.Join(t.TempDir(), "does-not-exist"))
	if result.OK {
		t.Error("OK = true, want false for missing binary")
	}
	if len(result.Errors) == 0 {
		t.Error("expected at least one error")
	}
}

func TestCheckBinary_DirectoryFails(t *testing.T) {
	result := CheckBinary(t.TempDir())
	if result.OK {
		t.Error("OK = true, want false for a directory")
	}
}

func TestCheckBinary_NonExecutableFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckBinary(path)
	if result.OK {
		t.Error("OK = true, want false for a non-executable file")
	}
}

func TestCheckBinary_ExecutableFileSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	result := CheckBinary(path)
	if !result.OK {
		t.Errorf("OK = false, errors = %v", result.Errors)
	}
}
