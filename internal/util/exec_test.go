package util

import "testing"

func TestOutput(t *testing.T) {
	out, err := Output("echo", "hello", "world")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if out != "hello world" {
		t.Errorf("Output() = %q, want %q", out, "hello world")
	}
}

func TestRun_FailureCarriesStderr(t *testing.T) {
	err := Run("sh", "-c", "echo boom >&2; exit 1")
	if err == nil {
		t.Fatal("Run() returned nil for a failing command")
	}
	if got := err.Error(); got != "sh: boom" {
		t.Errorf("error = %q, want %q", got, "sh: boom")
	}
}
