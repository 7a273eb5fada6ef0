package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput redirects command output for the duration of the test.
func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = prevOut, prevErr })
	return &out, &errOut
}

func setupHostEnv(t *testing.T) string {
	t.Helper()
	clearEnvVarsForTest(t)
	dir := t.TempDir()
	t.Setenv("GUESTPOOL_DB_PATH", filepath.Join(dir, "guestpool.db"))
	t.Setenv("GUESTPOOL_WORKSPACES_DIR", filepath.Join(dir, "workspaces"))
	t.Setenv("GUESTPOOL_LOG_LEVEL", "error")
	return dir
}

func TestRunVersionAndHelp(t *testing.T) {
	out, _ := captureOutput(t)

	if code := Run([]string{"version"}); code != 0 {
		t.Fatalf("version exit code %d", code)
	}
	if !strings.HasPrefix(out.String(), "guestpool ") {
		t.Fatalf("unexpected version output %q", out.String())
	}

	out.Reset()
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("help exit code %d", code)
	}
	if !strings.Contains(out.String(), "guestpool init") {
		t.Fatalf("expected usage text, got %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, errOut := captureOutput(t)

	if code := Run([]string{"deploy"}); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: deploy") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestRunInitStatusSweep(t *testing.T) {
	setupHostEnv(t)
	out, errOut := captureOutput(t)

	if code := Run([]string{"init", "--pool-size", "2"}); code != 0 {
		t.Fatalf("init exit code %d: %s", code, errOut.String())
	}
	for _, want := range []string{"size: 2", "created: 2", "provisioned: 2", "fast_path: false"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in init output:\n%s", want, out.String())
		}
	}

	out.Reset()
	if code := Run([]string{"init", "--pool-size", "2"}); code != 0 {
		t.Fatalf("second init exit code %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "fast_path: true") {
		t.Fatalf("expected fast path on second init:\n%s", out.String())
	}

	out.Reset()
	if code := Run([]string{"status", "--pool-size", "2"}); code != 0 {
		t.Fatalf("status exit code %d: %s", code, errOut.String())
	}
	for _, want := range []string{"mode: slotted", "total: 2", "allocated: 0", "free: 2"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in status output:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "SLOT") {
		t.Fatalf("expected no lease table without leases:\n%s", out.String())
	}

	out.Reset()
	if code := Run([]string{"sweep"}); code != 0 {
		t.Fatalf("sweep exit code %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "expired: 0") {
		t.Fatalf("unexpected sweep output:\n%s", out.String())
	}
}

func TestRunHistory(t *testing.T) {
	setupHostEnv(t)
	out, errOut := captureOutput(t)

	if code := Run([]string{"init", "--pool-size", "1"}); code != 0 {
		t.Fatalf("init exit code %d: %s", code, errOut.String())
	}
	out.Reset()
	if code := Run([]string{"history", "1", "--pool-size", "1"}); code != 0 {
		t.Fatalf("history exit code %d: %s", code, errOut.String())
	}
	for _, want := range []string{"slot: guest-001", "rows: 1", "restock", "restocked"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in history output:\n%s", want, out.String())
		}
	}

	for _, args := range [][]string{{"history"}, {"history", "zero"}, {"history", "--pool-size", "1"}} {
		if code := Run(args); code != 2 {
			t.Fatalf("expected exit code 2 for %v, got %d", args, code)
		}
	}
}

func TestRunInitFailsWithoutSlotRegistry(t *testing.T) {
	setupHostEnv(t)
	_, errOut := captureOutput(t)

	if code := Run([]string{"init", "--migrate-to", "001_identities.sql"}); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "init error") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestRunMigrateStopsAtTarget(t *testing.T) {
	setupHostEnv(t)
	out, errOut := captureOutput(t)

	if code := Run([]string{"migrate", "--migrate-to", "001_identities.sql"}); code != 0 {
		t.Fatalf("migrate exit code %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "applied: 001_identities.sql") || strings.Contains(out.String(), "002_") {
		t.Fatalf("unexpected partial migrate output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "slot_registry: missing") {
		t.Fatalf("expected missing registry:\n%s", out.String())
	}

	out.Reset()
	if code := Run([]string{"status", "--auto-migrate=false"}); code != 0 {
		t.Fatalf("status exit code %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "mode: degraded") {
		t.Fatalf("expected degraded status:\n%s", out.String())
	}

	out.Reset()
	if code := Run([]string{"migrate"}); code != 0 {
		t.Fatalf("migrate exit code %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "applied: 002_slot_allocations.sql") || !strings.Contains(out.String(), "slot_registry: installed") {
		t.Fatalf("unexpected full migrate output:\n%s", out.String())
	}
}

func TestRunServerRejectsBadConfig(t *testing.T) {
	setupHostEnv(t)
	_, errOut := captureOutput(t)

	if code := Run([]string{"server", "--pool-size", "0"}); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "server config error") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}
