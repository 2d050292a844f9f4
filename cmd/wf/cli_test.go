package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/db"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/task"
)

const cliCatalog = `
skills:
  - key: reply
    action: echo
  - key: send-email
    action: echo
    risk_level: high
jobs:
  - key: support
    name: Support agent
    workflow: [reply]
  - key: outreach
    name: Outreach agent
    workflow: [reply, send-email]
`

// writeConfig writes a sqlite-backed config and catalog into a temp dir and
// returns the config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catalog, []byte(cliCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := "owner: test\n" +
		"database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "wf.db") + "\n" +
		"catalog: " + catalog + "\n"
	path := filepath.Join(dir, "workforce.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("wf %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// field returns the n-th whitespace-separated word of the first line of out.
func field(t *testing.T, out string, n int) string {
	t.Helper()
	fields := strings.Fields(strings.SplitN(out, "\n", 2)[0])
	if len(fields) <= n {
		t.Fatalf("output %q has no field %d", out, n)
	}
	return fields[n]
}

func TestCLI_Lifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out := mustRun(t, "db", "init", "-c", cfg)
	if !strings.Contains(out, "Migrated 11 tables") {
		t.Errorf("db init output = %q", out)
	}
	if !strings.Contains(out, "Registered 2 skills and 2 jobs") {
		t.Errorf("db init output = %q", out)
	}

	out = mustRun(t, "catalog", "jobs", "-c", cfg)
	if !strings.Contains(out, "support") || !strings.Contains(out, "static") {
		t.Errorf("catalog jobs output = %q", out)
	}
	out = mustRun(t, "catalog", "skills", "-c", cfg)
	if !strings.Contains(out, "send-email") || !strings.Contains(out, "high") {
		t.Errorf("catalog skills output = %q", out)
	}

	out = mustRun(t, "wallet", "create", "-c", cfg, "--owner", "tenant-1", "--opening", "1000")
	walletID := field(t, out, 2)

	out = mustRun(t, "wallet", "credit", "-c", cfg, walletID, "500", "--ref", "topup-1")
	if !strings.Contains(out, "balance 1,500") {
		t.Errorf("credit output = %q", out)
	}
	out = mustRun(t, "wallet", "credit", "-c", cfg, walletID, "500", "--ref", "topup-1")
	if !strings.Contains(out, "already applied") {
		t.Errorf("repeated credit output = %q", out)
	}

	out = mustRun(t, "employee", "provision", "-c", cfg, "--job", "support", "--tenant", "tenant-1", "--budget", "5000")
	empID := field(t, out, 2)
	if !strings.Contains(out, walletID) {
		t.Errorf("employee not bound to tenant wallet: %q", out)
	}

	out = mustRun(t, "task", "submit", "-c", cfg, "--employee", empID, "--inputs", `{"prompt":"hi"}`, "--title", "greet")
	taskID := field(t, out, 2)

	out = mustRun(t, "task", "status", "-c", cfg, taskID)
	if !strings.Contains(out, "Status:    created") {
		t.Errorf("task status output = %q", out)
	}
	out = mustRun(t, "task", "list", "-c", cfg, "--status", "created")
	if !strings.Contains(out, taskID) {
		t.Errorf("task list output = %q", out)
	}

	mustRun(t, "task", "cancel", "-c", cfg, taskID)
	out = mustRun(t, "task", "status", "-c", cfg, taskID, "--json")
	if !strings.Contains(out, `"status": "cancelled"`) {
		t.Errorf("task status --json output = %q", out)
	}
	if _, err := runCLI(t, "task", "cancel", "-c", cfg, taskID); err == nil {
		t.Error("expected error cancelling a cancelled task")
	}

	out = mustRun(t, "employee", "raise", "-c", cfg, empID, "8000")
	if !strings.Contains(out, "0/8,000") {
		t.Errorf("raise output = %q", out)
	}
	mustRun(t, "employee", "retire", "-c", cfg, empID)
	if _, err := runCLI(t, "task", "submit", "-c", cfg, "--employee", empID); err == nil {
		t.Error("expected error submitting for a retired employee")
	}

	out = mustRun(t, "wallet", "show", "-c", cfg, walletID)
	if !strings.Contains(out, "Balance:   1,500") || !strings.Contains(out, "reconciled") {
		t.Errorf("wallet show output = %q", out)
	}
}

func TestCLI_Lease(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, "db", "init", "-c", cfg)
	mustRun(t, "wallet", "create", "-c", cfg, "--owner", "tenant-1", "--opening", "10000")

	out := mustRun(t, "lease", "resource", "create", "-c", cfg,
		"--name", "gpu-pool", "--capacity", "4", "--price", "100", "--unit", "gpu")
	resID := field(t, out, 2)

	out = mustRun(t, "lease", "create", "-c", cfg, "--tenant", "tenant-1", "--resource", resID, "--capacity", "2")
	contractID := field(t, out, 2)
	if !strings.Contains(out, "paid 200") {
		t.Errorf("lease create output = %q", out)
	}

	out = mustRun(t, "lease", "resource", "list", "-c", cfg)
	if !strings.Contains(out, "2/4 gpu") {
		t.Errorf("resource list output = %q", out)
	}

	out = mustRun(t, "lease", "renew", "-c", cfg, contractID)
	if !strings.Contains(out, "paid 400") {
		t.Errorf("lease renew output = %q", out)
	}
	mustRun(t, "lease", "terminate", "-c", cfg, contractID)
	out = mustRun(t, "lease", "list", "-c", cfg, "--status", "terminated")
	if !strings.Contains(out, contractID) {
		t.Errorf("lease list output = %q", out)
	}
}

func TestCLI_MissingConfig(t *testing.T) {
	_, err := runCLI(t, "task", "list", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v, want load config error", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestRunServe_DrainsAndApproves(t *testing.T) {
	path := writeConfig(t)
	mustRun(t, "db", "init", "-c", path)
	out := mustRun(t, "wallet", "create", "-c", path, "--owner", "tenant-1", "--opening", "1000")
	_ = field(t, out, 2)
	out = mustRun(t, "employee", "provision", "-c", path, "--job", "outreach", "--tenant", "tenant-1")
	empID := field(t, out, 2)

	cfg, gormDB, err := connectFromConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Workers.PollInterval = 20 * time.Millisecond
	cfg.HTTP.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, serveOpts{
			Config:     cfg,
			DB:         gormDB,
			Model:      llm.NewEchoInvoker(),
			Registerer: prometheus.NewRegistry(),
			Gatherer:   prometheus.NewRegistry(),
			Out:        io.Discard,
			LogOut:     io.Discard,
		})
	}()

	// Submitted from the CLI while the server runs; the poll loop picks it up.
	out = mustRun(t, "task", "submit", "-c", path, "--employee", empID, "--inputs", `{"to":"a@example.com"}`)
	taskID := field(t, out, 2)

	var auditID string
	waitFor(t, func() bool {
		st, err := dispatch.GetTaskStatus(gormDB, taskID)
		if err != nil || len(st.Steps) < 2 {
			return false
		}
		auditID = st.Steps[1].AuditID
		return st.Steps[1].Status == task.StepAwaitingApproval
	})

	out = mustRun(t, "approval", "list", "-c", path, "--task", taskID)
	if !strings.Contains(out, auditID) {
		t.Errorf("approval list output = %q", out)
	}
	mustRun(t, "approval", "resolve", "-c", path, auditID, "--decision", "approve", "--approver", "ops")

	waitFor(t, func() bool {
		st, err := task.Status(gormDB, taskID)
		return err == nil && st == task.StatusCompleted
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runServe: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not stop after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestRunServe_BadSchedule(t *testing.T) {
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default("test")
	cfg.Lease.SweepSchedule = "whenever"
	err = runServe(context.Background(), serveOpts{
		Config:     cfg,
		DB:         gormDB,
		Model:      llm.NewEchoInvoker(),
		Registerer: prometheus.NewRegistry(),
		Gatherer:   prometheus.NewRegistry(),
		Out:        io.Discard,
		LogOut:     io.Discard,
	})
	if err == nil || !strings.Contains(err.Error(), "invalid sweep schedule") {
		t.Errorf("err = %v, want invalid sweep schedule", err)
	}
}
