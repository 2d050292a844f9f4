package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
owner: alice

database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: wf
  password: secret
  name: workforce_prod

workers:
  count: 32
  queue_size: 1024
  poll_interval: 2s

steps:
  call_timeout: 45s
  max_attempts: 5
  initial_backoff: 100ms
  max_backoff: 3s
  parallel_independent: true
  approval_risk_levels: [medium, high]
  hold_per_call: 250

pricing:
  gpt-small:
    prompt_per_1k: 150
    completion_per_1k: 600

lease:
  sweep_schedule: "*/5 * * * *"

notify:
  slack:
    bot_token: xoxb-123
    channel_id: C0APPROVALS

http:
  port: 9090

log:
  level: debug
  format: json

catalog: catalog.yaml
`

const minimalYAML = `
owner: bob
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Owner != "alice" {
		t.Errorf("Owner = %q, want %q", cfg.Owner, "alice")
	}
	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Database.Name != "workforce_prod" {
		t.Errorf("Database.Name = %q, want %q", cfg.Database.Name, "workforce_prod")
	}
	if cfg.Workers.Count != 32 || cfg.Workers.QueueSize != 1024 {
		t.Errorf("Workers = %+v", cfg.Workers)
	}
	if cfg.Workers.PollInterval != 2*time.Second {
		t.Errorf("Workers.PollInterval = %s, want 2s", cfg.Workers.PollInterval)
	}
	if cfg.Steps.CallTimeout != 45*time.Second {
		t.Errorf("Steps.CallTimeout = %s, want 45s", cfg.Steps.CallTimeout)
	}
	if cfg.Steps.MaxAttempts != 5 {
		t.Errorf("Steps.MaxAttempts = %d, want 5", cfg.Steps.MaxAttempts)
	}
	if !cfg.Steps.ParallelIndependent {
		t.Error("Steps.ParallelIndependent = false, want true")
	}
	if !cfg.Steps.RequiresApproval("medium") || cfg.Steps.RequiresApproval("low") {
		t.Errorf("ApprovalRiskLevels = %v", cfg.Steps.ApprovalRiskLevels)
	}
	if cfg.Steps.HoldPerCall != 250 {
		t.Errorf("Steps.HoldPerCall = %d, want 250", cfg.Steps.HoldPerCall)
	}
	p, ok := cfg.Pricing["gpt-small"]
	if !ok || p.PromptPer1K != 150 || p.CompletionPer1K != 600 {
		t.Errorf("Pricing[gpt-small] = %+v", p)
	}
	if cfg.Lease.SweepSchedule != "*/5 * * * *" {
		t.Errorf("Lease.SweepSchedule = %q", cfg.Lease.SweepSchedule)
	}
	if cfg.Notify.Slack.ChannelID != "C0APPROVALS" {
		t.Errorf("Notify.Slack.ChannelID = %q", cfg.Notify.Slack.ChannelID)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Catalog != "catalog.yaml" {
		t.Errorf("Catalog = %q", cfg.Catalog)
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql (default)", cfg.Database.Driver)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database = %+v, want 127.0.0.1:3306 (default)", cfg.Database)
	}
	if cfg.Database.Name != "workforce_bob" {
		t.Errorf("Database.Name = %q, want %q (derived from owner)", cfg.Database.Name, "workforce_bob")
	}
	if cfg.Workers.Count != 16 {
		t.Errorf("Workers.Count = %d, want 16 (default)", cfg.Workers.Count)
	}
	if cfg.Workers.QueueSize != 256 {
		t.Errorf("Workers.QueueSize = %d, want 256 (default)", cfg.Workers.QueueSize)
	}
	if cfg.Steps.MaxAttempts != 3 {
		t.Errorf("Steps.MaxAttempts = %d, want 3 (default)", cfg.Steps.MaxAttempts)
	}
	if !cfg.Steps.RequiresApproval("high") {
		t.Error("high risk should require approval by default")
	}
	if cfg.Steps.ParallelIndependent {
		t.Error("ParallelIndependent should default to false")
	}
	if cfg.Lease.SweepSchedule != "@every 1m" {
		t.Errorf("Lease.SweepSchedule = %q, want @every 1m", cfg.Lease.SweepSchedule)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing owner",
			yaml:    "workers:\n  count: 2\n",
			wantErr: "owner is required",
		},
		{
			name:    "bad driver",
			yaml:    "owner: x\ndatabase:\n  driver: oracle\n",
			wantErr: "database.driver",
		},
		{
			name:    "bad risk level",
			yaml:    "owner: x\nsteps:\n  approval_risk_levels: [extreme]\n",
			wantErr: `unknown level "extreme"`,
		},
		{
			name:    "backoff inverted",
			yaml:    "owner: x\nsteps:\n  initial_backoff: 10s\n  max_backoff: 1s\n",
			wantErr: "initial_backoff must not exceed",
		},
		{
			name:    "negative hold",
			yaml:    "owner: x\nsteps:\n  hold_per_call: -5\n",
			wantErr: "steps.hold_per_call",
		},
		{
			name:    "negative price",
			yaml:    "owner: x\npricing:\n  m:\n    prompt_per_1k: -1\n",
			wantErr: "pricing[m]",
		},
		{
			name:    "bad log format",
			yaml:    "owner: x\nlog:\n  format: xml\n",
			wantErr: "log.format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("owner: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %v, want parse error", err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workforce.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Owner != "bob" {
		t.Errorf("Owner = %q, want bob", cfg.Owner)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/workforce.yaml")
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %v, want read error", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default("carol")
	if cfg.Owner != "carol" || cfg.Workers.Count != 16 {
		t.Errorf("Default() = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

const catalogYAML = `
skills:
  - key: summarize
    name: Summarize
    action: model.complete
    risk_level: low
    model: gpt-small
    param_schema:
      type: object
      properties:
        prompt: {type: string}
  - key: send-email
    action: echo
    risk_level: high

jobs:
  - key: support-agent
    name: Support Agent
    purpose: answer tickets
    input_schema:
      type: object
      required: [ticket]
    workflow:
      kind: sequence
      children:
        - {kind: skill, skill: summarize}
        - {kind: skill, skill: send-email}
`

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if len(cat.Skills) != 2 || len(cat.Jobs) != 1 {
		t.Fatalf("got %d skills, %d jobs", len(cat.Skills), len(cat.Jobs))
	}
	if cat.Skills[1].RiskLevel != "high" {
		t.Errorf("Skills[1].RiskLevel = %q", cat.Skills[1].RiskLevel)
	}
	wf, ok := cat.Jobs[0].Workflow.(map[string]interface{})
	if !ok || wf["kind"] != "sequence" {
		t.Errorf("Jobs[0].Workflow = %#v", cat.Jobs[0].Workflow)
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("skills:\n  - key: a\n  - key: a\n    action: echo\njobs:\n  - name: nokey\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"skills[0].action is required", `duplicate key "a"`, "jobs[0].key is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want to contain %q", err, want)
		}
	}
}
