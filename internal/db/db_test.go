package db

import (
	"strings"
	"testing"

	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/skill"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		host     string
		port     int
		database string
		want     string
	}{
		{
			name:     "default local",
			user:     "root",
			host:     "127.0.0.1",
			port:     3306,
			database: "workforce_alice",
			want:     "root@tcp(127.0.0.1:3306)/workforce_alice?parseTime=true",
		},
		{
			name:     "with password",
			user:     "wf",
			password: "s3cret",
			host:     "10.0.0.5",
			port:     3307,
			database: "workforce_bob",
			want:     "wf:s3cret@tcp(10.0.0.5:3307)/workforce_bob?parseTime=true",
		},
		{
			name: "admin without schema",
			user: "root",
			host: "mysql.vpc.internal",
			port: 3306,
			want: "root@tcp(mysql.vpc.internal:3306)/?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.user, tt.password, tt.host, tt.port, tt.database)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "unsupported driver")
	}
}

func TestConnect_Error(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect(config.DatabaseConfig{User: "root", Host: "127.0.0.1", Port: 1, Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestConnectAdmin_Error(t *testing.T) {
	_, err := ConnectAdmin(config.DatabaseConfig{User: "root", Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: admin connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: admin connect to")
	}
}

func TestAutoMigrate_SQLite(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T was not created", m)
		}
	}
	// Migrating twice is a no-op.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

const testCatalog = `
skills:
  - key: reply
    action: echo
  - key: draft
    action: model.complete
    model: gpt-small
    param_schema:
      type: object
      required: [prompt]
  - key: send-email
    action: echo
    risk_level: high
jobs:
  - key: support
    name: Support agent
    input_schema:
      type: object
      required: [ticket]
    workflow:
      - reply
      - kind: parallel
        children: [draft, reply]
      - send-email
  - key: triage
    model_strategy:
      mode: dynamic
    constraints:
      max_steps: 4
`

func TestSeedCatalog(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	cat, err := config.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	res, err := SeedCatalog(gdb, skill.NewActions(), cat)
	if err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	if res.Skills != 3 || res.Jobs != 2 {
		t.Errorf("seeded %d skills and %d jobs, want 3 and 2", res.Skills, res.Jobs)
	}

	def, err := job.Resolve(gdb, "support")
	if err != nil {
		t.Fatalf("Resolve(support): %v", err)
	}
	if !strings.Contains(string(def.InputSchema), `"ticket"`) {
		t.Errorf("input schema = %s, want it to require ticket", def.InputSchema)
	}
	if def.Version != 1 {
		t.Errorf("version = %d, want 1", def.Version)
	}

	// Seeding again re-registers everything and bumps job versions.
	if _, err := SeedCatalog(gdb, skill.NewActions(), cat); err != nil {
		t.Fatalf("second SeedCatalog: %v", err)
	}
	def, err = job.Resolve(gdb, "support")
	if err != nil {
		t.Fatalf("Resolve(support): %v", err)
	}
	if def.Version != 2 {
		t.Errorf("version after reseed = %d, want 2", def.Version)
	}
}

func TestSeedCatalog_UnknownSkillInWorkflow(t *testing.T) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	cat := &config.Catalog{Jobs: []config.JobConfig{{Key: "orphan", Workflow: []interface{}{"missing"}}}}
	_, err = SeedCatalog(gdb, skill.NewActions(), cat)
	if err == nil {
		t.Fatal("expected error for workflow referencing an unknown skill")
	}
	if !strings.Contains(err.Error(), `seed job "orphan"`) {
		t.Errorf("error = %q, want job context", err.Error())
	}
}

func TestMarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{"nil returns empty", nil, ""},
		{"empty map returns empty", map[string]interface{}{}, ""},
		{"map", map[string]interface{}{"mode": "dynamic"}, `{"mode":"dynamic"}`},
		{"list", []interface{}{"reply", "draft"}, `["reply","draft"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalJSON(tt.input)
			if err != nil {
				t.Fatalf("marshalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("marshalJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarshalJSON_Error(t *testing.T) {
	// Channels cannot be marshaled to JSON.
	_, err := marshalJSON(make(chan int))
	if err == nil {
		t.Fatal("expected error marshaling channel")
	}
}
