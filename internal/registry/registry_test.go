package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

func TestDefault_SupportsSelectorModes(t *testing.T) {
	r := Default()
	tests := []struct {
		role models.Role
		mode models.Mode
		want bool
	}{
		{models.RoleSysadmin, models.ModeExecute, true},
		{models.RoleSysadmin, models.ModeRollback, true},
		{models.RoleDeveloper, models.ModeImplement, true},
		{models.RoleQE, models.ModeTest, true},
		{models.RoleArchitect, models.ModeAnalyze, true},
		{models.RoleQE, models.ModeImplement, false},
		{models.RoleArchitect, models.ModeRollback, false},
	}
	for _, tt := range tests {
		if got := r.Supports(tt.role, tt.mode); got != tt.want {
			t.Errorf("Supports(%s, %s) = %v, want %v", tt.role, tt.mode, got, tt.want)
		}
	}
}

func TestNew_RejectsUnknownMode(t *testing.T) {
	_, err := New([]AgentSpec{{Role: models.RoleQE, Modes: []models.Mode{"fuzz"}}})
	if !models.IsFault(err, models.FaultConfiguration) {
		t.Fatalf("New() error = %v, want configuration fault", err)
	}
}

func TestCheck(t *testing.T) {
	r := Default()
	if err := r.Check(models.Sequential(
		models.AgentStep{Role: models.RoleDeveloper, Mode: models.ModeImplement},
		models.AgentStep{Role: models.RoleQE, Mode: models.ModeTest},
	)); err != nil {
		t.Errorf("Check(valid plan) error = %v", err)
	}
	if err := r.Check(models.Single(models.RoleQE, models.ModeRollback)); err == nil {
		t.Error("Check() accepted qe:rollback")
	}
	if err := r.Check(models.Single(models.RoleQE, models.Mode("deploy"))); err == nil {
		t.Error("Check() accepted unknown mode")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	data := []byte(`agents:
  - role: sysadmin
    description: ops
    modes: [investigate, execute]
  - role: qe
    modes: [test]
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := r.Roles(); len(got) != 2 || got[0] != models.RoleQE || got[1] != models.RoleSysadmin {
		t.Errorf("Roles() = %v, want [qe sysadmin]", got)
	}
	if r.Supports(models.RoleSysadmin, models.ModeRollback) {
		t.Error("loaded roster should not support sysadmin:rollback")
	}
}

func TestLoad_UnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - role: dba\n    modes: [test]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !models.IsFault(err, models.FaultConfiguration) {
		t.Fatalf("Load() error = %v, want configuration fault", err)
	}
}
