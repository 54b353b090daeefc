package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	valid := []string{"investigate", "execute", "implement", "test", "review", "analyze", "rollback"}
	for _, raw := range valid {
		if _, err := ParseMode(raw); err != nil {
			t.Errorf("ParseMode(%q) error = %v", raw, err)
		}
	}

	for _, raw := range []string{"", "deploy", "Investigate"} {
		_, err := ParseMode(raw)
		if !IsFault(err, FaultConfiguration) {
			t.Errorf("ParseMode(%q) error = %v, want configuration fault", raw, err)
		}
	}
}

func TestMode_ReadOnly(t *testing.T) {
	tests := []struct {
		mode Mode
		want bool
	}{
		{ModeInvestigate, true},
		{ModeReview, true},
		{ModeAnalyze, true},
		{ModeExecute, false},
		{ModeImplement, false},
		{ModeTest, false},
		{ModeRollback, false},
	}
	for _, tt := range tests {
		if got := tt.mode.ReadOnly(); got != tt.want {
			t.Errorf("%s.ReadOnly() = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestParseAgentStep(t *testing.T) {
	step, err := ParseAgentStep(" developer:implement ")
	if err != nil {
		t.Fatalf("ParseAgentStep() error = %v", err)
	}
	if step.Role != RoleDeveloper || step.Mode != ModeImplement {
		t.Errorf("ParseAgentStep() = %v", step)
	}

	for _, raw := range []string{"developer", "chef:implement", "developer:deploy"} {
		if _, err := ParseAgentStep(raw); err == nil {
			t.Errorf("ParseAgentStep(%q) expected error", raw)
		}
	}
}

func TestDispatchPlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    DispatchPlan
		wantErr bool
	}{
		{"single", Single(RoleSysadmin, ModeExecute), false},
		{"sequential", Sequential(AgentStep{RoleDeveloper, ModeImplement}, AgentStep{RoleQE, ModeTest}), false},
		{"paired", Paired(RoleDeveloper, RoleQE, ModeImplement), false},
		{"sequential of one", Sequential(AgentStep{RoleDeveloper, ModeImplement}), true},
		{"single with two", DispatchPlan{Kind: PlanSingle, Steps: []AgentStep{{RoleQE, ModeTest}, {RoleQE, ModeTest}}}, true},
		{"unknown mode", Single(RoleQE, Mode("deploy")), true},
		{"unknown role", Single(Role("dba"), ModeTest), true},
		{"unknown kind", DispatchPlan{Kind: "swarm", Steps: []AgentStep{{RoleQE, ModeTest}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("Validate() error = %v, want ErrInvalidPlan in chain", err)
			}
		})
	}
}

func TestDispatchPlan_String(t *testing.T) {
	p := Sequential(AgentStep{RoleDeveloper, ModeImplement}, AgentStep{RoleQE, ModeTest})
	if got, want := p.String(), "sequential(developer:implement, qe:test)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestTurnResult_Validate(t *testing.T) {
	tests := []struct {
		name    string
		result  TurnResult
		wantErr bool
	}{
		{"completed", TurnResult{Status: TurnCompleted}, false},
		{"blocked", TurnResult{Status: TurnBlocked}, false},
		{"pending with estimate", TurnResult{Status: TurnPendingExternal, WaitEstimate: time.Minute}, false},
		{"pending without estimate", TurnResult{Status: TurnPendingExternal}, true},
		{"guidance without question", TurnResult{Status: TurnNeedsGuidance}, true},
		{"guidance with question", TurnResult{Status: TurnNeedsGuidance, Question: "which branch?"}, false},
		{"unknown tag", TurnResult{Status: "done"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsFault(err, FaultConfiguration) {
				t.Errorf("Validate() error = %v, want configuration fault", err)
			}
		})
	}
}

func TestFaultOf(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewFault(FaultTransientExternal, "run turn", inner)
	wrapped := errors.Join(errors.New("dispatch"), err)

	f := FaultOf(wrapped)
	if f == nil || f.Kind != FaultTransientExternal {
		t.Fatalf("FaultOf() = %v, want transient fault", f)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("fault does not unwrap to its cause")
	}
	if FaultOf(inner) != nil {
		t.Error("FaultOf(plain error) should be nil")
	}
}
