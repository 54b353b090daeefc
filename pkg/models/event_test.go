package models

import (
	"testing"
	"time"
)

func TestSource_Valid(t *testing.T) {
	tests := []struct {
		name   string
		source Source
		want   bool
	}{
		{"chat is valid", SourceChat, true},
		{"slack is valid", SourceSlack, true},
		{"aligner is valid", SourceAligner, true},
		{"headhunter is valid", SourceHeadhunter, true},
		{"dashboard is not a source", Source(ChannelDashboard), false},
		{"empty is invalid", Source(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.source.Valid(); got != tt.want {
				t.Errorf("Source(%q).Valid() = %v, want %v", tt.source, got, tt.want)
			}
		})
	}
}

func TestSource_Autonomous(t *testing.T) {
	for _, s := range []Source{SourceAligner, SourceHeadhunter} {
		if !s.Autonomous() {
			t.Errorf("%s.Autonomous() = false, want true", s)
		}
	}
	for _, s := range []Source{SourceChat, SourceSlack} {
		if s.Autonomous() {
			t.Errorf("%s.Autonomous() = true, want false", s)
		}
	}
}

func TestParseSource_UnknownIsConfigurationFault(t *testing.T) {
	_, err := ParseSource("pagerduty")
	if !IsFault(err, FaultConfiguration) {
		t.Fatalf("ParseSource(pagerduty) error = %v, want configuration fault", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNew, StateActive, true},
		{StateActive, StateWaitingApproval, true},
		{StateActive, StateDeferred, true},
		{StateActive, StateResolved, true},
		{StateDeferred, StateActive, true},
		{StateWaitingApproval, StateActive, true},
		{StateResolved, StateClosed, true},
		{StateResolved, StateActive, true},
		{StateNew, StateClosed, false},
		{StateActive, StateClosed, false},
		{StateDeferred, StateClosed, false},
		{StateDeferred, StateResolved, false},
		{StateWaitingApproval, StateResolved, false},
		{StateClosed, StateActive, false},
		{StateClosed, StateNew, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	all := []State{StateNew, StateActive, StateWaitingApproval, StateDeferred, StateResolved, StateClosed}
	for _, to := range all {
		if CanTransition(StateClosed, to) {
			t.Errorf("closed -> %s allowed, closed must be terminal", to)
		}
	}
	if !StateClosed.Terminal() {
		t.Error("StateClosed.Terminal() = false")
	}
}

func TestEvent_Primary(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Event{Participants: map[string]*Participant{
		"late":   {ID: "late", Channel: "slack", Role: ParticipantPrimary, JoinedAt: base.Add(time.Minute)},
		"early":  {ID: "early", Channel: "chat", Role: ParticipantPrimary, JoinedAt: base},
		"helper": {ID: "helper", Channel: ChannelDashboard, Role: ParticipantCollaborator, JoinedAt: base.Add(-time.Hour)},
	}}

	p := e.Primary()
	if p == nil || p.ID != "early" {
		t.Fatalf("Primary() = %+v, want early", p)
	}

	empty := &Event{}
	if empty.Primary() != nil {
		t.Error("Primary() on event without participants should be nil")
	}
}

func TestEvent_AppendTurnOrdersSequence(t *testing.T) {
	e := &Event{}
	now := time.Now()
	e.AppendTurn(now, TurnIngest, "chat", "hello")
	e.AppendTurn(now, TurnClassify, "", "clear")
	e.AppendTurn(now, TurnDispatch, "", "single(sysadmin:execute)")
	last := e.AppendTurn(now, TurnOutcome, "coordinator", "completed")

	if last.Seq != 4 {
		t.Errorf("fourth turn Seq = %d, want 4", last.Seq)
	}
	// Stored logs keep the original kind string.
	if last.Kind != "result" {
		t.Errorf("outcome turn Kind = %q, want result", last.Kind)
	}
	for i, turn := range e.Turns {
		if turn.Seq != i+1 {
			t.Errorf("Turns[%d].Seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
}

func TestEvent_CloneIsDeep(t *testing.T) {
	e := &Event{
		ID:           "evt-1",
		Participants: map[string]*Participant{"u": {ID: "u", Role: ParticipantPrimary}},
		Deferral:     &Deferral{Reason: "ci", Count: 1},
		Resume:       []AgentStep{{Role: RoleQE, Mode: ModeTest}},
	}
	c := e.Clone()
	c.Participants["u"].Role = ParticipantCollaborator
	c.Deferral.Count = 2
	c.Resume[0].Mode = ModeReview

	if e.Participants["u"].Role != ParticipantPrimary {
		t.Error("clone shares participants with original")
	}
	if e.Deferral.Count != 1 {
		t.Error("clone shares deferral with original")
	}
	if e.Resume[0].Mode != ModeTest {
		t.Error("clone shares resume steps with original")
	}
}
