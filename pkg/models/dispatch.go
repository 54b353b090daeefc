package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is an agent specialization.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleSysadmin  Role = "sysadmin"
	RoleDeveloper Role = "developer"
	RoleQE        Role = "qe"
)

// Valid returns true if the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleArchitect, RoleSysadmin, RoleDeveloper, RoleQE:
		return true
	default:
		return false
	}
}

// ParseRole converts a raw string to a Role.
func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	if !r.Valid() {
		return "", NewFault(FaultConfiguration, "parse role", fmt.Errorf("unknown role %q", raw))
	}
	return r, nil
}

// Mode is the kind of work an agent turn performs.
type Mode string

const (
	ModeInvestigate Mode = "investigate"
	ModeExecute     Mode = "execute"
	ModeImplement   Mode = "implement"
	ModeTest        Mode = "test"
	ModeReview      Mode = "review"
	ModeAnalyze     Mode = "analyze"
	ModeRollback    Mode = "rollback"
)

// Valid returns true if the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModeInvestigate, ModeExecute, ModeImplement, ModeTest, ModeReview, ModeAnalyze, ModeRollback:
		return true
	default:
		return false
	}
}

// ReadOnly reports whether the mode never mutates anything.
func (m Mode) ReadOnly() bool {
	return m == ModeInvestigate || m == ModeReview || m == ModeAnalyze
}

// ParseMode converts a raw string to a Mode. An unknown mode is a
// configuration fault; callers must not fall back to a default.
func ParseMode(raw string) (Mode, error) {
	m := Mode(raw)
	if !m.Valid() {
		return "", NewFault(FaultConfiguration, "parse mode", fmt.Errorf("unknown mode %q", raw))
	}
	return m, nil
}

// AgentStep is one role/mode pair in a plan.
type AgentStep struct {
	Role Role `json:"role"`
	Mode Mode `json:"mode"`
}

// String renders the step as role:mode.
func (s AgentStep) String() string {
	return string(s.Role) + ":" + string(s.Mode)
}

// ParseAgentStep parses "role:mode".
func ParseAgentStep(raw string) (AgentStep, error) {
	role, mode, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return AgentStep{}, NewFault(FaultConfiguration, "parse step", fmt.Errorf("malformed step %q", raw))
	}
	r, err := ParseRole(role)
	if err != nil {
		return AgentStep{}, err
	}
	m, err := ParseMode(mode)
	if err != nil {
		return AgentStep{}, err
	}
	return AgentStep{Role: r, Mode: m}, nil
}

// PlanKind is the shape of a dispatch plan.
type PlanKind string

const (
	PlanSingle     PlanKind = "single"
	PlanSequential PlanKind = "sequential"
	PlanPaired     PlanKind = "paired"
)

// Valid returns true if the kind is a known value.
func (k PlanKind) Valid() bool {
	return k == PlanSingle || k == PlanSequential || k == PlanPaired
}

// DispatchPlan says which agents run and how they relate.
type DispatchPlan struct {
	Kind  PlanKind    `json:"kind"`
	Steps []AgentStep `json:"steps"`
}

// Single builds a one-agent plan.
func Single(role Role, mode Mode) DispatchPlan {
	return DispatchPlan{Kind: PlanSingle, Steps: []AgentStep{{Role: role, Mode: mode}}}
}

// Sequential builds a plan whose steps run strictly one after another.
func Sequential(steps ...AgentStep) DispatchPlan {
	return DispatchPlan{Kind: PlanSequential, Steps: append([]AgentStep(nil), steps...)}
}

// Paired builds a two-agent concurrent plan where both agents use mode.
func Paired(a, b Role, mode Mode) DispatchPlan {
	return DispatchPlan{Kind: PlanPaired, Steps: []AgentStep{{Role: a, Mode: mode}, {Role: b, Mode: mode}}}
}

// ErrInvalidPlan is wrapped by every plan validation failure.
var ErrInvalidPlan = errors.New("invalid dispatch plan")

// Validate checks the plan's shape and enums.
func (p DispatchPlan) Validate() error {
	if !p.Kind.Valid() {
		return NewFault(FaultConfiguration, "validate plan", fmt.Errorf("%w: unknown kind %q", ErrInvalidPlan, p.Kind))
	}
	switch {
	case p.Kind == PlanSingle && len(p.Steps) != 1,
		p.Kind == PlanPaired && len(p.Steps) != 2,
		p.Kind == PlanSequential && len(p.Steps) < 2:
		return NewFault(FaultConfiguration, "validate plan",
			fmt.Errorf("%w: %s plan with %d steps", ErrInvalidPlan, p.Kind, len(p.Steps)))
	}
	for _, s := range p.Steps {
		if !s.Role.Valid() {
			return NewFault(FaultConfiguration, "validate plan", fmt.Errorf("%w: unknown role %q", ErrInvalidPlan, s.Role))
		}
		if !s.Mode.Valid() {
			return NewFault(FaultConfiguration, "validate plan", fmt.Errorf("%w: unknown mode %q", ErrInvalidPlan, s.Mode))
		}
	}
	return nil
}

// ReadOnly reports whether every step uses a read-only mode.
func (p DispatchPlan) ReadOnly() bool {
	for _, s := range p.Steps {
		if !s.Mode.ReadOnly() {
			return false
		}
	}
	return len(p.Steps) > 0
}

// String renders the plan compactly, e.g. "sequential(developer:implement, qe:test)".
func (p DispatchPlan) String() string {
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = s.String()
	}
	return fmt.Sprintf("%s(%s)", p.Kind, strings.Join(parts, ", "))
}

// TurnStatus is the tag every agent turn ends with.
type TurnStatus string

const (
	TurnCompleted       TurnStatus = "completed"
	TurnNeedsGuidance   TurnStatus = "needs-guidance"
	TurnBlocked         TurnStatus = "blocked"
	TurnPendingExternal TurnStatus = "pending-external"
)

// Valid returns true if the status is a known value.
func (s TurnStatus) Valid() bool {
	switch s {
	case TurnCompleted, TurnNeedsGuidance, TurnBlocked, TurnPendingExternal:
		return true
	default:
		return false
	}
}

// TurnResult is what a finished agent turn reports.
type TurnResult struct {
	// Role and Mode identify which step produced the result.
	Role Role `json:"role"`
	Mode Mode `json:"mode"`
	// Status is the turn's tag.
	Status TurnStatus `json:"status"`
	// Content is the agent's summary.
	Content string `json:"content,omitempty"`
	// WaitEstimate is required when Status is pending-external.
	WaitEstimate time.Duration `json:"wait_estimate,omitempty"`
	// WaitReason names the external process being waited on.
	WaitReason string `json:"wait_reason,omitempty"`
	// Verified is set when the agent observed the fix holding.
	Verified bool `json:"verified,omitempty"`
	// NeedsDecision asks for a human decision before continuing.
	NeedsDecision bool `json:"needs_decision,omitempty"`
	// Question accompanies needs-guidance and NeedsDecision.
	Question string `json:"question,omitempty"`
	// CommitSHAs lists commits produced during the turn.
	CommitSHAs []string `json:"commit_shas,omitempty"`
	// Fault is set when the turn ended because of a classified fault.
	Fault *Fault `json:"-"`
}

// Validate enforces the result tag contract.
func (r TurnResult) Validate() error {
	if !r.Status.Valid() {
		return NewFault(FaultConfiguration, "validate turn", fmt.Errorf("unknown turn status %q", r.Status))
	}
	if r.Status == TurnPendingExternal && r.WaitEstimate <= 0 {
		return NewFault(FaultConfiguration, "validate turn", errors.New("pending-external without a wait estimate"))
	}
	if r.Status == TurnNeedsGuidance && strings.TrimSpace(r.Question) == "" {
		return NewFault(FaultConfiguration, "validate turn", errors.New("needs-guidance without a question"))
	}
	return nil
}
