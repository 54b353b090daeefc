// Package registry holds the agent roster and the selector that turns an
// event into a dispatch plan.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// AgentSpec describes one role in the roster.
type AgentSpec struct {
	Role        models.Role   `yaml:"role"`
	Description string        `yaml:"description"`
	Modes       []models.Mode `yaml:"modes"`
}

// DefaultRoster is the built-in role to mode mapping.
var DefaultRoster = []AgentSpec{
	{
		Role:        models.RoleArchitect,
		Description: "system design review and impact analysis",
		Modes:       []models.Mode{models.ModeAnalyze, models.ModeReview, models.ModeInvestigate},
	},
	{
		Role:        models.RoleSysadmin,
		Description: "cluster and infrastructure operations",
		Modes:       []models.Mode{models.ModeInvestigate, models.ModeExecute, models.ModeRollback, models.ModeAnalyze},
	},
	{
		Role:        models.RoleDeveloper,
		Description: "code changes and debugging",
		Modes:       []models.Mode{models.ModeInvestigate, models.ModeExecute, models.ModeImplement, models.ModeReview, models.ModeRollback},
	},
	{
		Role:        models.RoleQE,
		Description: "test authoring and verification",
		Modes:       []models.Mode{models.ModeTest, models.ModeReview, models.ModeInvestigate},
	},
}

// Registry maps roles to the modes they support.
// It is safe for concurrent use.
type Registry struct {
	specs map[models.Role]AgentSpec
	mu    sync.RWMutex
}

// New creates a Registry from specs. Every spec must use known roles and modes.
func New(specs []AgentSpec) (*Registry, error) {
	r := &Registry{specs: make(map[models.Role]AgentSpec, len(specs))}
	for _, spec := range specs {
		if err := r.register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default creates a Registry from DefaultRoster.
func Default() *Registry {
	r, err := New(DefaultRoster)
	if err != nil {
		panic(fmt.Sprintf("default roster invalid: %v", err))
	}
	return r
}

// Load reads a roster file. An unknown role or mode is a configuration fault.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var file struct {
		Agents []AgentSpec `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return New(file.Agents)
}

func (r *Registry) register(spec AgentSpec) error {
	if !spec.Role.Valid() {
		return models.NewFault(models.FaultConfiguration, "register agent", fmt.Errorf("unknown role %q", spec.Role))
	}
	for _, m := range spec.Modes {
		if !m.Valid() {
			return models.NewFault(models.FaultConfiguration, "register agent",
				fmt.Errorf("role %s: unknown mode %q", spec.Role, m))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Role] = spec
	return nil
}

// Supports reports whether role is registered with mode.
func (r *Registry) Supports(role models.Role, mode models.Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[role]
	if !ok {
		return false
	}
	for _, m := range spec.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Check validates plan and rejects any step the roster cannot serve.
// There is no fallback to a default mode.
func (r *Registry) Check(plan models.DispatchPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	for _, s := range plan.Steps {
		if !r.Supports(s.Role, s.Mode) {
			return models.NewFault(models.FaultConfiguration, "check plan",
				fmt.Errorf("role %s does not support mode %s", s.Role, s.Mode))
		}
	}
	return nil
}

// Roles returns the registered roles in name order.
func (r *Registry) Roles() []models.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]models.Role, 0, len(r.specs))
	for role := range r.specs {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Spec returns the spec for role.
func (r *Registry) Spec(role models.Role) (AgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[role]
	return spec, ok
}
