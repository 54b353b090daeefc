package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Signature is an allow-listed known-fix template. An event matches when
// its text contains every All keyword, at least one Any keyword (if any
// are listed) and none of the None keywords.
type Signature struct {
	Name    string          `yaml:"name"`
	Domain  models.Domain   `yaml:"domain"`
	All     []string        `yaml:"all,omitempty"`
	Any     []string        `yaml:"any,omitempty"`
	None    []string        `yaml:"none,omitempty"`
	Sources []models.Source `yaml:"sources,omitempty"`
	// Plan lists role:mode steps. One step makes a single plan, more make
	// a sequential plan. Empty leaves plan selection to the selector.
	Plan []string `yaml:"plan,omitempty"`
}

// Validate checks the signature's enums and plan.
func (s Signature) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("signature without name")
	}
	if !s.Domain.Valid() || s.Domain == models.DomainDisorder || s.Domain == models.DomainUndetermined {
		return fmt.Errorf("signature %s: domain %q not allowed", s.Name, s.Domain)
	}
	if len(s.All) == 0 && len(s.Any) == 0 {
		return fmt.Errorf("signature %s: no keywords", s.Name)
	}
	for _, src := range s.Sources {
		if !src.Valid() {
			return fmt.Errorf("signature %s: unknown source %q", s.Name, src)
		}
	}
	if _, err := s.DispatchPlan(); err != nil {
		return fmt.Errorf("signature %s: %w", s.Name, err)
	}
	return nil
}

// DispatchPlan converts Plan into a models.DispatchPlan. It returns nil
// when the signature carries no plan.
func (s Signature) DispatchPlan() (*models.DispatchPlan, error) {
	if len(s.Plan) == 0 {
		return nil, nil
	}
	steps := make([]models.AgentStep, 0, len(s.Plan))
	for _, raw := range s.Plan {
		step, err := models.ParseAgentStep(raw)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	var plan models.DispatchPlan
	if len(steps) == 1 {
		plan = models.Single(steps[0].Role, steps[0].Mode)
	} else {
		plan = models.Sequential(steps...)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s Signature) matches(lower string, source models.Source) bool {
	if len(s.Sources) > 0 {
		found := false
		for _, src := range s.Sources {
			if src == source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, kw := range s.All {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	if len(s.Any) > 0 && firstMatch(lower, s.Any) == "" {
		return false
	}
	return firstMatch(lower, s.None) == ""
}

var singleReplica = []string{"1 replica", "one replica", "single replica", "replicas: 1", "replicas=1"}

// DefaultSignatures is the built-in known-fix catalog.
var DefaultSignatures = []Signature{
	{
		Name:   "cpu-saturation-single-replica",
		Domain: models.DomainClear,
		All:    []string{"cpu"},
		Any:    singleReplica,
		Plan:   []string{"sysadmin:execute"},
	},
	{
		Name:   "memory-pressure-single-replica",
		Domain: models.DomainClear,
		All:    []string{"memory"},
		Any:    singleReplica,
		Plan:   []string{"sysadmin:execute"},
	},
	{
		Name:   "gitops-out-of-sync",
		Domain: models.DomainClear,
		All:    []string{"out of sync"},
		Any:    []string{"argo", "flux", "gitops"},
		Plan:   []string{"sysadmin:execute"},
	},
	{
		Name:   "certificate-expiry",
		Domain: models.DomainClear,
		All:    []string{"certificate"},
		Any:    []string{"expir", "renew"},
		Plan:   []string{"sysadmin:execute"},
	},
	{
		Name:   "disk-pressure",
		Domain: models.DomainClear,
		All:    []string{"disk"},
		Any:    []string{"full", "pressure", "usage"},
		Plan:   []string{"sysadmin:execute"},
	},
	{
		Name:   "status-inquiry",
		Domain: models.DomainClear,
		Any:    []string{"status of", "what is the status", "show me", "list the", "how many"},
		None:   append(append([]string{}, complicatedMarkers...), complexMarkers...),
	},
}

// catalogFile is the on-disk catalog layout.
type catalogFile struct {
	Replace    bool        `yaml:"replace"`
	Signatures []Signature `yaml:"signatures"`
}

// LoadCatalog reads signatures from a YAML file. Unless the file sets
// replace: true, its signatures are appended to the current catalog.
// File signatures are checked before built-in ones.
func (c *Classifier) LoadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read signature catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse signature catalog: %w", err)
	}
	for _, sig := range file.Signatures {
		if err := sig.Validate(); err != nil {
			return models.NewFault(models.FaultConfiguration, "load signature catalog", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if file.Replace {
		c.signatures = append([]Signature(nil), file.Signatures...)
		return nil
	}
	c.signatures = append(append([]Signature(nil), file.Signatures...), c.signatures...)
	return nil
}

// WriteCatalog writes signatures as a catalog file.
func WriteCatalog(path string, signatures []Signature) error {
	data, err := yaml.Marshal(catalogFile{Signatures: signatures})
	if err != nil {
		return fmt.Errorf("encode signature catalog: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
