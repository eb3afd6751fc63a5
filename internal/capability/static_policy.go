package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/pipeline/model"
)

// Policy maps roles to capability patterns. Tenant sections add grants on
// top of the global roles for callers of that tenant only.
type Policy struct {
	Roles   map[string][]string     `yaml:"roles"`
	Tenants map[string]TenantPolicy `yaml:"tenants,omitempty"`
}

// TenantPolicy holds the extra role grants of one tenant.
type TenantPolicy struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{Roles: map[string][]string{
		"admin":      {"pipeline:*"},
		"sales":      {model.CapCardsRead, model.CapCardsWrite, model.CapCardsTransition},
		"dispatcher": {model.CapCardsRead, model.CapCardsTransition},
		"viewer":     {model.CapCardsRead},
		"automation": {model.CapAutomationSweep, model.CapCardsRead},
	}}
}

// StaticPolicy resolves capabilities from a Policy, optionally backed by a
// YAML file that Sync re-reads.
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy Policy
}

// NewStaticPolicy serves p with no backing file.
func NewStaticPolicy(p Policy) *StaticPolicy {
	return &StaticPolicy{policy: p}
}

// LoadStaticPolicy reads the policy at path.
func LoadStaticPolicy(path string) (*StaticPolicy, error) {
	s := &StaticPolicy{path: path}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

// Capabilities returns the union of grants for every role of rctx.
func (s *StaticPolicy) Capabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := make(model.CapabilitySet)
	tenant := s.policy.Tenants[rctx.TenantID]
	for _, role := range rctx.Roles {
		for _, c := range s.policy.Roles[role] {
			caps[c] = true
		}
		for _, c := range tenant.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file. It is a no-op for a policy built in memory.
func (s *StaticPolicy) Sync() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", s.path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", s.path, err)
	}
	if len(p.Roles) == 0 && len(p.Tenants) == 0 {
		return fmt.Errorf("capability: policy file %s grants nothing", s.path)
	}

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()

	return nil
}
