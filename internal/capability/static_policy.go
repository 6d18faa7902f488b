package capability

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aventus/onboarding/model"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// StaticPolicyEvaluator grants capabilities from a YAML document of the form
//
//	roles:
//	  ops: [contractors:view, contractors:status:transition]
//
// The document is read at construction and again on every Sync.
type StaticPolicyEvaluator struct {
	path string

	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticPolicyEvaluator loads the policy at path, or the built-in role
// mapping when path is empty.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities unions the grants of every role the caller holds.
// Roles missing from the policy grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range e.roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the role names the policy defines, sorted.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.roles))
}

// Sync rereads the policy. On error the previous policy stays in effect.
func (e *StaticPolicyEvaluator) Sync() error {
	data, source := defaultPolicy, "builtin"
	if e.path != "" {
		b, err := os.ReadFile(e.path)
		if err != nil {
			return fmt.Errorf("capability: read policy: %w", err)
		}
		data, source = b, e.path
	}

	var doc struct {
		Roles map[string][]string `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("capability: parse policy %s: %w", source, err)
	}
	if len(doc.Roles) == 0 {
		return fmt.Errorf("capability: policy %s grants no roles", source)
	}

	e.mu.Lock()
	e.roles = doc.Roles
	e.mu.Unlock()
	return nil
}
