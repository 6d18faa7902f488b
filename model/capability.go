package model

import "strings"

// Capabilities gating the onboarding API.
const (
	CapCatalogView        = "catalog:view"
	CapContractorsView    = "contractors:view"
	CapContractorsCreate  = "contractors:create"
	CapContractorsDelete  = "contractors:delete"
	CapStepsComplete      = "contractors:steps:complete"
	CapStatusTransition   = "contractors:status:transition"
	CapContractorActivate = "contractors:activate"
	CapContractorDecline  = "contractors:decline"
)

// CapabilitySet holds the capabilities a caller's roles grant. Entries are
// exact names or prefix grants ending in ":*"; a lone "*" grants everything.
type CapabilitySet map[string]bool

// Has reports whether cap is granted exactly or by a prefix grant.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] || cs["*"] {
		return true
	}
	for grant := range cs {
		if prefix, ok := strings.CutSuffix(grant, "*"); ok && strings.HasSuffix(prefix, ":") &&
			strings.HasPrefix(cap, prefix) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of caps is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, c := range caps {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}

// CapabilityResolver returns the capabilities of an authenticated caller,
// typically from a cache in front of a PolicyEvaluator.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator computes capabilities from the caller's roles.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
}
