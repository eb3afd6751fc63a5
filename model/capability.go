package model

import "strings"

// Capabilities checked by the HTTP layer.
const (
	CapCardsRead       = "pipeline:cards:read"
	CapCardsWrite      = "pipeline:cards:write"
	CapCardsTransition = "pipeline:cards:transition"
	CapAutomationSweep = "pipeline:automation:sweep"
	CapAdminReload     = "pipeline:admin:reload"
)

// CapabilitySet is the set of capabilities granted to a caller. Keys may end
// in ":*" to grant a whole namespace, and "*" grants everything.
type CapabilitySet map[string]bool

// Has returns true if the set grants cap exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if every cap is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, c := range caps {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}

func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, strings.TrimSuffix(pattern, "*"))
}

// CapabilityResolver resolves the capability set for a caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}
