// Package capability maps caller roles to pipeline capabilities and caches
// the result per caller.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/pipeline/model"
)

// PolicySource computes the capability set for a caller without caching.
type PolicySource interface {
	Capabilities(rctx *model.RequestContext) (model.CapabilitySet, error)
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory TTL cache
// in front of a PolicySource.
type Resolver struct {
	source PolicySource
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

// NewResolver creates a Resolver. A non-positive ttl disables caching.
func NewResolver(source PolicySource, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Roles are part of the key because they come from the token and can change
// between requests of the same subject.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(roles, ",")
}

// Resolve returns the capability set of rctx.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if r.ttl <= 0 {
		return r.source.Capabilities(rctx)
	}
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.source.Capabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Flush drops every cached entry. Called after the policy file is reloaded.
func (r *Resolver) Flush() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}
