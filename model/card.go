package model

import (
	"reflect"
	"strings"
	"time"
)

// Card is a single workflow item (lead, deal, job) tracked through a tenant's
// pipeline.
type Card struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Stage          string    `json:"stage"`
	EnteredStageAt time.Time `json:"entered_stage_at"`
	Payload        Payload   `json:"payload"`
	IsArchived     bool      `json:"is_archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int       `json:"version"`
}

// Clone returns a copy of the card that shares no mutable state with c.
func (c Card) Clone() Card {
	c.Payload = c.Payload.Clone()
	return c
}

// Payload is the key/value data captured on a card across transitions.
// Keys are additive: Merge never removes a key.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new payload holding p overlaid with delta. Keys present in
// delta overwrite those in p; nil values in delta are ignored so a key can
// never be cleared by a later transition.
func (p Payload) Merge(delta Payload) Payload {
	out := p.Clone()
	for k, v := range delta {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// Has reports whether key is present with a non-empty value. Blank strings
// and empty collections count as absent.
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(tv) != ""
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// Missing returns the subset of keys that Has reports absent, preserving the
// order of keys.
func (p Payload) Missing(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if !p.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Audit entry kinds. A created entry has an empty FromStage; a flag entry
// has FromStage == ToStage.
const (
	AuditKindCreated    = "created"
	AuditKindTransition = "transition"
	AuditKindFlag       = "flag"
)

// AuditEntry is an immutable record of a committed change to a card.
type AuditEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	CardID       string    `json:"card_id"`
	Kind         string    `json:"kind"`
	FromStage    string    `json:"from_stage"`
	ToStage      string    `json:"to_stage"`
	At           time.Time `json:"at"`
	Actor        string    `json:"actor"`
	PayloadDelta Payload   `json:"payload_delta,omitempty"`
}

const automationActorPrefix = "automation:"

// AutomationActor returns the actor recorded for changes made by a rule.
func AutomationActor(ruleID string) string {
	return automationActorPrefix + ruleID
}

// IsAutomationActor reports whether actor was produced by AutomationActor.
func IsAutomationActor(actor string) bool {
	return strings.HasPrefix(actor, automationActorPrefix)
}
