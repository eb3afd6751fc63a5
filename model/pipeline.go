package model

import "time"

// Band is a discrete SLA urgency classification.
type Band string

// Known SLA bands, from least to most urgent.
const (
	BandGreen   Band = "green"
	BandYellow  Band = "yellow"
	BandRed     Band = "red"
	BandOverdue Band = "overdue"
)

var bandSeverity = map[Band]int{
	BandGreen:   0,
	BandYellow:  1,
	BandRed:     2,
	BandOverdue: 3,
}

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	_, ok := bandSeverity[b]
	return ok
}

// Severity orders bands by urgency. Unknown bands sort last.
func (b Band) Severity() int {
	if s, ok := bandSeverity[b]; ok {
		return s
	}
	return len(bandSeverity)
}

// SLAThreshold is one (band, cutoff) pair: a card is in Band while its age in
// the stage is strictly below Minutes.
type SLAThreshold struct {
	Band    Band    `yaml:"band" json:"band"`
	Minutes float64 `yaml:"minutes" json:"minutes"`
}

// StageDefinition describes a node of a tenant's stage graph.
type StageDefinition struct {
	ID            string         `yaml:"id" json:"id"`
	Label         string         `yaml:"label" json:"label"`
	Order         int            `yaml:"order" json:"order"`
	WIPLimit      *int           `yaml:"wip_limit,omitempty" json:"wip_limit,omitempty"`
	SLAThresholds []SLAThreshold `yaml:"sla_thresholds,omitempty" json:"sla_thresholds,omitempty"`
	OverflowBand  Band           `yaml:"overflow_band,omitempty" json:"overflow_band,omitempty"`
	Archive       bool           `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// WorstBand returns the band used once every threshold is exceeded.
func (s StageDefinition) WorstBand() Band {
	if s.OverflowBand != "" {
		return s.OverflowBand
	}
	return BandRed
}

// HasWIPLimit reports whether the stage is capacity-constrained.
func (s StageDefinition) HasWIPLimit() bool {
	return s.WIPLimit != nil
}

// TransitionDefinition is a directed edge of the stage graph. ModalID is
// opaque to the engine and only tells the UI which capture form to show.
type TransitionDefinition struct {
	From                string   `yaml:"from" json:"from"`
	To                  string   `yaml:"to" json:"to"`
	RequiredPayloadKeys []string `yaml:"required_payload_keys,omitempty" json:"required_payload_keys,omitempty"`
	ModalID             string   `yaml:"modal_id,omitempty" json:"modal_id,omitempty"`
	Reopen              bool     `yaml:"reopen,omitempty" json:"reopen,omitempty"`
}

// Automation rule action kinds.
const (
	RuleActionFlag       = "flag"
	RuleActionTransition = "transition"
)

// Notification kinds emitted by flag actions.
const (
	NotificationStale   = "stale"
	NotificationDormant = "dormant"
)

// RuleCondition matches cards sitting in Stage for at least MinAge.
type RuleCondition struct {
	Stage  string        `yaml:"stage" json:"stage"`
	MinAge time.Duration `yaml:"min_age" json:"min_age"`
}

// RuleAction is what a matched rule does. Flag actions set Marker on the
// card payload and emit a Notify event; transition actions request a move to
// ToStage carrying Payload as the delta.
type RuleAction struct {
	Kind    string  `yaml:"kind" json:"kind"`
	Marker  string  `yaml:"marker,omitempty" json:"marker,omitempty"`
	Notify  string  `yaml:"notify,omitempty" json:"notify,omitempty"`
	ToStage string  `yaml:"to_stage,omitempty" json:"to_stage,omitempty"`
	Payload Payload `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// AutomationRule is a time-triggered condition/action pair. Rules are
// evaluated in declaration order.
type AutomationRule struct {
	ID          string        `yaml:"id" json:"id"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   RuleCondition `yaml:"condition" json:"condition"`
	Action      RuleAction    `yaml:"action" json:"action"`
}

// MarkerKey returns the payload key a flag action sets.
func (r AutomationRule) MarkerKey() string {
	if r.Action.Marker != "" {
		return r.Action.Marker
	}
	return "automation_" + r.ID
}

// PipelineDefinition is the full configuration of one tenant's pipeline.
type PipelineDefinition struct {
	Tenant      string                 `yaml:"tenant" json:"tenant"`
	Version     string                 `yaml:"version" json:"version"`
	Name        string                 `yaml:"name,omitempty" json:"name,omitempty"`
	EntryStage  string                 `yaml:"entry_stage" json:"entry_stage"`
	Stages      []StageDefinition      `yaml:"stages" json:"stages"`
	Transitions []TransitionDefinition `yaml:"transitions" json:"transitions"`
	Rules       []AutomationRule       `yaml:"rules,omitempty" json:"rules,omitempty"`

	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// NotificationEvent is emitted fire-and-forget when a flag rule fires.
type NotificationEvent struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	CardID   string    `json:"card_id"`
	RuleID   string    `json:"rule_id"`
	Kind     string    `json:"kind"`
	Stage    string    `json:"stage"`
	At       time.Time `json:"at"`
}
