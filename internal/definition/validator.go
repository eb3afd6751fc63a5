package definition

import (
	"fmt"

	"github.com/pitabwire/pipeline/model"
)

// VError describes a single validation problem in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation problem codes.
const (
	CodeRequired  = "REQUIRED"
	CodeDuplicate = "DUPLICATE"
	CodeUnknown   = "UNKNOWN_REFERENCE"
	CodeInvalid   = "INVALID"
)

// Validator checks definitions structurally and referentially. It never
// stops at the first problem.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every definition and returns all problems found.
func (v *Validator) Validate(defs []model.PipelineDefinition) []VError {
	var errs []VError
	tenants := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("pipelines[%d]", i)
		if def.Tenant != "" {
			prefix = fmt.Sprintf("pipelines[%s]", def.Tenant)
			if first, dup := tenants[def.Tenant]; dup {
				errs = append(errs, VError{Path: prefix + ".tenant", Code: CodeDuplicate,
					Message: fmt.Sprintf("tenant %q is also defined in %s", def.Tenant, first)})
			} else {
				tenants[def.Tenant] = sourceName(def, i)
			}
		}
		errs = append(errs, v.validatePipeline(prefix, def)...)
	}
	return errs
}

// AsConfigError folds validation problems into a single CONFIG_ERROR, or
// returns nil when there are none.
func AsConfigError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	problems := make([]string, len(errs))
	for i, e := range errs {
		problems[i] = e.Error()
	}
	return model.NewConfigError(fmt.Sprintf("%d pipeline definition problem(s)", len(errs)), problems...)
}

func (v *Validator) validatePipeline(prefix string, def model.PipelineDefinition) []VError {
	var errs []VError
	add := func(path, code, format string, args ...any) {
		errs = append(errs, VError{Path: prefix + path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if def.Tenant == "" {
		add(".tenant", CodeRequired, "tenant is required")
	}
	if def.Version == "" {
		add(".version", CodeRequired, "version is required")
	}
	if len(def.Stages) == 0 {
		add(".stages", CodeRequired, "at least one stage is required")
	}

	stages := make(map[string]model.StageDefinition, len(def.Stages))
	for i, s := range def.Stages {
		sp := fmt.Sprintf(".stages[%d]", i)
		if s.ID == "" {
			add(sp+".id", CodeRequired, "stage id is required")
			continue
		}
		if _, dup := stages[s.ID]; dup {
			add(sp+".id", CodeDuplicate, "stage %q is defined more than once", s.ID)
		}
		stages[s.ID] = s
		errs = append(errs, validateStage(prefix+sp, s)...)
	}

	switch {
	case def.EntryStage == "":
		add(".entry_stage", CodeRequired, "entry_stage is required")
	case !hasStage(stages, def.EntryStage):
		add(".entry_stage", CodeUnknown, "entry_stage %q is not a defined stage", def.EntryStage)
	case stages[def.EntryStage].Archive:
		add(".entry_stage", CodeInvalid, "entry_stage %q must not be an archive stage", def.EntryStage)
	}

	edges := make(map[[2]string]bool, len(def.Transitions))
	for i, t := range def.Transitions {
		tp := fmt.Sprintf(".transitions[%d]", i)
		if !hasStage(stages, t.From) {
			add(tp+".from", CodeUnknown, "from stage %q is not defined", t.From)
		}
		if !hasStage(stages, t.To) {
			add(tp+".to", CodeUnknown, "to stage %q is not defined", t.To)
		}
		key := [2]string{t.From, t.To}
		if edges[key] {
			add(tp, CodeDuplicate, "transition %s -> %s is defined more than once", t.From, t.To)
		}
		edges[key] = true
		if t.Reopen && hasStage(stages, t.From) && !stages[t.From].Archive {
			add(tp+".reopen", CodeInvalid, "reopen edges must leave an archive stage, %q is not one", t.From)
		}
		for j, k := range t.RequiredPayloadKeys {
			if k == "" {
				add(fmt.Sprintf("%s.required_payload_keys[%d]", tp, j), CodeRequired, "payload key must not be empty")
			}
		}
	}

	ruleIDs := make(map[string]bool, len(def.Rules))
	for i, r := range def.Rules {
		rp := fmt.Sprintf(".rules[%d]", i)
		if r.ID == "" {
			add(rp+".id", CodeRequired, "rule id is required")
		} else if ruleIDs[r.ID] {
			add(rp+".id", CodeDuplicate, "rule %q is defined more than once", r.ID)
		}
		ruleIDs[r.ID] = true

		if !hasStage(stages, r.Condition.Stage) {
			add(rp+".condition.stage", CodeUnknown, "stage %q is not defined", r.Condition.Stage)
		} else if stages[r.Condition.Stage].Archive {
			add(rp+".condition.stage", CodeInvalid, "archived cards are never swept, stage %q cannot match", r.Condition.Stage)
		}
		if r.Condition.MinAge <= 0 {
			add(rp+".condition.min_age", CodeInvalid, "min_age must be positive")
		}

		switch r.Action.Kind {
		case model.RuleActionFlag:
			if r.Action.Notify != model.NotificationStale && r.Action.Notify != model.NotificationDormant {
				add(rp+".action.notify", CodeInvalid, "notify must be %q or %q", model.NotificationStale, model.NotificationDormant)
			}
		case model.RuleActionTransition:
			if !hasStage(stages, r.Action.ToStage) {
				add(rp+".action.to_stage", CodeUnknown, "to_stage %q is not defined", r.Action.ToStage)
			} else if !edges[[2]string{r.Condition.Stage, r.Action.ToStage}] {
				add(rp+".action.to_stage", CodeInvalid, "no transition from %q to %q", r.Condition.Stage, r.Action.ToStage)
			}
		default:
			add(rp+".action.kind", CodeInvalid, "action kind %q is not one of flag, transition", r.Action.Kind)
		}
	}

	return errs
}

func validateStage(prefix string, s model.StageDefinition) []VError {
	var errs []VError
	if s.WIPLimit != nil && *s.WIPLimit <= 0 {
		errs = append(errs, VError{Path: prefix + ".wip_limit", Code: CodeInvalid, Message: "wip_limit must be a positive integer"})
	}
	if s.WIPLimit != nil && s.Archive {
		// Archived cards are never counted as live.
		errs = append(errs, VError{Path: prefix + ".wip_limit", Code: CodeInvalid, Message: "wip_limit is not allowed on an archive stage"})
	}
	if s.OverflowBand != "" && !s.OverflowBand.Valid() {
		errs = append(errs, VError{Path: prefix + ".overflow_band", Code: CodeInvalid, Message: fmt.Sprintf("unknown band %q", s.OverflowBand)})
	}
	prev := 0.0
	for i, th := range s.SLAThresholds {
		tp := fmt.Sprintf("%s.sla_thresholds[%d]", prefix, i)
		if !th.Band.Valid() {
			errs = append(errs, VError{Path: tp + ".band", Code: CodeInvalid, Message: fmt.Sprintf("unknown band %q", th.Band)})
		}
		if th.Minutes <= prev {
			errs = append(errs, VError{Path: tp + ".minutes", Code: CodeInvalid, Message: "thresholds must be positive and strictly ascending"})
		}
		prev = th.Minutes
	}
	return errs
}

func hasStage(stages map[string]model.StageDefinition, id string) bool {
	_, ok := stages[id]
	return ok
}

func sourceName(def model.PipelineDefinition, i int) string {
	if def.SourceFile != "" {
		return def.SourceFile
	}
	return fmt.Sprintf("pipelines[%d]", i)
}
