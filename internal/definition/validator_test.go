package definition

import (
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/pipeline/model"
)

func intPtr(n int) *int { return &n }

func validPipeline() model.PipelineDefinition {
	return model.PipelineDefinition{
		Tenant:     "acme",
		Version:    "1",
		EntryStage: "new",
		Stages: []model.StageDefinition{
			{ID: "new", Order: 1, SLAThresholds: []model.SLAThreshold{{Band: model.BandGreen, Minutes: 15}, {Band: model.BandYellow, Minutes: 60}}},
			{ID: "quoted", Order: 2, WIPLimit: intPtr(2)},
			{ID: "archived", Order: 3, Archive: true},
		},
		Transitions: []model.TransitionDefinition{
			{From: "new", To: "quoted", RequiredPayloadKeys: []string{"quote_id"}},
			{From: "quoted", To: "archived"},
			{From: "archived", To: "new", Reopen: true},
		},
		Rules: []model.AutomationRule{
			{ID: "stale", Condition: model.RuleCondition{Stage: "quoted", MinAge: 72 * time.Hour},
				Action: model.RuleAction{Kind: model.RuleActionFlag, Notify: model.NotificationStale}},
			{ID: "dormant", Condition: model.RuleCondition{Stage: "quoted", MinAge: 720 * time.Hour},
				Action: model.RuleAction{Kind: model.RuleActionTransition, ToStage: "archived"}},
		},
	}
}

func codesAt(errs []VError) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Path] = e.Code
	}
	return out
}

func TestValidator_validPipeline(t *testing.T) {
	if errs := NewValidator().Validate([]model.PipelineDefinition{validPipeline()}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no problems", errs)
	}
}

func TestValidator_reportsEveryProblem(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/invalid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	got := codesAt(NewValidator().Validate(defs))

	want := map[string]string{
		"pipelines[broken].entry_stage":                         CodeUnknown,
		"pipelines[broken].stages[0].wip_limit":                 CodeInvalid,
		"pipelines[broken].stages[0].sla_thresholds[1].band":    CodeInvalid,
		"pipelines[broken].stages[0].sla_thresholds[1].minutes": CodeInvalid,
		"pipelines[broken].stages[1].id":                        CodeDuplicate,
		"pipelines[broken].transitions[0].to":                   CodeUnknown,
		"pipelines[broken].rules[0].condition.min_age":          CodeInvalid,
		"pipelines[broken].rules[0].action.kind":                CodeInvalid,
	}
	for path, code := range want {
		if got[path] != code {
			t.Errorf("%s = %q, want %q", path, got[path], code)
		}
	}
}

func TestValidator_rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.PipelineDefinition)
		path   string
		code   string
	}{
		{
			name:   "transition rule without edge",
			mutate: func(d *model.PipelineDefinition) { d.Rules[1].Condition.Stage = "new" },
			path:   "pipelines[acme].rules[1].action.to_stage",
			code:   CodeInvalid,
		},
		{
			name:   "flag rule with unknown notify kind",
			mutate: func(d *model.PipelineDefinition) { d.Rules[0].Action.Notify = "urgent" },
			path:   "pipelines[acme].rules[0].action.notify",
			code:   CodeInvalid,
		},
		{
			name:   "rule on archive stage",
			mutate: func(d *model.PipelineDefinition) { d.Rules[0].Condition.Stage = "archived" },
			path:   "pipelines[acme].rules[0].condition.stage",
			code:   CodeInvalid,
		},
		{
			name:   "duplicate rule id",
			mutate: func(d *model.PipelineDefinition) { d.Rules[1].ID = "stale" },
			path:   "pipelines[acme].rules[1].id",
			code:   CodeDuplicate,
		},
		{
			name:   "reopen from live stage",
			mutate: func(d *model.PipelineDefinition) { d.Transitions[0].Reopen = true },
			path:   "pipelines[acme].transitions[0].reopen",
			code:   CodeInvalid,
		},
		{
			name:   "duplicate edge",
			mutate: func(d *model.PipelineDefinition) { d.Transitions[1] = d.Transitions[0] },
			path:   "pipelines[acme].transitions[1]",
			code:   CodeDuplicate,
		},
		{
			name:   "wip limit on archive stage",
			mutate: func(d *model.PipelineDefinition) { d.Stages[2].WIPLimit = intPtr(10) },
			path:   "pipelines[acme].stages[2].wip_limit",
			code:   CodeInvalid,
		},
		{
			name:   "entry stage archives",
			mutate: func(d *model.PipelineDefinition) { d.EntryStage = "archived" },
			path:   "pipelines[acme].entry_stage",
			code:   CodeInvalid,
		},
		{
			name:   "unknown overflow band",
			mutate: func(d *model.PipelineDefinition) { d.Stages[0].OverflowBand = "amber" },
			path:   "pipelines[acme].stages[0].overflow_band",
			code:   CodeInvalid,
		},
		{
			name:   "missing version",
			mutate: func(d *model.PipelineDefinition) { d.Version = "" },
			path:   "pipelines[acme].version",
			code:   CodeRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validPipeline()
			tt.mutate(&def)
			got := codesAt(NewValidator().Validate([]model.PipelineDefinition{def}))
			if got[tt.path] != tt.code {
				t.Errorf("%s = %q, want %q (all: %v)", tt.path, got[tt.path], tt.code, got)
			}
		})
	}
}

func TestValidator_duplicateTenant(t *testing.T) {
	a, b := validPipeline(), validPipeline()
	b.SourceFile = "b.yaml"
	errs := NewValidator().Validate([]model.PipelineDefinition{a, b})
	if got := codesAt(errs)["pipelines[acme].tenant"]; got != CodeDuplicate {
		t.Errorf("tenant code = %q, want DUPLICATE", got)
	}
}

func TestAsConfigError(t *testing.T) {
	if AsConfigError(nil) != nil {
		t.Error("AsConfigError(nil) should be nil")
	}
	err := AsConfigError([]VError{
		{Path: "p.a", Code: CodeRequired, Message: "a is required"},
		{Path: "p.b", Code: CodeInvalid, Message: "b is bad"},
	})
	if !model.IsCode(err, model.ErrConfigError) {
		t.Fatalf("code = %q, want CONFIG_ERROR", model.ErrorCode(err))
	}
	ee := err.(*model.ErrorEnvelope)
	if len(ee.Details) != 2 || !strings.Contains(ee.Details[1].Message, "b is bad") {
		t.Errorf("details = %+v", ee.Details)
	}
}
