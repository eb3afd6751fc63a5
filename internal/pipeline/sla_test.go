package pipeline

import (
	"testing"
	"time"

	"github.com/pitabwire/pipeline/model"
)

func TestClassify(t *testing.T) {
	stage := model.StageDefinition{
		ID: "new",
		SLAThresholds: []model.SLAThreshold{
			{Band: model.BandGreen, Minutes: 15},
			{Band: model.BandYellow, Minutes: 60},
		},
	}
	now := testEpoch

	tests := []struct {
		name string
		age  time.Duration
		want model.Band
	}{
		{"fresh", 0, model.BandGreen},
		{"ten minutes", 10 * time.Minute, model.BandGreen},
		{"just under first cutoff", 14*time.Minute + 59940*time.Millisecond, model.BandGreen},
		{"exactly first cutoff", 15 * time.Minute, model.BandYellow},
		{"forty-five minutes", 45 * time.Minute, model.BandYellow},
		{"exactly last cutoff", 60 * time.Minute, model.BandRed},
		{"ninety minutes", 90 * time.Minute, model.BandRed},
		{"clock skew", -5 * time.Minute, model.BandGreen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(stage, now, now.Add(-tt.age)); got != tt.want {
				t.Errorf("Classify(age %v) = %q, want %q", tt.age, got, tt.want)
			}
		})
	}
}

func TestClassify_overflowBand(t *testing.T) {
	stage := model.StageDefinition{
		SLAThresholds: []model.SLAThreshold{{Band: model.BandGreen, Minutes: 15}},
		OverflowBand:  model.BandOverdue,
	}
	if got := Classify(stage, testEpoch, testEpoch.Add(-90*time.Minute)); got != model.BandOverdue {
		t.Errorf("Classify() = %q, want overdue", got)
	}
}

func TestClassify_noThresholds(t *testing.T) {
	if got := Classify(model.StageDefinition{}, testEpoch, testEpoch); got != model.BandRed {
		t.Errorf("Classify() = %q, want red", got)
	}
}

func TestClassify_deterministic(t *testing.T) {
	stage := acmeDefinition().Stages[1]
	entered := testEpoch.Add(-50 * time.Hour)
	first := Classify(stage, testEpoch, entered)
	for i := 0; i < 100; i++ {
		if got := Classify(stage, testEpoch, entered); got != first {
			t.Fatalf("Classify() = %q on call %d, want %q", got, i, first)
		}
	}
}

func TestAge(t *testing.T) {
	if got := Age(testEpoch, testEpoch.Add(-3*time.Hour)); got != 3*time.Hour {
		t.Errorf("Age() = %v, want 3h", got)
	}
	if got := Age(testEpoch, testEpoch.Add(time.Hour)); got != 0 {
		t.Errorf("Age(future entry) = %v, want 0", got)
	}
}
