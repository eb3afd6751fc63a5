package pipeline

import (
	"time"

	"github.com/pitabwire/pipeline/model"
)

// Age returns how long a card has been in its current stage. Clock skew that
// would make the age negative yields zero.
func Age(now, enteredStageAt time.Time) time.Duration {
	d := now.Sub(enteredStageAt)
	if d < 0 {
		return 0
	}
	return d
}

// Classify maps a card's time in stage to an SLA band. It returns the band of
// the first threshold whose cutoff the age is strictly below, else the
// stage's worst band. Classify is pure: the board and the automation sweep
// both call it and must agree.
func Classify(stage model.StageDefinition, now, enteredStageAt time.Time) model.Band {
	minutes := Age(now, enteredStageAt).Minutes()
	for _, th := range stage.SLAThresholds {
		if minutes < th.Minutes {
			return th.Band
		}
	}
	return stage.WorstBand()
}
