package reasoning

import (
	"testing"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func TestFactorSeedsAtInitialValue(t *testing.T) {
	c := NewCalibrator()
	f := c.Factor("model-1", store.EffortMedium, store.RequestAnswer)
	if f != initialFactor {
		t.Errorf("expected cold factor %v, got %v", initialFactor, f)
	}
}

func TestUpdateMovesFactorTowardRatio(t *testing.T) {
	c := NewCalibrator()
	before := c.Factor("model-1", store.EffortMedium, store.RequestAnswer)
	c.Update("model-1", store.EffortMedium, store.RequestAnswer, 1.4)
	after := c.Factor("model-1", store.EffortMedium, store.RequestAnswer)
	if after <= before {
		t.Errorf("expected factor to move toward a higher ratio, before=%v after=%v", before, after)
	}
}

func TestUpdateClampsToBounds(t *testing.T) {
	c := NewCalibrator()
	for i := 0; i < 50; i++ {
		c.Update("model-1", store.EffortHigh, store.RequestVote, 10.0)
	}
	f := c.Factor("model-1", store.EffortHigh, store.RequestVote)
	if f > maxFactor {
		t.Errorf("expected factor clamped at %v, got %v", maxFactor, f)
	}

	for i := 0; i < 50; i++ {
		c.Update("model-1", store.EffortHigh, store.RequestVote, 0.01)
	}
	f = c.Factor("model-1", store.EffortHigh, store.RequestVote)
	if f < minFactor {
		t.Errorf("expected factor clamped at %v, got %v", minFactor, f)
	}
}

func TestUpdateIgnoresNonPositiveRatio(t *testing.T) {
	c := NewCalibrator()
	before := c.Factor("model-1", store.EffortLow, store.RequestPrompt)
	c.Update("model-1", store.EffortLow, store.RequestPrompt, 0)
	c.Update("model-1", store.EffortLow, store.RequestPrompt, -1)
	after := c.Factor("model-1", store.EffortLow, store.RequestPrompt)
	if before != after {
		t.Errorf("expected non-positive ratios to be ignored, before=%v after=%v", before, after)
	}
}

func TestFactorKeysAreIndependentPerDimension(t *testing.T) {
	c := NewCalibrator()
	c.Update("model-1", store.EffortHigh, store.RequestAnswer, 1.4)
	other := c.Factor("model-1", store.EffortLow, store.RequestAnswer)
	if other != initialFactor {
		t.Errorf("expected a different reasoning effort to have its own untouched factor, got %v", other)
	}
}
