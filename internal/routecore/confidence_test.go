package routecore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfidenceFactorPiecewise(t *testing.T) {
	assert.Equal(t, 0.95, ConfidenceFactor(0.95))
	assert.Equal(t, 0.8, ConfidenceFactor(0.8))
	assert.Equal(t, 0.8, ConfidenceFactor(0.65))
	assert.Equal(t, 0.5, ConfidenceFactor(0.59))
	assert.Equal(t, 0.5, ConfidenceFactor(0.3))
	assert.Equal(t, 0.05, ConfidenceFactor(0.29))
}

func TestStabilityBonus(t *testing.T) {
	assert.Equal(t, 1.1, StabilityBonus(false, 0.95, 1.1))
	assert.Equal(t, 1.0, StabilityBonus(true, 0.95, 1.1))
	assert.Equal(t, 1.0, StabilityBonus(false, 0.85, 1.1))
}

func TestEffectiveWeightFloorSurvives(t *testing.T) {
	// A backend with confidence below min_confidence still has nonzero
	// effective weight; the floor never reaches zero.
	w := EffectiveWeight(1.0, 0.1, false, 1.1)
	assert.Greater(t, w, 0.0)
	assert.InDelta(t, 0.05, w, 1e-9)
}

func TestAdvanceStage(t *testing.T) {
	stage, n := AdvanceStage(StageS10, 0)
	assert.Equal(t, StageS30, stage)
	assert.Equal(t, uint32(0), n)

	stage, n = AdvanceStage(StageS30, 0)
	assert.Equal(t, StageS50, stage)
	assert.Equal(t, uint32(0), n)

	stage, n = AdvanceStage(StageS50, 0)
	assert.Equal(t, StageS50, stage)
	assert.Equal(t, uint32(1), n)

	stage, n = AdvanceStage(StageS50, 1)
	assert.Equal(t, StageS50, stage)
	assert.Equal(t, uint32(2), n)

	stage, n = AdvanceStage(StageS50, 2)
	assert.Equal(t, StageFull, stage)
	assert.Equal(t, uint32(0), n)
}

func TestStageWeight(t *testing.T) {
	assert.Equal(t, 0.1, StageWeight(StageS10))
	assert.Equal(t, 0.3, StageWeight(StageS30))
	assert.Equal(t, 0.5, StageWeight(StageS50))
	assert.Equal(t, 1.0, StageWeight(StageFull))
}

func TestDecayTable(t *testing.T) {
	assert.Equal(t, 0.8, Decay(0.8, 30*time.Minute))
	assert.InDelta(t, 0.76, Decay(0.8, 2*time.Hour), 1e-9)
	assert.InDelta(t, 0.72, Decay(0.8, 12*time.Hour), 1e-9)
	assert.InDelta(t, 0.64, Decay(0.8, 2*24*time.Hour), 1e-9)
	assert.InDelta(t, 0.56, Decay(0.8, 10*24*time.Hour), 1e-9)
}

func TestClampConfidenceBounds(t *testing.T) {
	assert.Equal(t, 1.0, ClampConfidence(1.5, 0.3))
	assert.Equal(t, 0.3, ClampConfidence(-0.5, 0.3))
	assert.Equal(t, 0.5, ClampConfidence(0.5, 0.3))
}
