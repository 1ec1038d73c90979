package evaluation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactrun/internal/evaluation"
)

func TestCalculateResults(t *testing.T) {
	tests := []struct {
		name     string
		baseline float64
		current  float64
		target   float64
		improve  float64
		targetIm float64
		pct      float64
	}{
		{"full achievement", 0, 100, 100, 100, 100, 100},
		{"partial achievement", 0, 40, 100, 40, 100, 40},
		{"mid range baseline", 20, 60, 100, 40, 80, 50},
		{"target equals baseline", 50, 80, 50, 30, 0, 0},
		{"target below baseline", 50, 80, 30, 30, -20, 0},
		{"regression below baseline", 10, 5, 100, -5, 90, -5.56},
		{"overachievement", 0, 150, 100, 150, 100, 150},
		{"fractional rounding", 0, 1, 3, 1, 3, 33.33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluation.CalculateResults(tt.baseline, tt.current, tt.target)
			assert.Equal(t, tt.improve, got.Improvement)
			assert.Equal(t, tt.targetIm, got.TargetImprovement)
			assert.Equal(t, tt.pct, got.AchievementPercentage)
		})
	}
}

func TestEvaluateAchievementLadder(t *testing.T) {
	tests := []struct {
		pct        float64
		result     string
		nextAction string
	}{
		{150, evaluation.ResultExcellent, evaluation.NextUnlock},
		{100, evaluation.ResultExcellent, evaluation.NextUnlock},
		{99.99, evaluation.ResultSatisfactory, evaluation.NextUnlock},
		{80, evaluation.ResultSatisfactory, evaluation.NextUnlock},
		{79.99, evaluation.ResultBelowTarget, evaluation.NextCorrectiveRequired},
		{50, evaluation.ResultBelowTarget, evaluation.NextCorrectiveRequired},
		{49.99, evaluation.ResultUnsatisfactory, evaluation.NextCorrectiveMandatory},
		{0, evaluation.ResultUnsatisfactory, evaluation.NextCorrectiveMandatory},
		{-20, evaluation.ResultUnsatisfactory, evaluation.NextCorrectiveMandatory},
	}
	for _, tt := range tests {
		got := evaluation.EvaluateAchievement(tt.pct)
		assert.Equalf(t, tt.result, got.Result, "pct=%v", tt.pct)
		assert.Equalf(t, tt.nextAction, got.NextAction, "pct=%v", tt.pct)
		require.NotEmpty(t, got.Message)
	}
}

// Unlock happens exactly at the minimum-acceptable boundary and above.
func TestUnlockBoundary(t *testing.T) {
	for _, pct := range []float64{-10, 0, 49, 50, 79, 79.999, 80, 80.001, 99, 100, 500} {
		got := evaluation.EvaluateAchievement(pct)
		if pct >= 80 {
			assert.Equalf(t, evaluation.NextUnlock, got.NextAction, "pct=%v", pct)
		} else {
			assert.NotEqualf(t, evaluation.NextUnlock, got.NextAction, "pct=%v", pct)
		}
	}
}
