// Package evaluation converts raw measurements into achievement
// percentages and progression decisions. Everything here is pure: no
// storage, no clock, total over all real inputs.
package evaluation

import (
	"math"

	"impactrun/internal/domain"
)

// Next-action decisions returned by EvaluateAchievement.
const (
	NextUnlock              = "UNLOCK"
	NextCorrectiveRequired  = "CORRECTIVE_REQUIRED"
	NextCorrectiveMandatory = "CORRECTIVE_MANDATORY"
)

// Result categories.
const (
	ResultExcellent      = "excellent"
	ResultSatisfactory   = "satisfactory"
	ResultBelowTarget    = "below_target"
	ResultUnsatisfactory = "unsatisfactory"
)

// CalculateResults derives improvement metrics from a measurement.
// A non-positive target improvement (target at or below baseline) pins
// the achievement percentage to zero.
func CalculateResults(baseline, current, target float64) domain.CalculatedResults {
	improvement := current - baseline
	targetImprovement := target - baseline
	pct := 0.0
	if targetImprovement > 0 {
		pct = round2(improvement / targetImprovement * 100)
	}
	return domain.CalculatedResults{
		Improvement:           improvement,
		TargetImprovement:     targetImprovement,
		AchievementPercentage: pct,
	}
}

// EvaluateAchievement maps an achievement percentage onto the four-tier
// ladder, top down, first match wins. The two top tiers unlock
// progression; the two bottom tiers both route to corrective
// generation and differ only in the reported severity.
func EvaluateAchievement(achievementPercentage float64) domain.EvaluationResult {
	switch {
	case achievementPercentage >= 100:
		return domain.EvaluationResult{
			Result:     ResultExcellent,
			NextAction: NextUnlock,
			Message:    "Target fully achieved",
		}
	case achievementPercentage >= 80:
		return domain.EvaluationResult{
			Result:     ResultSatisfactory,
			NextAction: NextUnlock,
			Message:    "Minimum acceptable target achieved",
		}
	case achievementPercentage >= 50:
		return domain.EvaluationResult{
			Result:     ResultBelowTarget,
			NextAction: NextCorrectiveRequired,
			Message:    "Below target, corrective required",
		}
	default:
		return domain.EvaluationResult{
			Result:     ResultUnsatisfactory,
			NextAction: NextCorrectiveMandatory,
			Message:    "Significantly below target",
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
