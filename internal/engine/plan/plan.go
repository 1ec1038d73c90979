// Package plan materializes execution levels and actions from a plan
// template, and generates corrective-attempt content for actions that
// missed their targets.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"impactrun/internal/config"
	"impactrun/internal/domain"
)

// Materialized is the full set of rows produced for a new execution.
type Materialized struct {
	Levels  []domain.ExecutionLevel
	Actions []domain.ExecutionAction
}

// Materialize expands a validated plan template into level and action
// rows for one execution. Level 1 starts in_progress with its first
// action active; everything else starts locked. Timestamps are derived
// from now using the template's day offsets.
func Materialize(tpl config.PlanTemplate, executionID, lfaID string, defaultBaseXP, maxAttempts int, now time.Time) Materialized {
	nowStr := now.UTC().Format(time.RFC3339)
	var out Materialized
	for _, lt := range tpl.Levels {
		levelID := uuid.New().String()
		levelStart := now.AddDate(0, 0, lt.StartOffsetDays)
		levelEnd := levelStart.AddDate(0, 0, lt.DurationDays)
		lvl := domain.ExecutionLevel{
			ID:          levelID,
			ExecutionID: executionID,
			LFAID:       lfaID,
			LevelNumber: lt.Number,
			Name:        lt.Name,
			Description: lt.Description,
			Status:      domain.LevelLocked,
			Timeline: domain.LevelTimeline{
				ExpectedStartDate: levelStart.UTC().Format(time.RFC3339),
				ExpectedEndDate:   levelEnd.UTC().Format(time.RFC3339),
			},
			Progress: domain.LevelProgress{
				TotalActions: len(lt.Actions),
			},
			MappedImpactIDs:  lt.MappedImpactIDs,
			MappedOutcomeIDs: lt.MappedOutcomeIDs,
			CreatedAt:        nowStr,
		}
		if lt.Number == 1 {
			lvl.Status = domain.LevelInProgress
			lvl.Timeline.ActualStartDate = &nowStr
		}
		out.Levels = append(out.Levels, lvl)

		var prevActionID *string
		for _, at := range lt.Actions {
			baseXP := at.BaseXP
			if baseXP == 0 {
				baseXP = defaultBaseXP
			}
			deadline := levelStart.AddDate(0, 0, at.DeadlineOffsetDays)
			action := domain.ExecutionAction{
				ID:               uuid.New().String(),
				ExecutionID:      executionID,
				ExecutionLevelID: levelID,
				LFAID:            lfaID,
				LevelNumber:      lt.Number,
				SequenceNumber:   at.Sequence,
				Description:      at.Description,
				DetailedSteps:    steps(at.DetailedSteps),
				Timeline: domain.ActionTimeline{
					Deadline:              deadline.UTC().Format(time.RFC3339),
					EstimatedDurationDays: at.EstimatedDurationDays,
				},
				SuccessCriteria: domain.SuccessCriteria{
					Indicator:         at.Indicator,
					IndicatorType:     at.IndicatorType,
					MeasurementMethod: at.MeasurementMethod,
					Baseline:          at.Baseline,
					Target:            at.Target,
					MinimumAcceptable: at.MinimumAcceptable,
				},
				Status: domain.ActionLocked,
				Gamification: domain.ActionGamification{
					BaseXP:      baseXP,
					PotentialXP: baseXP,
				},
				Corrective: domain.CorrectiveTracking{
					MaxAttempts:           maxAttempts,
					CanHaveMoreCorrective: true,
				},
				PredecessorActionID: prevActionID,
				CreatedAt:           nowStr,
			}
			if lt.Number == 1 && at.Sequence == 1 {
				action.Status = domain.ActionInProgress
				action.Timeline.ActualStartDate = &nowStr
			}
			id := action.ID
			prevActionID = &id
			out.Actions = append(out.Actions, action)
		}
	}
	return out
}

func steps(descriptions []string) []domain.ActionStep {
	var res []domain.ActionStep
	for i, d := range descriptions {
		res = append(res, domain.ActionStep{StepNumber: i + 1, Description: d})
	}
	return res
}

// CorrectiveContent is the generated body of a corrective attempt.
// Generation is deterministic; an external diagnosis service can replace
// this once one is wired in.
type CorrectiveContent struct {
	Description string
	Rationale   string
	Steps       []domain.ActionStep
	Diagnosis   domain.AIDiagnosis
}

// GenerateCorrective produces attempt content for a parent action whose
// latest result fell short of target.
func GenerateCorrective(parent domain.ExecutionAction, achievementPct float64, attempt int) CorrectiveContent {
	rationale := "Initial attempt did not meet target"
	if attempt > 1 {
		rationale = fmt.Sprintf("Corrective attempt %d reached %.2f%% of target", attempt-1, achievementPct)
	}
	return CorrectiveContent{
		Description: fmt.Sprintf("Improve outcome for %s", parent.Description),
		Rationale:   rationale,
		Steps: []domain.ActionStep{
			{StepNumber: 1, Description: fmt.Sprintf("Review data for indicator %q and identify the gap to target", parent.SuccessCriteria.Indicator)},
			{StepNumber: 2, Description: "Adjust delivery approach with the implementation team"},
			{StepNumber: 3, Description: "Re-measure the indicator after the adjustment period"},
		},
		Diagnosis: domain.AIDiagnosis{
			RootCause:           "Insufficient implementation fidelity",
			ContributingFactors: []string{"Training gap", "Time constraints"},
			Confidence:          0.75,
		},
	}
}
