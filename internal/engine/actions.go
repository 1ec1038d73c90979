package engine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"impactrun/internal/domain"
	"impactrun/internal/engine/plan"
	"impactrun/internal/evaluation"
	"impactrun/internal/events"
	"impactrun/internal/repo"
)

// SubmitResultsOptions are the parameters for a measurement submission
// against an action's success criteria.
type SubmitResultsOptions struct {
	ActionID  string
	Indicator string
	Baseline  float64
	Current   float64
	ActorID   string
	ActorName string
}

// SubmitOutcome reports what a submission did to the state machine:
// the stored result, the parent action afterwards, and the corrective
// attempt generated when the target was missed.
type SubmitOutcome struct {
	Result     domain.ActionResult
	Action     domain.ExecutionAction
	Corrective *domain.CorrectiveAction
}

// SubmitResults evaluates a measurement for an in-progress action.
// Meeting the target moves the action to pending_validation; missing it
// generates a corrective attempt, or escalates once attempts run out.
func (e Engine) SubmitResults(ctx context.Context, opts SubmitResultsOptions) (SubmitOutcome, error) {
	if e.Config == nil {
		return SubmitOutcome{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitOutcome{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionTx(ctx, tx, opts.ActionID)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if a.Status != domain.ActionInProgress {
		return SubmitOutcome{}, invalidStatef("action", string(a.Status), "action %s must be in_progress to accept results, got %s", a.ID, a.Status)
	}
	if opts.Indicator != a.SuccessCriteria.Indicator {
		return SubmitOutcome{}, validationf("indicator", "got %q, action measures %q", opts.Indicator, a.SuccessCriteria.Indicator)
	}
	if opts.Baseline != a.SuccessCriteria.Baseline {
		return SubmitOutcome{}, validationf("baseline", "got %v, success criteria fix it at %v", opts.Baseline, a.SuccessCriteria.Baseline)
	}

	exec, err := e.Repo.GetExecutionTx(ctx, tx, a.ExecutionID)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if exec.Status != domain.ExecutionActive {
		return SubmitOutcome{}, invalidStatef("execution", string(exec.Status), "execution %s is %s; results require an active execution", exec.ID, exec.Status)
	}

	// A reopened action is working its latest corrective attempt, so the
	// submission doubles as that attempt's re-measurement and must settle
	// it either way.
	var open *domain.CorrectiveAction
	if a.Corrective.AttemptsUsed > 0 {
		c, err := e.Repo.LatestCorrectiveTx(ctx, tx, a.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return SubmitOutcome{}, err
		}
		if err == nil && c.Status == domain.CorrectiveInProgress {
			open = &c
		}
	}

	calc := evaluation.CalculateResults(opts.Baseline, opts.Current, a.SuccessCriteria.Target)
	eval := evaluation.EvaluateAchievement(calc.AchievementPercentage)
	nowStr := e.nowStr()
	result := domain.ActionResult{
		ID:                uuid.New().String(),
		ExecutionID:       a.ExecutionID,
		ExecutionActionID: a.ID,
		LFAID:             a.LFAID,
		Indicator:         opts.Indicator,
		Values: domain.ResultValues{
			Baseline: opts.Baseline,
			Current:  opts.Current,
			Target:   a.SuccessCriteria.Target,
		},
		Calculated:      calc,
		Evaluation:      eval,
		SubmittedBy:     opts.ActorID,
		SubmittedByName: opts.ActorName,
		SubmittedAt:     nowStr,
	}
	if open != nil {
		result.IsCorrectiveResult = true
		result.CorrectiveActionID = &open.ID
	}
	if err := e.Repo.InsertResultTx(ctx, tx, result); err != nil {
		return SubmitOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "result.submitted", a.ExecutionID, "result", result.ID, opts.ActorID, events.EventPayload{
		"action_id":              a.ID,
		"achievement_percentage": calc.AchievementPercentage,
		"result":                 eval.Result,
		"next_action":            eval.NextAction,
	}); err != nil {
		return SubmitOutcome{}, err
	}

	out := SubmitOutcome{Result: result}
	if eval.NextAction == evaluation.NextUnlock {
		if open != nil {
			if err := ensureCorrectiveTransition(open.Status, domain.CorrectiveCompleted); err != nil {
				return SubmitOutcome{}, err
			}
			open.Status = domain.CorrectiveCompleted
			open.CompletedAt = &nowStr
			open.Timeline.ActualCompletionDate = &nowStr
			xp := open.Gamification.BaseXP
			open.Gamification.XPEarned = &xp
			if err := e.Repo.UpdateCorrectiveTx(ctx, tx, *open); err != nil {
				return SubmitOutcome{}, err
			}
			if err := e.Events.Append(ctx, tx, "corrective.completed", a.ExecutionID, "corrective", open.ID, opts.ActorID, events.EventPayload{
				"attempt_number": open.AttemptNumber,
				"xp_earned":      xp,
			}); err != nil {
				return SubmitOutcome{}, err
			}
		}
		if err := ensureActionTransition(a.Status, domain.ActionPendingValidation); err != nil {
			return SubmitOutcome{}, err
		}
		a.Status = domain.ActionPendingValidation
		if err := e.Repo.UpdateActionTx(ctx, tx, a); err != nil {
			return SubmitOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "action.pending_validation", a.ExecutionID, "action", a.ID, opts.ActorID, events.EventPayload{}); err != nil {
			return SubmitOutcome{}, err
		}
	} else {
		if open != nil {
			if err := ensureCorrectiveTransition(open.Status, domain.CorrectiveFailed); err != nil {
				return SubmitOutcome{}, err
			}
			open.Status = domain.CorrectiveFailed
			open.CompletedAt = &nowStr
			if err := e.Repo.UpdateCorrectiveTx(ctx, tx, *open); err != nil {
				return SubmitOutcome{}, err
			}
			if err := e.Events.Append(ctx, tx, "corrective.failed", a.ExecutionID, "corrective", open.ID, opts.ActorID, events.EventPayload{
				"attempt_number": open.AttemptNumber,
			}); err != nil {
				return SubmitOutcome{}, err
			}
		}
		corr, updated, err := e.generateCorrectiveTx(ctx, tx, a, result, opts.ActorID)
		if err != nil {
			return SubmitOutcome{}, err
		}
		a = updated
		out.Corrective = corr
	}
	out.Action = a
	if err := tx.Commit(); err != nil {
		return SubmitOutcome{}, err
	}
	return out, nil
}

// generateCorrectiveTx creates the next corrective attempt for a parent
// action, or escalates it when the attempt cap is already spent.
func (e Engine) generateCorrectiveTx(ctx context.Context, tx *sql.Tx, parent domain.ExecutionAction, trigger domain.ActionResult, actorID string) (*domain.CorrectiveAction, domain.ExecutionAction, error) {
	maxAttempts := e.Config.Corrective.MaxAttempts
	used, err := e.Repo.CountAttemptsTx(ctx, tx, parent.ID)
	if err != nil {
		return nil, parent, err
	}
	nowStr := e.nowStr()
	if used >= maxAttempts {
		if err := ensureActionTransition(parent.Status, domain.ActionEscalated); err != nil {
			return nil, parent, err
		}
		parent.Status = domain.ActionEscalated
		parent.Corrective.CanHaveMoreCorrective = false
		if err := e.Repo.UpdateActionTx(ctx, tx, parent); err != nil {
			return nil, parent, err
		}
		if err := e.Events.Append(ctx, tx, "action.escalated", parent.ExecutionID, "action", parent.ID, actorID, events.EventPayload{
			"attempts_used": used,
			"max_attempts":  maxAttempts,
		}); err != nil {
			return nil, parent, err
		}
		return nil, parent, nil
	}

	attempt := used + 1
	content := plan.GenerateCorrective(parent, trigger.Calculated.AchievementPercentage, attempt)
	baseXP := int(math.Floor(float64(parent.Gamification.BaseXP) * e.Config.Corrective.XPFactor))
	deadline := e.now().AddDate(0, 0, parent.Timeline.EstimatedDurationDays)
	corr := domain.CorrectiveAction{
		ID:                 uuid.New().String(),
		ParentActionID:     parent.ID,
		TriggeringResultID: trigger.ID,
		ExecutionID:        parent.ExecutionID,
		LFAID:              parent.LFAID,
		AttemptNumber:      attempt,
		Description:        content.Description,
		Rationale:          content.Rationale,
		SpecificSteps:      content.Steps,
		Timeline: domain.CorrectiveTimeline{
			Deadline:              deadline.UTC().Format(time.RFC3339),
			EstimatedDurationDays: parent.Timeline.EstimatedDurationDays,
		},
		SuccessCriteria: parent.SuccessCriteria,
		Status:          domain.CorrectivePending,
		Gamification:    domain.CorrectiveGamification{BaseXP: baseXP},
		AIDiagnosis:     &content.Diagnosis,
		CreatedAt:       nowStr,
	}
	if err := e.Repo.InsertCorrectiveTx(ctx, tx, corr); err != nil {
		return nil, parent, err
	}

	if parent.Status != domain.ActionCorrectiveRequired {
		if err := ensureActionTransition(parent.Status, domain.ActionCorrectiveRequired); err != nil {
			return nil, parent, err
		}
		parent.Status = domain.ActionCorrectiveRequired
	}
	parent.Corrective.AttemptsUsed = attempt
	parent.Corrective.CanHaveMoreCorrective = attempt < maxAttempts
	if err := e.Repo.UpdateActionTx(ctx, tx, parent); err != nil {
		return nil, parent, err
	}
	if err := e.Events.Append(ctx, tx, "corrective.created", parent.ExecutionID, "corrective", corr.ID, actorID, events.EventPayload{
		"parent_action_id": parent.ID,
		"attempt_number":   attempt,
	}); err != nil {
		return nil, parent, err
	}
	return &corr, parent, nil
}

// AcceptCorrective acknowledges a pending corrective attempt. The
// parent action stays in corrective_required until ReopenAction.
func (e Engine) AcceptCorrective(ctx context.Context, correctiveID, actorID string) (domain.CorrectiveAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CorrectiveAction{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCorrectiveTx(ctx, tx, correctiveID)
	if err != nil {
		return c, err
	}
	if err := ensureCorrectiveTransition(c.Status, domain.CorrectiveAccepted); err != nil {
		return c, err
	}
	nowStr := e.nowStr()
	c.Status = domain.CorrectiveAccepted
	c.AcceptedAt = &nowStr
	if err := e.Repo.UpdateCorrectiveTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "corrective.accepted", c.ExecutionID, "corrective", c.ID, actorID, events.EventPayload{
		"attempt_number": c.AttemptNumber,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// ReopenAction puts a corrective_required action back to in_progress so
// new results can be submitted, moving its accepted corrective to
// in_progress alongside.
func (e Engine) ReopenAction(ctx context.Context, actionID, actorID string) (domain.ExecutionAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return a, err
	}
	if err := ensureActionTransition(a.Status, domain.ActionInProgress); err != nil {
		return a, err
	}
	c, err := e.Repo.LatestCorrectiveTx(ctx, tx, actionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return a, invalidStatef("action", string(a.Status), "action %s has no corrective attempt to work on", a.ID)
		}
		return a, err
	}
	if err := ensureCorrectiveTransition(c.Status, domain.CorrectiveInProgress); err != nil {
		return a, err
	}
	a.Status = domain.ActionInProgress
	c.Status = domain.CorrectiveInProgress
	if err := e.Repo.UpdateActionTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateCorrectiveTx(ctx, tx, c); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "action.reopened", a.ExecutionID, "action", a.ID, actorID, events.EventPayload{
		"corrective_id":  c.ID,
		"attempt_number": c.AttemptNumber,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// CompleteCorrectiveOptions carry the re-measurement for a corrective
// attempt.
type CompleteCorrectiveOptions struct {
	CorrectiveID string
	Current      float64
	ActorID      string
	ActorName    string
}

// CorrectiveOutcome reports how a corrective attempt ended: Resolved
// means the parent action completed; otherwise NextCorrective holds the
// follow-up attempt, or the parent escalated.
type CorrectiveOutcome struct {
	Corrective     domain.CorrectiveAction
	Action         domain.ExecutionAction
	Result         domain.ActionResult
	Resolved       bool
	NextCorrective *domain.CorrectiveAction
}

// CompleteCorrective evaluates a corrective attempt's re-measurement.
// Reaching the unlock band completes both the attempt and the parent
// action at reduced XP; failing burns the attempt and either generates
// the next one or escalates the parent.
func (e Engine) CompleteCorrective(ctx context.Context, opts CompleteCorrectiveOptions) (CorrectiveOutcome, error) {
	if e.Config == nil {
		return CorrectiveOutcome{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CorrectiveOutcome{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCorrectiveTx(ctx, tx, opts.CorrectiveID)
	if err != nil {
		return CorrectiveOutcome{}, err
	}
	switch c.Status {
	case domain.CorrectivePending, domain.CorrectiveAccepted, domain.CorrectiveInProgress:
	default:
		return CorrectiveOutcome{}, invalidStatef("corrective", string(c.Status), "corrective %s already ended as %s", c.ID, c.Status)
	}
	parent, err := e.Repo.GetActionTx(ctx, tx, c.ParentActionID)
	if err != nil {
		return CorrectiveOutcome{}, err
	}

	calc := evaluation.CalculateResults(c.SuccessCriteria.Baseline, opts.Current, c.SuccessCriteria.Target)
	eval := evaluation.EvaluateAchievement(calc.AchievementPercentage)
	nowStr := e.nowStr()
	result := domain.ActionResult{
		ID:                 uuid.New().String(),
		ExecutionID:        c.ExecutionID,
		ExecutionActionID:  parent.ID,
		LFAID:              c.LFAID,
		Indicator:          c.SuccessCriteria.Indicator,
		Values: domain.ResultValues{
			Baseline: c.SuccessCriteria.Baseline,
			Current:  opts.Current,
			Target:   c.SuccessCriteria.Target,
		},
		Calculated:         calc,
		Evaluation:         eval,
		IsCorrectiveResult: true,
		CorrectiveActionID: &c.ID,
		SubmittedBy:        opts.ActorID,
		SubmittedByName:    opts.ActorName,
		SubmittedAt:        nowStr,
	}
	if err := e.Repo.InsertResultTx(ctx, tx, result); err != nil {
		return CorrectiveOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "result.submitted", c.ExecutionID, "result", result.ID, opts.ActorID, events.EventPayload{
		"action_id":              parent.ID,
		"corrective_id":          c.ID,
		"achievement_percentage": calc.AchievementPercentage,
		"result":                 eval.Result,
		"next_action":            eval.NextAction,
	}); err != nil {
		return CorrectiveOutcome{}, err
	}

	out := CorrectiveOutcome{Result: result}
	if eval.NextAction == evaluation.NextUnlock {
		if err := ensureCorrectiveTransition(c.Status, domain.CorrectiveCompleted); err != nil {
			return CorrectiveOutcome{}, err
		}
		c.Status = domain.CorrectiveCompleted
		c.CompletedAt = &nowStr
		c.Timeline.ActualCompletionDate = &nowStr
		xp := c.Gamification.BaseXP
		c.Gamification.XPEarned = &xp
		if err := e.Repo.UpdateCorrectiveTx(ctx, tx, c); err != nil {
			return CorrectiveOutcome{}, err
		}
		if err := ensureActionTransition(parent.Status, domain.ActionCompleted); err != nil {
			return CorrectiveOutcome{}, err
		}
		parent.Status = domain.ActionCompleted
		parent.Timeline.ActualCompletionDate = &nowStr
		parent.Gamification.XPEarned = &xp
		if err := e.Repo.UpdateActionTx(ctx, tx, parent); err != nil {
			return CorrectiveOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "corrective.completed", c.ExecutionID, "corrective", c.ID, opts.ActorID, events.EventPayload{
			"attempt_number": c.AttemptNumber,
			"xp_earned":      xp,
		}); err != nil {
			return CorrectiveOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "action.completed", c.ExecutionID, "action", parent.ID, opts.ActorID, events.EventPayload{
			"via_corrective": c.ID,
		}); err != nil {
			return CorrectiveOutcome{}, err
		}
		parent, err = e.unlockNextActionTx(ctx, tx, parent, opts.ActorID)
		if err != nil {
			return CorrectiveOutcome{}, err
		}
		out.Resolved = true
	} else {
		if err := ensureCorrectiveTransition(c.Status, domain.CorrectiveFailed); err != nil {
			return CorrectiveOutcome{}, err
		}
		c.Status = domain.CorrectiveFailed
		c.CompletedAt = &nowStr
		if err := e.Repo.UpdateCorrectiveTx(ctx, tx, c); err != nil {
			return CorrectiveOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "corrective.failed", c.ExecutionID, "corrective", c.ID, opts.ActorID, events.EventPayload{
			"attempt_number": c.AttemptNumber,
		}); err != nil {
			return CorrectiveOutcome{}, err
		}
		next, updated, err := e.generateCorrectiveTx(ctx, tx, parent, result, opts.ActorID)
		if err != nil {
			return CorrectiveOutcome{}, err
		}
		parent = updated
		out.NextCorrective = next
	}
	out.Corrective = c
	out.Action = parent
	if err := tx.Commit(); err != nil {
		return CorrectiveOutcome{}, err
	}
	return out, nil
}

// ValidateAction confirms a pending_validation action, awards its XP
// and opens the next action in the level.
func (e Engine) ValidateAction(ctx context.Context, actionID, actorID string) (domain.ExecutionAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return a, err
	}
	if err := ensureActionTransition(a.Status, domain.ActionCompleted); err != nil {
		return a, err
	}
	nowStr := e.nowStr()
	a.Status = domain.ActionCompleted
	a.Timeline.ActualCompletionDate = &nowStr
	xp := a.Gamification.BaseXP
	a.Gamification.XPEarned = &xp
	if err := e.Repo.UpdateActionTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "action.completed", a.ExecutionID, "action", a.ID, actorID, events.EventPayload{
		"xp_earned": xp,
	}); err != nil {
		return a, err
	}
	a, err = e.unlockNextActionTx(ctx, tx, a, actorID)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// unlockNextActionTx opens the next locked action in the completed
// action's level, if any, and refreshes the level progress counters.
func (e Engine) unlockNextActionTx(ctx context.Context, tx *sql.Tx, completed domain.ExecutionAction, actorID string) (domain.ExecutionAction, error) {
	next, err := e.Repo.FirstIncompleteActionTx(ctx, tx, completed.ExecutionLevelID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return completed, err
	}
	nowStr := e.nowStr()
	if err == nil && next.Status == domain.ActionLocked {
		if err := ensureActionTransition(next.Status, domain.ActionInProgress); err != nil {
			return completed, err
		}
		next.Status = domain.ActionInProgress
		next.Timeline.ActualStartDate = &nowStr
		if err := e.Repo.UpdateActionTx(ctx, tx, next); err != nil {
			return completed, err
		}
		if err := e.Events.Append(ctx, tx, "action.started", completed.ExecutionID, "action", next.ID, actorID, events.EventPayload{
			"sequence_number": next.SequenceNumber,
		}); err != nil {
			return completed, err
		}
	}

	lvl, err := e.Repo.GetLevelTx(ctx, tx, completed.ExecutionLevelID)
	if err != nil {
		return completed, err
	}
	var done int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM execution_actions WHERE execution_level_id=? AND status=?`,
		lvl.ID, string(domain.ActionCompleted)).Scan(&done); err != nil {
		return completed, err
	}
	lvl.Progress.CompletedActions = done
	if lvl.Progress.TotalActions > 0 {
		lvl.Progress.CompletionPercentage = int(math.Round(float64(done) / float64(lvl.Progress.TotalActions) * 100))
	}
	if err := e.Repo.UpdateLevelTx(ctx, tx, lvl); err != nil {
		return completed, err
	}
	return completed, nil
}

// CurrentActionInfo is the answer to "what should this execution work
// on now".
type CurrentActionInfo struct {
	State    string
	Level    *domain.ExecutionLevel
	Action   *domain.ExecutionAction
	Previous *domain.ExecutionAction
}

const (
	StateActionAvailable    = "action_available"
	StateLevelCompleted     = "level_completed"
	StateExecutionCompleted = "execution_completed"
)

// CurrentAction resolves the execution's active level and its first
// incomplete action. It is read-only and idempotent.
func (e Engine) CurrentAction(ctx context.Context, executionID string) (CurrentActionInfo, error) {
	if _, err := e.Repo.GetExecution(ctx, executionID); err != nil {
		return CurrentActionInfo{}, err
	}
	lvl, err := e.Repo.CurrentLevel(ctx, executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CurrentActionInfo{State: StateExecutionCompleted}, nil
		}
		return CurrentActionInfo{}, err
	}
	a, err := e.Repo.FirstIncompleteAction(ctx, lvl.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CurrentActionInfo{State: StateLevelCompleted, Level: &lvl}, nil
		}
		return CurrentActionInfo{}, err
	}
	info := CurrentActionInfo{State: StateActionAvailable, Level: &lvl, Action: &a}
	if prev, err := e.Repo.PreviousAction(ctx, a); err == nil {
		info.Previous = &prev
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CurrentActionInfo{}, err
	}
	return info, nil
}
