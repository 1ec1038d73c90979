package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"impactrun/internal/config"
	"impactrun/internal/domain"
	"impactrun/internal/engine/plan"
	"impactrun/internal/events"
	"impactrun/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateLFA registers a program design stub. Authoring happens
// upstream; only name and owning organization are recorded here.
func (e Engine) CreateLFA(ctx context.Context, organizationID, name, actorID string) (domain.LFA, error) {
	if name == "" {
		return domain.LFA{}, validationf("name", "required")
	}
	if organizationID == "" {
		return domain.LFA{}, validationf("organization_id", "required")
	}
	now := e.nowStr()
	l := domain.LFA{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Name:           name,
		Status:         domain.LFADraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LFA{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO lfas(id,organization_id,name,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		l.ID, l.OrganizationID, l.Name, string(l.Status), l.CreatedAt, l.UpdatedAt); err != nil {
		return domain.LFA{}, fmt.Errorf("insert lfa: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "lfa.created", "", "lfa", l.ID, actorID, events.EventPayload{"name": l.Name}); err != nil {
		return domain.LFA{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LFA{}, err
	}
	return l, nil
}

// LockLFA freezes a draft design so an execution can be created from it.
func (e Engine) LockLFA(ctx context.Context, lfaID, actorID string) (domain.LFA, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LFA{}, err
	}
	defer tx.Rollback()
	l, err := e.Repo.GetLFATx(ctx, tx, lfaID)
	if err != nil {
		return l, err
	}
	if err := ensureLFATransition(l.Status, domain.LFALocked); err != nil {
		return l, err
	}
	now := e.nowStr()
	if err := e.Repo.UpdateLFAStatusTx(ctx, tx, l.ID, domain.LFALocked, now); err != nil {
		return l, err
	}
	if err := e.Events.Append(ctx, tx, "lfa.locked", "", "lfa", l.ID, actorID, events.EventPayload{}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Status = domain.LFALocked
	l.LockedAt = &now
	l.UpdatedAt = now
	return l, nil
}

// CreateExecution materializes the plan template into a new execution
// for a locked LFA. Level 1 and its first action open immediately.
func (e Engine) CreateExecution(ctx context.Context, lfaID, actorID string) (domain.Execution, error) {
	if e.Config == nil {
		return domain.Execution{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLFATx(ctx, tx, lfaID)
	if err != nil {
		return domain.Execution{}, err
	}
	// The duplicate check runs first: once an execution exists the LFA
	// sits in in_execution, and that case must read as a conflict, not
	// a bad LFA status.
	if existing, err := e.Repo.GetActiveExecutionByLFA(ctx, tx, lfaID); err == nil {
		return domain.Execution{}, conflictf("lfa %s already has execution %s in status %s", lfaID, existing.ID, existing.Status)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Execution{}, err
	}
	if l.Status != domain.LFALocked {
		return domain.Execution{}, invalidStatef("lfa", string(l.Status), "lfa %s must be locked before execution, got %s", lfaID, l.Status)
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	exec := domain.Execution{
		ID:                 uuid.New().String(),
		LFAID:              l.ID,
		LFAName:            l.Name,
		OrganizationID:     l.OrganizationID,
		Status:             domain.ExecutionActive,
		CurrentLevelNumber: 1,
		StartedAt:          &nowStr,
		CreatedAt:          nowStr,
	}
	m := plan.Materialize(e.Config.Plan, exec.ID, l.ID, e.Config.Gamification.DefaultActionBaseXP, e.Config.Corrective.MaxAttempts, now)
	exec.Stats = domain.ExecutionStats{
		TotalLevels:  len(m.Levels),
		TotalActions: len(m.Actions),
	}

	if err := e.Repo.InsertExecutionTx(ctx, tx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	for _, lvl := range m.Levels {
		if err := e.Repo.InsertLevelTx(ctx, tx, lvl); err != nil {
			return domain.Execution{}, fmt.Errorf("insert level %d: %w", lvl.LevelNumber, err)
		}
	}
	for _, a := range m.Actions {
		if err := e.Repo.InsertActionTx(ctx, tx, a); err != nil {
			return domain.Execution{}, fmt.Errorf("insert action %d.%d: %w", a.LevelNumber, a.SequenceNumber, err)
		}
	}
	if err := e.Repo.UpdateLFAStatusTx(ctx, tx, l.ID, domain.LFAInExecution, nowStr); err != nil {
		return domain.Execution{}, err
	}
	if err := e.Events.Append(ctx, tx, "execution.created", exec.ID, "execution", exec.ID, actorID, events.EventPayload{
		"lfa_id":        l.ID,
		"total_levels":  exec.Stats.TotalLevels,
		"total_actions": exec.Stats.TotalActions,
	}); err != nil {
		return domain.Execution{}, err
	}
	for _, lvl := range m.Levels {
		if lvl.Status == domain.LevelInProgress {
			if err := e.Events.Append(ctx, tx, "level.started", exec.ID, "level", lvl.ID, actorID, events.EventPayload{"level_number": lvl.LevelNumber}); err != nil {
				return domain.Execution{}, err
			}
		}
	}
	for _, a := range m.Actions {
		if a.Status == domain.ActionInProgress {
			if err := e.Events.Append(ctx, tx, "action.started", exec.ID, "action", a.ID, actorID, events.EventPayload{"sequence_number": a.SequenceNumber}); err != nil {
				return domain.Execution{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// PauseExecution suspends an active execution.
func (e Engine) PauseExecution(ctx context.Context, id, actorID string) (domain.Execution, error) {
	return e.setExecutionStatus(ctx, id, domain.ExecutionPaused, "execution.paused", actorID)
}

// ResumeExecution returns a paused execution to active.
func (e Engine) ResumeExecution(ctx context.Context, id, actorID string) (domain.Execution, error) {
	return e.setExecutionStatus(ctx, id, domain.ExecutionActive, "execution.resumed", actorID)
}

// AbandonExecution terminally ends an execution and releases the LFA
// for a fresh one.
func (e Engine) AbandonExecution(ctx context.Context, id, actorID string) (domain.Execution, error) {
	return e.setExecutionStatus(ctx, id, domain.ExecutionAbandoned, "execution.abandoned", actorID)
}

func (e Engine) setExecutionStatus(ctx context.Context, id string, target domain.ExecutionStatus, evtType, actorID string) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	exec, err := e.Repo.GetExecutionTx(ctx, tx, id)
	if err != nil {
		return exec, err
	}
	if err := ensureExecutionTransition(exec.Status, target, false); err != nil {
		return exec, err
	}
	if err := e.Repo.UpdateExecutionStatusTx(ctx, tx, id, target); err != nil {
		return exec, err
	}
	if target == domain.ExecutionAbandoned {
		if err := e.Repo.UpdateLFAStatusTx(ctx, tx, exec.LFAID, domain.LFALocked, e.nowStr()); err != nil {
			return exec, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, exec.ID, "execution", exec.ID, actorID, events.EventPayload{
		"from": string(exec.Status),
		"to":   string(target),
	}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	exec.Status = target
	return exec, nil
}

// CompleteLevel closes a fully-worked level and opens the next one.
// Execution completion itself happens only through CheckAndComplete.
func (e Engine) CompleteLevel(ctx context.Context, levelID, actorID string) (domain.ExecutionLevel, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionLevel{}, err
	}
	defer tx.Rollback()

	lvl, err := e.Repo.GetLevelTx(ctx, tx, levelID)
	if err != nil {
		return lvl, err
	}
	if err := ensureLevelTransition(lvl.Status, domain.LevelCompleted); err != nil {
		return lvl, err
	}
	if _, err := e.Repo.FirstIncompleteActionTx(ctx, tx, lvl.ID); err == nil {
		return lvl, invalidStatef("level", string(lvl.Status), "level %d still has incomplete actions", lvl.LevelNumber)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return lvl, err
	}

	nowStr := e.nowStr()
	lvl.Status = domain.LevelCompleted
	lvl.Timeline.ActualEndDate = &nowStr
	lvl.Progress.CompletedActions = lvl.Progress.TotalActions
	lvl.Progress.CompletionPercentage = 100
	if lvl.Gamification != nil {
		lvl.Gamification.XPEarned = lvl.Gamification.BaseXP + lvl.Gamification.CompletionBonusXP
	}
	if err := e.Repo.UpdateLevelTx(ctx, tx, lvl); err != nil {
		return lvl, err
	}
	if err := e.Events.Append(ctx, tx, "level.completed", lvl.ExecutionID, "level", lvl.ID, actorID, events.EventPayload{"level_number": lvl.LevelNumber}); err != nil {
		return lvl, err
	}

	next, err := e.Repo.NextLockedLevelTx(ctx, tx, lvl.ExecutionID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return lvl, err
	}
	if err == nil {
		if err := ensureLevelTransition(next.Status, domain.LevelInProgress); err != nil {
			return lvl, err
		}
		next.Status = domain.LevelInProgress
		next.Timeline.ActualStartDate = &nowStr
		if err := e.Repo.UpdateLevelTx(ctx, tx, next); err != nil {
			return lvl, err
		}
		if err := e.Events.Append(ctx, tx, "level.started", lvl.ExecutionID, "level", next.ID, actorID, events.EventPayload{"level_number": next.LevelNumber}); err != nil {
			return lvl, err
		}
		first, err := e.Repo.FirstIncompleteActionTx(ctx, tx, next.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return lvl, err
		}
		if err == nil && first.Status == domain.ActionLocked {
			if err := ensureActionTransition(first.Status, domain.ActionInProgress); err != nil {
				return lvl, err
			}
			first.Status = domain.ActionInProgress
			first.Timeline.ActualStartDate = &nowStr
			if err := e.Repo.UpdateActionTx(ctx, tx, first); err != nil {
				return lvl, err
			}
			if err := e.Events.Append(ctx, tx, "action.started", lvl.ExecutionID, "action", first.ID, actorID, events.EventPayload{"sequence_number": first.SequenceNumber}); err != nil {
				return lvl, err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET current_level_number=? WHERE id=?`, next.LevelNumber, lvl.ExecutionID); err != nil {
			return lvl, err
		}
	}
	if err := tx.Commit(); err != nil {
		return lvl, err
	}
	return lvl, nil
}

// CheckAndComplete is the completion sweep: it recomputes aggregates
// and, when every level is completed, moves the execution to completed.
// It is the only path to execution completion.
func (e Engine) CheckAndComplete(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	exec, err := e.recomputeStatsTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	remaining, err := e.Repo.CountRemainingLevelsTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	if remaining == 0 && exec.Status == domain.ExecutionActive {
		if err := ensureExecutionTransition(exec.Status, domain.ExecutionCompleted, true); err != nil {
			return exec, err
		}
		if err := e.Repo.UpdateExecutionStatusTx(ctx, tx, exec.ID, domain.ExecutionCompleted); err != nil {
			return exec, err
		}
		if err := e.Events.Append(ctx, tx, "execution.completed", exec.ID, "execution", exec.ID, actorID, events.EventPayload{
			"total_xp_earned": exec.TotalXPEarned,
		}); err != nil {
			return exec, err
		}
		exec.Status = domain.ExecutionCompleted
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return exec, nil
}

// RecomputeStats rebuilds the execution's aggregate block from its
// levels, actions and results.
func (e Engine) RecomputeStats(ctx context.Context, executionID string) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	exec, err := e.recomputeStatsTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return exec, nil
}

func (e Engine) recomputeStatsTx(ctx context.Context, tx *sql.Tx, executionID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	actions, err := e.Repo.ListActionsByExecutionTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	results, err := e.Repo.ListResultsByExecutionTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}

	stats := domain.ExecutionStats{
		TotalLevels:  exec.Stats.TotalLevels,
		TotalActions: len(actions),
	}
	remaining, err := e.Repo.CountRemainingLevelsTx(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	stats.CompletedLevels = stats.TotalLevels - remaining

	totalXP := 0
	completedOnTime := 0
	for _, a := range actions {
		switch a.Status {
		case domain.ActionCompleted:
			stats.CompletedActions++
			if a.Timeline.ActualCompletionDate != nil && *a.Timeline.ActualCompletionDate <= a.Timeline.Deadline {
				completedOnTime++
			}
		case domain.ActionEscalated:
			stats.EscalatedActions++
		}
		if a.Corrective.AttemptsUsed > 0 {
			stats.ActionsWithCorrections++
		}
		if a.Gamification.XPEarned != nil {
			totalXP += *a.Gamification.XPEarned
		}
	}
	if stats.CompletedActions > 0 {
		stats.OnTimeCompletionRate = math.Round(float64(completedOnTime)/float64(stats.CompletedActions)*10000) / 100
	}

	// latest result per action wins; results arrive in submission order
	latest := map[string]float64{}
	for _, r := range results {
		latest[r.ExecutionActionID] = r.Calculated.AchievementPercentage
	}
	if len(latest) > 0 {
		sum := 0.0
		for _, pct := range latest {
			sum += pct
		}
		stats.AverageAchievementPercentage = math.Round(sum/float64(len(latest))*100) / 100
	}

	exec.Stats = stats
	exec.TotalXPEarned = totalXP
	if stats.TotalActions > 0 {
		exec.OverallCompletionPercent = int(math.Round(float64(stats.CompletedActions) / float64(stats.TotalActions) * 100))
	}
	if lvl, err := e.Repo.CurrentLevelTx(ctx, tx, executionID); err == nil {
		exec.CurrentLevelNumber = lvl.LevelNumber
	} else if !errors.Is(err, repo.ErrNotFound) {
		return exec, err
	}
	if err := e.Repo.UpdateExecutionAggregatesTx(ctx, tx, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// --- status transitions ---

func ensureLFATransition(oldStatus, newStatus domain.LFAStatus) error {
	switch oldStatus {
	case domain.LFADraft:
		if newStatus == domain.LFALocked {
			return nil
		}
	case domain.LFALocked:
		if newStatus == domain.LFAInExecution {
			return nil
		}
	case domain.LFAInExecution:
		// abandoning an execution releases the LFA
		if newStatus == domain.LFALocked {
			return nil
		}
	}
	return invalidStatef("lfa", string(oldStatus), "invalid lfa transition %s -> %s", oldStatus, newStatus)
}

func ensureExecutionTransition(oldStatus, newStatus domain.ExecutionStatus, viaSweep bool) error {
	switch oldStatus {
	case domain.ExecutionActive:
		if newStatus == domain.ExecutionPaused || newStatus == domain.ExecutionAbandoned {
			return nil
		}
		if newStatus == domain.ExecutionCompleted && viaSweep {
			return nil
		}
	case domain.ExecutionPaused:
		if newStatus == domain.ExecutionActive || newStatus == domain.ExecutionAbandoned {
			return nil
		}
	}
	return invalidStatef("execution", string(oldStatus), "invalid execution transition %s -> %s", oldStatus, newStatus)
}

func ensureLevelTransition(oldStatus, newStatus domain.LevelStatus) error {
	switch oldStatus {
	case domain.LevelLocked:
		if newStatus == domain.LevelInProgress {
			return nil
		}
	case domain.LevelInProgress:
		if newStatus == domain.LevelCompleted {
			return nil
		}
	}
	return invalidStatef("level", string(oldStatus), "invalid level transition %s -> %s", oldStatus, newStatus)
}

func ensureActionTransition(oldStatus, newStatus domain.ActionStatus) error {
	switch oldStatus {
	case domain.ActionLocked:
		if newStatus == domain.ActionInProgress {
			return nil
		}
	case domain.ActionInProgress:
		switch newStatus {
		case domain.ActionPendingValidation, domain.ActionCorrectiveRequired, domain.ActionEscalated:
			return nil
		}
	case domain.ActionPendingValidation:
		if newStatus == domain.ActionCompleted {
			return nil
		}
	case domain.ActionCorrectiveRequired:
		switch newStatus {
		case domain.ActionInProgress, domain.ActionEscalated, domain.ActionCompleted:
			return nil
		}
	}
	return invalidStatef("action", string(oldStatus), "invalid action transition %s -> %s", oldStatus, newStatus)
}

func ensureCorrectiveTransition(oldStatus, newStatus domain.CorrectiveStatus) error {
	switch oldStatus {
	case domain.CorrectivePending:
		switch newStatus {
		case domain.CorrectiveAccepted, domain.CorrectiveCompleted, domain.CorrectiveFailed:
			return nil
		}
	case domain.CorrectiveAccepted:
		switch newStatus {
		case domain.CorrectiveInProgress, domain.CorrectiveCompleted, domain.CorrectiveFailed:
			return nil
		}
	case domain.CorrectiveInProgress:
		switch newStatus {
		case domain.CorrectiveCompleted, domain.CorrectiveFailed:
			return nil
		}
	}
	return invalidStatef("corrective", string(oldStatus), "invalid corrective transition %s -> %s", oldStatus, newStatus)
}
