package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"impactrun/internal/config"
	"impactrun/internal/db"
	"impactrun/internal/domain"
	"impactrun/internal/engine"
	"impactrun/internal/evaluation"
	"impactrun/internal/migrate"
	"impactrun/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	LFA    domain.LFA
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	l, err := eng.CreateLFA(ctx, "org-1", "Literacy program", "tester")
	if err != nil {
		t.Fatalf("create lfa: %v", err)
	}
	l, err = eng.LockLFA(ctx, l.ID, "tester")
	if err != nil {
		t.Fatalf("lock lfa: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, LFA: l}
}

func (env testEnv) mustCreateExecution(t *testing.T) domain.Execution {
	t.Helper()
	exec, err := env.Engine.CreateExecution(env.Ctx, env.LFA.ID, "tester")
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return exec
}

func (env testEnv) currentAction(t *testing.T, executionID string) domain.ExecutionAction {
	t.Helper()
	info, err := env.Engine.CurrentAction(env.Ctx, executionID)
	if err != nil {
		t.Fatalf("current action: %v", err)
	}
	if info.Action == nil {
		t.Fatalf("no current action, state=%s", info.State)
	}
	return *info.Action
}

// submit a passing measurement for the current action and validate it
func (env testEnv) passAction(t *testing.T, executionID string) {
	t.Helper()
	a := env.currentAction(t, executionID)
	out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Target,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("submit results: %v", err)
	}
	if out.Action.Status != domain.ActionPendingValidation {
		t.Fatalf("expected pending_validation, got %s", out.Action.Status)
	}
	if _, err := env.Engine.ValidateAction(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("validate action: %v", err)
	}
}

func TestCreateExecutionMaterializesPlan(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	if exec.Status != domain.ExecutionActive {
		t.Fatalf("expected active, got %s", exec.Status)
	}
	if exec.CurrentLevelNumber != 1 {
		t.Fatalf("expected level 1, got %d", exec.CurrentLevelNumber)
	}
	levels, err := env.Engine.Repo.ListLevels(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("list levels: %v", err)
	}
	if len(levels) != exec.Stats.TotalLevels {
		t.Fatalf("expected %d levels, got %d", exec.Stats.TotalLevels, len(levels))
	}
	if levels[0].Status != domain.LevelInProgress {
		t.Fatalf("level 1 should be in_progress, got %s", levels[0].Status)
	}
	for _, lvl := range levels[1:] {
		if lvl.Status != domain.LevelLocked {
			t.Fatalf("level %d should be locked, got %s", lvl.LevelNumber, lvl.Status)
		}
	}
	info, err := env.Engine.CurrentAction(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("current action: %v", err)
	}
	if info.State != engine.StateActionAvailable || info.Action == nil {
		t.Fatalf("expected first action available, state=%s", info.State)
	}
	if info.Action.Status != domain.ActionInProgress || info.Action.SequenceNumber != 1 {
		t.Fatalf("first action should be open: %s seq=%d", info.Action.Status, info.Action.SequenceNumber)
	}
	lfa, err := env.Engine.Repo.GetLFA(env.Ctx, env.LFA.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lfa.Status != domain.LFAInExecution {
		t.Fatalf("lfa should be in_execution, got %s", lfa.Status)
	}
}

func TestCreateExecutionRequiresLockedLFA(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateLFA(env.Ctx, "org-1", "Draft program", "tester")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateExecution(env.Ctx, draft.ID, "tester")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestDuplicateExecutionRejectedUntilAbandoned(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	_, err := env.Engine.CreateExecution(env.Ctx, env.LFA.ID, "tester")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if _, err := env.Engine.AbandonExecution(env.Ctx, exec.ID, "tester"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	// abandoning releases the LFA, so a fresh execution may start
	if _, err := env.Engine.CreateExecution(env.Ctx, env.LFA.ID, "tester"); err != nil {
		t.Fatalf("expected new execution after abandon: %v", err)
	}
}

func TestSubmitResultsUnlockPath(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Target,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Result.Evaluation.NextAction != evaluation.NextUnlock {
		t.Fatalf("expected UNLOCK, got %s", out.Result.Evaluation.NextAction)
	}
	if out.Corrective != nil {
		t.Fatalf("no corrective expected on unlock")
	}
	if out.Action.Status != domain.ActionPendingValidation {
		t.Fatalf("expected pending_validation, got %s", out.Action.Status)
	}
	validated, err := env.Engine.ValidateAction(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.Status != domain.ActionCompleted {
		t.Fatalf("expected completed, got %s", validated.Status)
	}
	if validated.Gamification.XPEarned == nil || *validated.Gamification.XPEarned != validated.Gamification.BaseXP {
		t.Fatalf("expected full base XP on validation")
	}
}

func TestSubmitResultsRejectsIndicatorMismatch(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	_, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: "wrong indicator",
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Target,
		ActorID:   "tester",
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	_, err = env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline + 1,
		Current:   a.SuccessCriteria.Target,
		ActorID:   "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected baseline ValidationError, got %v", err)
	}
}

func TestMissedTargetGeneratesCorrective(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	// 60% of target lands in the below_target band
	current := a.SuccessCriteria.Baseline + (a.SuccessCriteria.Target-a.SuccessCriteria.Baseline)*0.6
	out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   current,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Result.Evaluation.NextAction != evaluation.NextCorrectiveRequired {
		t.Fatalf("expected CORRECTIVE_REQUIRED, got %s", out.Result.Evaluation.NextAction)
	}
	if out.Action.Status != domain.ActionCorrectiveRequired {
		t.Fatalf("expected corrective_required, got %s", out.Action.Status)
	}
	if out.Corrective == nil {
		t.Fatalf("expected generated corrective")
	}
	if out.Corrective.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1, got %d", out.Corrective.AttemptNumber)
	}
	if out.Corrective.Status != domain.CorrectivePending {
		t.Fatalf("expected pending, got %s", out.Corrective.Status)
	}
	wantXP := a.Gamification.BaseXP / 2
	if out.Corrective.Gamification.BaseXP != wantXP {
		t.Fatalf("corrective base XP: want %d, got %d", wantXP, out.Corrective.Gamification.BaseXP)
	}
	if out.Action.Corrective.AttemptsUsed != 1 || !out.Action.Corrective.CanHaveMoreCorrective {
		t.Fatalf("unexpected corrective tracking: %+v", out.Action.Corrective)
	}
}

func TestCorrectiveRecoveryCompletesParent(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Baseline, // zero improvement
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Result.Evaluation.NextAction != evaluation.NextCorrectiveMandatory {
		t.Fatalf("expected CORRECTIVE_MANDATORY, got %s", out.Result.Evaluation.NextAction)
	}
	c := *out.Corrective
	if _, err := env.Engine.AcceptCorrective(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// acceptance alone does not reopen the parent
	got, err := env.Engine.Repo.GetAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ActionCorrectiveRequired {
		t.Fatalf("parent should remain corrective_required, got %s", got.Status)
	}
	co, err := env.Engine.CompleteCorrective(env.Ctx, engine.CompleteCorrectiveOptions{
		CorrectiveID: c.ID,
		Current:      a.SuccessCriteria.Target,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("complete corrective: %v", err)
	}
	if !co.Resolved {
		t.Fatalf("expected resolved outcome")
	}
	if co.Corrective.Status != domain.CorrectiveCompleted {
		t.Fatalf("expected corrective completed, got %s", co.Corrective.Status)
	}
	if co.Action.Status != domain.ActionCompleted {
		t.Fatalf("expected parent completed, got %s", co.Action.Status)
	}
	if co.Action.Gamification.XPEarned == nil || *co.Action.Gamification.XPEarned != c.Gamification.BaseXP {
		t.Fatalf("expected reduced XP award via corrective")
	}
	if !co.Result.IsCorrectiveResult || co.Result.CorrectiveActionID == nil {
		t.Fatalf("result should be marked corrective")
	}
}

func TestCorrectiveCapEscalates(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	fail := func() engine.SubmitOutcome {
		out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
			ActionID:  a.ID,
			Indicator: a.SuccessCriteria.Indicator,
			Baseline:  a.SuccessCriteria.Baseline,
			Current:   a.SuccessCriteria.Baseline,
			ActorID:   "tester",
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return out
	}
	out := fail()
	if out.Corrective == nil || out.Corrective.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1")
	}

	// attempt 1 fails, attempt 2 is generated
	co, err := env.Engine.CompleteCorrective(env.Ctx, engine.CompleteCorrectiveOptions{
		CorrectiveID: out.Corrective.ID,
		Current:      a.SuccessCriteria.Baseline,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("complete attempt 1: %v", err)
	}
	if co.Resolved {
		t.Fatalf("attempt 1 should fail")
	}
	if co.Corrective.Status != domain.CorrectiveFailed {
		t.Fatalf("expected failed, got %s", co.Corrective.Status)
	}
	if co.NextCorrective == nil || co.NextCorrective.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2 generated")
	}

	// attempt 2 fails too; cap is 2, so the parent escalates
	co, err = env.Engine.CompleteCorrective(env.Ctx, engine.CompleteCorrectiveOptions{
		CorrectiveID: co.NextCorrective.ID,
		Current:      a.SuccessCriteria.Baseline,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("complete attempt 2: %v", err)
	}
	if co.NextCorrective != nil {
		t.Fatalf("no third attempt allowed")
	}
	if co.Action.Status != domain.ActionEscalated {
		t.Fatalf("expected escalated parent, got %s", co.Action.Status)
	}
	if co.Action.Corrective.CanHaveMoreCorrective {
		t.Fatalf("escalated action cannot have more correctives")
	}
}

func TestReopenActionAfterAccept(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Baseline,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptCorrective(env.Ctx, out.Corrective.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	reopened, err := env.Engine.ReopenAction(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != domain.ActionInProgress {
		t.Fatalf("expected in_progress, got %s", reopened.Status)
	}
	c, err := env.Engine.Repo.GetCorrective(env.Ctx, out.Corrective.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CorrectiveInProgress {
		t.Fatalf("corrective should follow to in_progress, got %s", c.Status)
	}
	// resubmission through the normal path now works
	res, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Target,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Action.Status != domain.ActionPendingValidation {
		t.Fatalf("expected pending_validation, got %s", res.Action.Status)
	}
	if !res.Result.IsCorrectiveResult || res.Result.CorrectiveActionID == nil || *res.Result.CorrectiveActionID != c.ID {
		t.Fatalf("resubmission should count as the open attempt's re-measurement")
	}
	c, err = env.Engine.Repo.GetCorrective(env.Ctx, out.Corrective.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CorrectiveCompleted {
		t.Fatalf("corrective should settle as completed, got %s", c.Status)
	}
	if c.Gamification.XPEarned == nil || *c.Gamification.XPEarned != c.Gamification.BaseXP {
		t.Fatalf("completed corrective should earn its base XP")
	}
	if c.CompletedAt == nil {
		t.Fatal("completed corrective missing completion timestamp")
	}
}

func TestReopenedSubmissionMissFailsCorrective(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)
	out, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Baseline,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptCorrective(env.Ctx, out.Corrective.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReopenAction(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Baseline,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.Repo.GetCorrective(env.Ctx, out.Corrective.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.CorrectiveFailed {
		t.Fatalf("missed re-measurement should fail the open attempt, got %s", first.Status)
	}
	if res.Corrective == nil || res.Corrective.ID == out.Corrective.ID {
		t.Fatal("a fresh corrective attempt should follow the failed one")
	}
	if res.Corrective.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2, got %d", res.Corrective.AttemptNumber)
	}
}

func TestLevelProgressionAndSweep(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)

	for {
		info, err := env.Engine.CurrentAction(env.Ctx, exec.ID)
		if err != nil {
			t.Fatalf("current action: %v", err)
		}
		switch info.State {
		case engine.StateActionAvailable:
			env.passAction(t, exec.ID)
		case engine.StateLevelCompleted:
			if _, err := env.Engine.CompleteLevel(env.Ctx, info.Level.ID, "tester"); err != nil {
				t.Fatalf("complete level %d: %v", info.Level.LevelNumber, err)
			}
		case engine.StateExecutionCompleted:
			// execution status still needs the sweep
			got, err := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != domain.ExecutionActive {
				t.Fatalf("only the sweep may complete, got %s", got.Status)
			}
			swept, err := env.Engine.CheckAndComplete(env.Ctx, exec.ID, "tester")
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if swept.Status != domain.ExecutionCompleted {
				t.Fatalf("expected completed, got %s", swept.Status)
			}
			if swept.Stats.CompletedLevels != swept.Stats.TotalLevels {
				t.Fatalf("stats: %+v", swept.Stats)
			}
			if swept.OverallCompletionPercent != 100 {
				t.Fatalf("expected 100%%, got %d", swept.OverallCompletionPercent)
			}
			if swept.TotalXPEarned == 0 {
				t.Fatalf("expected XP accumulated")
			}
			return
		default:
			t.Fatalf("unexpected state %s", info.State)
		}
	}
}

func TestCompleteLevelRejectsIncomplete(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	lvl, err := env.Engine.Repo.CurrentLevel(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CompleteLevel(env.Ctx, lvl.ID, "tester")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestPauseResumeAbandonTransitions(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	a := env.currentAction(t, exec.ID)

	paused, err := env.Engine.PauseExecution(env.Ctx, exec.ID, "tester")
	if err != nil || paused.Status != domain.ExecutionPaused {
		t.Fatalf("pause: %v", err)
	}
	// paused executions reject submissions
	_, err = env.Engine.SubmitResults(env.Ctx, engine.SubmitResultsOptions{
		ActionID:  a.ID,
		Indicator: a.SuccessCriteria.Indicator,
		Baseline:  a.SuccessCriteria.Baseline,
		Current:   a.SuccessCriteria.Target,
		ActorID:   "tester",
	})
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on paused execution, got %v", err)
	}
	if _, err := env.Engine.PauseExecution(env.Ctx, exec.ID, "tester"); err == nil {
		t.Fatalf("double pause should fail")
	}
	resumed, err := env.Engine.ResumeExecution(env.Ctx, exec.ID, "tester")
	if err != nil || resumed.Status != domain.ExecutionActive {
		t.Fatalf("resume: %v", err)
	}
	abandoned, err := env.Engine.AbandonExecution(env.Ctx, exec.ID, "tester")
	if err != nil || abandoned.Status != domain.ExecutionAbandoned {
		t.Fatalf("abandon: %v", err)
	}
	// abandoned is terminal
	if _, err := env.Engine.ResumeExecution(env.Ctx, exec.ID, "tester"); err == nil {
		t.Fatalf("resume after abandon should fail")
	}
}

func TestCurrentActionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	first, err := env.Engine.CurrentAction(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CurrentAction(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Action.ID != second.Action.ID || first.Action.Status != second.Action.Status {
		t.Fatalf("current action should not mutate state")
	}
}

func TestUnknownExecutionReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CurrentAction(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsRecordedAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	exec := env.mustCreateExecution(t)
	env.passAction(t, exec.ID)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, exec.ID, "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"execution.created", "level.started", "action.started", "result.submitted", "action.completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestUnfilteredEventReadsIncludeLFAScopedEvents(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Engine.CreateLFA(env.Ctx, "org-1", "Water access program", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// lfa.created carries no execution, so reads without an execution
	// filter must cope with the NULL column.
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	var found bool
	for _, e := range evts {
		if e.Type == "lfa.created" && e.EntityID == l.ID {
			found = true
			if e.ExecutionID != "" {
				t.Fatalf("lfa.created should have no execution, got %q", e.ExecutionID)
			}
		}
	}
	if !found {
		t.Fatalf("lfa.created for %s not in feed", l.ID)
	}
	after, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, "")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) == 0 {
		t.Fatal("expected events from cursor 0")
	}
}
