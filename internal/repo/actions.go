package repo

import (
	"context"
	"database/sql"

	"impactrun/internal/domain"
)

const actionColumns = `id,execution_id,execution_level_id,lfa_id,level_number,sequence_number,description,detailed_steps_json,timeline_json,success_criteria_json,status,gamification_json,corrective_json,predecessor_action_id,created_at`

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.ExecutionAction) error {
	var steps any
	if len(a.DetailedSteps) > 0 {
		s, err := marshalJSON(a.DetailedSteps)
		if err != nil {
			return err
		}
		steps = s
	}
	timeline, err := marshalJSON(a.Timeline)
	if err != nil {
		return err
	}
	criteria, err := marshalJSON(a.SuccessCriteria)
	if err != nil {
		return err
	}
	gamification, err := marshalJSON(a.Gamification)
	if err != nil {
		return err
	}
	corrective, err := marshalJSON(a.Corrective)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO execution_actions(id,execution_id,execution_level_id,lfa_id,level_number,sequence_number,description,detailed_steps_json,timeline_json,success_criteria_json,status,gamification_json,corrective_json,predecessor_action_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ExecutionID, a.ExecutionLevelID, a.LFAID, a.LevelNumber, a.SequenceNumber,
		a.Description, steps, timeline, criteria, string(a.Status), gamification, corrective,
		nullableStringPtr(a.PredecessorActionID), a.CreatedAt)
	return err
}

func scanAction(scan func(...any) error) (domain.ExecutionAction, error) {
	var a domain.ExecutionAction
	var steps, predecessor sql.NullString
	var status, timeline, criteria, gamification, corrective string
	err := scan(&a.ID, &a.ExecutionID, &a.ExecutionLevelID, &a.LFAID, &a.LevelNumber, &a.SequenceNumber,
		&a.Description, &steps, &timeline, &criteria, &status, &gamification, &corrective,
		&predecessor, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.ActionStatus(status)
	a.PredecessorActionID = strPtr(predecessor)
	if err := unmarshalNullJSON(steps, &a.DetailedSteps); err != nil {
		return a, err
	}
	if err := unmarshalJSON(timeline, &a.Timeline); err != nil {
		return a, err
	}
	if err := unmarshalJSON(criteria, &a.SuccessCriteria); err != nil {
		return a, err
	}
	if err := unmarshalJSON(gamification, &a.Gamification); err != nil {
		return a, err
	}
	if err := unmarshalJSON(corrective, &a.Corrective); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.ExecutionAction, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM execution_actions WHERE id=?`, id).Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExecutionAction, error) {
	return scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM execution_actions WHERE id=?`, id).Scan)
}

// FirstIncompleteAction returns the lowest-sequence action not yet
// completed; ErrNotFound means the level is complete.
func (r Repo) FirstIncompleteAction(ctx context.Context, levelID string) (domain.ExecutionAction, error) {
	return r.firstIncompleteAction(ctx, nil, levelID)
}

func (r Repo) FirstIncompleteActionTx(ctx context.Context, tx *sql.Tx, levelID string) (domain.ExecutionAction, error) {
	return r.firstIncompleteAction(ctx, tx, levelID)
}

func (r Repo) firstIncompleteAction(ctx context.Context, tx *sql.Tx, levelID string) (domain.ExecutionAction, error) {
	return scanAction(r.q(tx).QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM execution_actions WHERE execution_level_id=? AND status != ? ORDER BY sequence_number ASC LIMIT 1`,
		levelID, string(domain.ActionCompleted)).Scan)
}

// PreviousAction returns the action immediately preceding the given one
// in the same level, or ErrNotFound for the first action.
func (r Repo) PreviousAction(ctx context.Context, a domain.ExecutionAction) (domain.ExecutionAction, error) {
	return scanAction(r.DB.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM execution_actions WHERE execution_level_id=? AND sequence_number=?`,
		a.ExecutionLevelID, a.SequenceNumber-1).Scan)
}

func (r Repo) ListActionsByLevel(ctx context.Context, levelID string) ([]domain.ExecutionAction, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM execution_actions WHERE execution_level_id=? ORDER BY sequence_number ASC`, levelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func (r Repo) ListActionsByExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.ExecutionAction, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM execution_actions WHERE execution_id=? ORDER BY level_number ASC, sequence_number ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func collectActions(rows *sql.Rows) ([]domain.ExecutionAction, error) {
	var res []domain.ExecutionAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateActionTx writes the full mutable row. Status values must come
// from the engine's action transition function; success criteria are
// immutable and deliberately not part of the update.
func (r Repo) UpdateActionTx(ctx context.Context, tx *sql.Tx, a domain.ExecutionAction) error {
	timeline, err := marshalJSON(a.Timeline)
	if err != nil {
		return err
	}
	gamification, err := marshalJSON(a.Gamification)
	if err != nil {
		return err
	}
	corrective, err := marshalJSON(a.Corrective)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE execution_actions SET status=?, timeline_json=?, gamification_json=?, corrective_json=? WHERE id=?`,
		string(a.Status), timeline, gamification, corrective, a.ID)
	return err
}

// CountActionsByStatusTx groups an execution's actions by status for
// the aggregate sweep.
func (r Repo) CountActionsByStatusTx(ctx context.Context, tx *sql.Tx, executionID string) (map[domain.ActionStatus]int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT status, count(*) FROM execution_actions WHERE execution_id=? GROUP BY status`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.ActionStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.ActionStatus(status)] = count
	}
	return res, rows.Err()
}
