package repo

import (
	"context"
	"database/sql"

	"impactrun/internal/domain"
)

const correctiveColumns = `id,parent_action_id,triggering_result_id,execution_id,lfa_id,attempt_number,description,rationale,specific_steps_json,timeline_json,success_criteria_json,status,gamification_json,ai_diagnosis_json,user_customized,created_at,accepted_at,completed_at`

func (r Repo) InsertCorrectiveTx(ctx context.Context, tx *sql.Tx, c domain.CorrectiveAction) error {
	var steps any
	if len(c.SpecificSteps) > 0 {
		s, err := marshalJSON(c.SpecificSteps)
		if err != nil {
			return err
		}
		steps = s
	}
	timeline, err := marshalJSON(c.Timeline)
	if err != nil {
		return err
	}
	criteria, err := marshalJSON(c.SuccessCriteria)
	if err != nil {
		return err
	}
	gamification, err := marshalJSON(c.Gamification)
	if err != nil {
		return err
	}
	var diagnosis any
	if c.AIDiagnosis != nil {
		d, err := marshalJSON(c.AIDiagnosis)
		if err != nil {
			return err
		}
		diagnosis = d
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO corrective_actions(id,parent_action_id,triggering_result_id,execution_id,lfa_id,attempt_number,description,rationale,specific_steps_json,timeline_json,success_criteria_json,status,gamification_json,ai_diagnosis_json,user_customized,created_at,accepted_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ParentActionID, c.TriggeringResultID, c.ExecutionID, c.LFAID, c.AttemptNumber,
		c.Description, nullable(c.Rationale), steps, timeline, criteria, string(c.Status),
		gamification, diagnosis, boolToInt(c.UserCustomized), c.CreatedAt,
		nullableStringPtr(c.AcceptedAt), nullableStringPtr(c.CompletedAt))
	return err
}

func scanCorrective(scan func(...any) error) (domain.CorrectiveAction, error) {
	var c domain.CorrectiveAction
	var timeline, criteria, gamification, status string
	var rationale, steps, diagnosis, acceptedAt, completedAt sql.NullString
	var customized int
	err := scan(&c.ID, &c.ParentActionID, &c.TriggeringResultID, &c.ExecutionID, &c.LFAID, &c.AttemptNumber,
		&c.Description, &rationale, &steps, &timeline, &criteria, &status,
		&gamification, &diagnosis, &customized, &c.CreatedAt, &acceptedAt, &completedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.CorrectiveStatus(status)
	c.Rationale = rationale.String
	c.UserCustomized = customized != 0
	c.AcceptedAt = strPtr(acceptedAt)
	c.CompletedAt = strPtr(completedAt)
	if err := unmarshalNullJSON(steps, &c.SpecificSteps); err != nil {
		return c, err
	}
	if err := unmarshalJSON(timeline, &c.Timeline); err != nil {
		return c, err
	}
	if err := unmarshalJSON(criteria, &c.SuccessCriteria); err != nil {
		return c, err
	}
	if err := unmarshalJSON(gamification, &c.Gamification); err != nil {
		return c, err
	}
	if diagnosis.Valid && diagnosis.String != "" {
		var d domain.AIDiagnosis
		if err := unmarshalJSON(diagnosis.String, &d); err != nil {
			return c, err
		}
		c.AIDiagnosis = &d
	}
	return c, nil
}

func (r Repo) GetCorrective(ctx context.Context, id string) (domain.CorrectiveAction, error) {
	return scanCorrective(r.DB.QueryRowContext(ctx, `SELECT `+correctiveColumns+` FROM corrective_actions WHERE id=?`, id).Scan)
}

func (r Repo) GetCorrectiveTx(ctx context.Context, tx *sql.Tx, id string) (domain.CorrectiveAction, error) {
	return scanCorrective(tx.QueryRowContext(ctx, `SELECT `+correctiveColumns+` FROM corrective_actions WHERE id=?`, id).Scan)
}

// LatestCorrective returns the highest-attempt corrective for a parent
// action, or ErrNotFound when none was generated.
func (r Repo) LatestCorrective(ctx context.Context, parentActionID string) (domain.CorrectiveAction, error) {
	return r.latestCorrective(ctx, nil, parentActionID)
}

func (r Repo) LatestCorrectiveTx(ctx context.Context, tx *sql.Tx, parentActionID string) (domain.CorrectiveAction, error) {
	return r.latestCorrective(ctx, tx, parentActionID)
}

func (r Repo) latestCorrective(ctx context.Context, tx *sql.Tx, parentActionID string) (domain.CorrectiveAction, error) {
	return scanCorrective(r.q(tx).QueryRowContext(ctx,
		`SELECT `+correctiveColumns+` FROM corrective_actions WHERE parent_action_id=? ORDER BY attempt_number DESC LIMIT 1`,
		parentActionID).Scan)
}

func (r Repo) CountAttemptsTx(ctx context.Context, tx *sql.Tx, parentActionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM corrective_actions WHERE parent_action_id=?`, parentActionID).Scan(&n)
	return n, err
}

func (r Repo) ListCorrectivesByAction(ctx context.Context, parentActionID string) ([]domain.CorrectiveAction, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+correctiveColumns+` FROM corrective_actions WHERE parent_action_id=? ORDER BY attempt_number ASC`, parentActionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CorrectiveAction
	for rows.Next() {
		c, err := scanCorrective(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCorrectiveTx(ctx context.Context, tx *sql.Tx, c domain.CorrectiveAction) error {
	var steps any
	if len(c.SpecificSteps) > 0 {
		s, err := marshalJSON(c.SpecificSteps)
		if err != nil {
			return err
		}
		steps = s
	}
	timeline, err := marshalJSON(c.Timeline)
	if err != nil {
		return err
	}
	gamification, err := marshalJSON(c.Gamification)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE corrective_actions SET description=?, rationale=?, specific_steps_json=?, status=?, timeline_json=?, gamification_json=?, user_customized=?, accepted_at=?, completed_at=? WHERE id=?`,
		c.Description, nullable(c.Rationale), steps, string(c.Status), timeline, gamification,
		boolToInt(c.UserCustomized), nullableStringPtr(c.AcceptedAt), nullableStringPtr(c.CompletedAt), c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
