package repo

import (
	"context"
	"database/sql"

	"impactrun/internal/domain"
)

const resultColumns = `id,execution_id,execution_action_id,lfa_id,indicator,values_json,calculated_json,evaluation_json,is_corrective_result,corrective_action_id,submitted_by,submitted_by_name,submitted_at`

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, res domain.ActionResult) error {
	values, err := marshalJSON(res.Values)
	if err != nil {
		return err
	}
	calculated, err := marshalJSON(res.Calculated)
	if err != nil {
		return err
	}
	evaluation, err := marshalJSON(res.Evaluation)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO action_results(id,execution_id,execution_action_id,lfa_id,indicator,values_json,calculated_json,evaluation_json,is_corrective_result,corrective_action_id,submitted_by,submitted_by_name,submitted_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.ExecutionID, res.ExecutionActionID, res.LFAID, res.Indicator,
		values, calculated, evaluation,
		boolToInt(res.IsCorrectiveResult), nullableStringPtr(res.CorrectiveActionID),
		res.SubmittedBy, nullable(res.SubmittedByName), res.SubmittedAt)
	return err
}

func scanResult(scan func(...any) error) (domain.ActionResult, error) {
	var res domain.ActionResult
	var values, calculated, evaluation string
	var isCorrective int
	var correctiveID, submittedByName sql.NullString
	err := scan(&res.ID, &res.ExecutionID, &res.ExecutionActionID, &res.LFAID, &res.Indicator,
		&values, &calculated, &evaluation,
		&isCorrective, &correctiveID, &res.SubmittedBy, &submittedByName, &res.SubmittedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.IsCorrectiveResult = isCorrective != 0
	res.CorrectiveActionID = strPtr(correctiveID)
	res.SubmittedByName = submittedByName.String
	if err := unmarshalJSON(values, &res.Values); err != nil {
		return res, err
	}
	if err := unmarshalJSON(calculated, &res.Calculated); err != nil {
		return res, err
	}
	if err := unmarshalJSON(evaluation, &res.Evaluation); err != nil {
		return res, err
	}
	return res, nil
}

func (r Repo) GetResult(ctx context.Context, id string) (domain.ActionResult, error) {
	return scanResult(r.DB.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM action_results WHERE id=?`, id).Scan)
}

func (r Repo) ListResultsByAction(ctx context.Context, actionID string) ([]domain.ActionResult, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM action_results WHERE execution_action_id=? ORDER BY submitted_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectResults(rows)
}

func (r Repo) ListResultsByExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.ActionResult, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM action_results WHERE execution_id=? ORDER BY submitted_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectResults(rows)
}

// LatestResult returns the most recent submission for an action, or
// ErrNotFound when nothing was submitted yet.
func (r Repo) LatestResult(ctx context.Context, actionID string) (domain.ActionResult, error) {
	return scanResult(r.DB.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM action_results WHERE execution_action_id=? ORDER BY submitted_at DESC, id DESC LIMIT 1`, actionID).Scan)
}

func collectResults(rows *sql.Rows) ([]domain.ActionResult, error) {
	var res []domain.ActionResult
	for rows.Next() {
		ar, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
