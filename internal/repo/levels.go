package repo

import (
	"context"
	"database/sql"

	"impactrun/internal/domain"
)

const levelColumns = `id,execution_id,lfa_id,level_number,name,description,status,timeline_json,progress_json,gamification_json,mapped_impact_ids_json,mapped_outcome_ids_json,created_at`

func (r Repo) InsertLevelTx(ctx context.Context, tx *sql.Tx, l domain.ExecutionLevel) error {
	timeline, err := marshalJSON(l.Timeline)
	if err != nil {
		return err
	}
	progress, err := marshalJSON(l.Progress)
	if err != nil {
		return err
	}
	var gamification any
	if l.Gamification != nil {
		s, err := marshalJSON(l.Gamification)
		if err != nil {
			return err
		}
		gamification = s
	}
	var impacts, outcomes any
	if len(l.MappedImpactIDs) > 0 {
		s, err := marshalJSON(l.MappedImpactIDs)
		if err != nil {
			return err
		}
		impacts = s
	}
	if len(l.MappedOutcomeIDs) > 0 {
		s, err := marshalJSON(l.MappedOutcomeIDs)
		if err != nil {
			return err
		}
		outcomes = s
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO execution_levels(id,execution_id,lfa_id,level_number,name,description,status,timeline_json,progress_json,gamification_json,mapped_impact_ids_json,mapped_outcome_ids_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ExecutionID, l.LFAID, l.LevelNumber, l.Name, nullable(l.Description), string(l.Status),
		timeline, progress, gamification, impacts, outcomes, l.CreatedAt)
	return err
}

func scanLevel(scan func(...any) error) (domain.ExecutionLevel, error) {
	var l domain.ExecutionLevel
	var description, gamification, impacts, outcomes sql.NullString
	var status, timeline, progress string
	err := scan(&l.ID, &l.ExecutionID, &l.LFAID, &l.LevelNumber, &l.Name, &description, &status,
		&timeline, &progress, &gamification, &impacts, &outcomes, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Status = domain.LevelStatus(status)
	if description.Valid {
		l.Description = description.String
	}
	if err := unmarshalJSON(timeline, &l.Timeline); err != nil {
		return l, err
	}
	if err := unmarshalJSON(progress, &l.Progress); err != nil {
		return l, err
	}
	if err := unmarshalNullJSON(gamification, &l.Gamification); err != nil {
		return l, err
	}
	if err := unmarshalNullJSON(impacts, &l.MappedImpactIDs); err != nil {
		return l, err
	}
	if err := unmarshalNullJSON(outcomes, &l.MappedOutcomeIDs); err != nil {
		return l, err
	}
	return l, nil
}

func (r Repo) GetLevel(ctx context.Context, id string) (domain.ExecutionLevel, error) {
	return scanLevel(r.DB.QueryRowContext(ctx, `SELECT `+levelColumns+` FROM execution_levels WHERE id=?`, id).Scan)
}

func (r Repo) GetLevelTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExecutionLevel, error) {
	return scanLevel(tx.QueryRowContext(ctx, `SELECT `+levelColumns+` FROM execution_levels WHERE id=?`, id).Scan)
}

// CurrentLevel returns the unique in_progress level, or ErrNotFound
// when every level is locked or completed.
func (r Repo) CurrentLevel(ctx context.Context, executionID string) (domain.ExecutionLevel, error) {
	return r.currentLevel(ctx, nil, executionID)
}

func (r Repo) CurrentLevelTx(ctx context.Context, tx *sql.Tx, executionID string) (domain.ExecutionLevel, error) {
	return r.currentLevel(ctx, tx, executionID)
}

func (r Repo) currentLevel(ctx context.Context, tx *sql.Tx, executionID string) (domain.ExecutionLevel, error) {
	return scanLevel(r.q(tx).QueryRowContext(ctx,
		`SELECT `+levelColumns+` FROM execution_levels WHERE execution_id=? AND status=? LIMIT 1`,
		executionID, string(domain.LevelInProgress)).Scan)
}

// NextLockedLevelTx returns the lowest-numbered locked level, the next
// candidate for unlocking.
func (r Repo) NextLockedLevelTx(ctx context.Context, tx *sql.Tx, executionID string) (domain.ExecutionLevel, error) {
	return scanLevel(tx.QueryRowContext(ctx,
		`SELECT `+levelColumns+` FROM execution_levels WHERE execution_id=? AND status=? ORDER BY level_number ASC LIMIT 1`,
		executionID, string(domain.LevelLocked)).Scan)
}

func (r Repo) ListLevels(ctx context.Context, executionID string) ([]domain.ExecutionLevel, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+levelColumns+` FROM execution_levels WHERE execution_id=? ORDER BY level_number ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionLevel
	for rows.Next() {
		l, err := scanLevel(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UpdateLevelTx writes the full mutable row. Status values must come
// from the engine's level transition function.
func (r Repo) UpdateLevelTx(ctx context.Context, tx *sql.Tx, l domain.ExecutionLevel) error {
	timeline, err := marshalJSON(l.Timeline)
	if err != nil {
		return err
	}
	progress, err := marshalJSON(l.Progress)
	if err != nil {
		return err
	}
	var gamification any
	if l.Gamification != nil {
		s, err := marshalJSON(l.Gamification)
		if err != nil {
			return err
		}
		gamification = s
	}
	_, err = tx.ExecContext(ctx, `UPDATE execution_levels SET status=?, timeline_json=?, progress_json=?, gamification_json=? WHERE id=?`,
		string(l.Status), timeline, progress, gamification, l.ID)
	return err
}

// CountRemainingLevelsTx counts levels still locked or in progress;
// zero means the execution is complete.
func (r Repo) CountRemainingLevelsTx(ctx context.Context, tx *sql.Tx, executionID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM execution_levels WHERE execution_id=? AND status != ?`,
		executionID, string(domain.LevelCompleted)).Scan(&count)
	return count, err
}
