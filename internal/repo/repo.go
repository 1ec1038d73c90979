package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"impactrun/internal/domain"
)

// Repo is the storage layer over SQLite. Methods that participate in a
// multi-step mutation take a *sql.Tx so the engine controls the commit
// boundary; plain reads run against the pool.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier abstracts *sql.DB and *sql.Tx for helpers used both inside
// and outside transactions.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// marshalJSON serializes a structured column; nil-able slices and
// pointers marshal to NULL when empty.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(data string, out any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

func unmarshalNullJSON(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

// --- LFA collaborator stub ---

func (r Repo) InsertLFA(ctx context.Context, l domain.LFA) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO lfas(id,organization_id,name,status,created_at,updated_at,locked_at) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.OrganizationID, l.Name, string(l.Status), l.CreatedAt, l.UpdatedAt, nullableStringPtr(l.LockedAt))
	return err
}

func (r Repo) GetLFA(ctx context.Context, id string) (domain.LFA, error) {
	return r.getLFA(ctx, nil, id)
}

func (r Repo) GetLFATx(ctx context.Context, tx *sql.Tx, id string) (domain.LFA, error) {
	return r.getLFA(ctx, tx, id)
}

func (r Repo) getLFA(ctx context.Context, tx *sql.Tx, id string) (domain.LFA, error) {
	var l domain.LFA
	var lockedAt sql.NullString
	var status string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,organization_id,name,status,created_at,updated_at,locked_at FROM lfas WHERE id=?`, id).
		Scan(&l.ID, &l.OrganizationID, &l.Name, &status, &l.CreatedAt, &l.UpdatedAt, &lockedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Status = domain.LFAStatus(status)
	l.LockedAt = strPtr(lockedAt)
	return l, nil
}

func (r Repo) UpdateLFAStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.LFAStatus, now string) error {
	var lockedAt any
	if status == domain.LFALocked {
		lockedAt = now
	}
	res, err := tx.ExecContext(ctx, `UPDATE lfas SET status=?, updated_at=?, locked_at=COALESCE(?, locked_at) WHERE id=?`,
		string(status), now, lockedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListLFAs(ctx context.Context, organizationID string) ([]domain.LFA, error) {
	query := `SELECT id,organization_id,name,status,created_at,updated_at,locked_at FROM lfas`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id=?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LFA
	for rows.Next() {
		var l domain.LFA
		var lockedAt sql.NullString
		var status string
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.Name, &status, &l.CreatedAt, &l.UpdatedAt, &lockedAt); err != nil {
			return nil, err
		}
		l.Status = domain.LFAStatus(status)
		l.LockedAt = strPtr(lockedAt)
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- Executions ---

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	stats, err := marshalJSON(e.Stats)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO executions(id,lfa_id,lfa_name,organization_id,status,current_level_number,overall_completion_percentage,total_xp_earned,stats_json,started_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.LFAID, e.LFAName, e.OrganizationID, string(e.Status), e.CurrentLevelNumber,
		e.OverallCompletionPercent, e.TotalXPEarned, stats, nullableStringPtr(e.StartedAt), e.CreatedAt)
	return err
}

const executionColumns = `id,lfa_id,lfa_name,organization_id,status,current_level_number,overall_completion_percentage,total_xp_earned,stats_json,started_at,created_at`

func scanExecution(scan func(...any) error) (domain.Execution, error) {
	var e domain.Execution
	var status, stats string
	var startedAt sql.NullString
	err := scan(&e.ID, &e.LFAID, &e.LFAName, &e.OrganizationID, &status, &e.CurrentLevelNumber,
		&e.OverallCompletionPercent, &e.TotalXPEarned, &stats, &startedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.StartedAt = strPtr(startedAt)
	if err := unmarshalJSON(stats, &e.Stats); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id).Scan)
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id).Scan)
}

// GetActiveExecutionByLFA returns the non-abandoned execution for an
// LFA. Abandoned executions are retained but do not block a new one.
func (r Repo) GetActiveExecutionByLFA(ctx context.Context, tx *sql.Tx, lfaID string) (domain.Execution, error) {
	return scanExecution(r.q(tx).QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE lfa_id=? AND status != ? LIMIT 1`,
		lfaID, string(domain.ExecutionAbandoned)).Scan)
}

func (r Repo) UpdateExecutionStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.ExecutionStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExecutionAggregatesTx writes the recomputed stats block and the
// derived roll-up columns in one statement.
func (r Repo) UpdateExecutionAggregatesTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	stats, err := marshalJSON(e.Stats)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE executions SET current_level_number=?, overall_completion_percentage=?, total_xp_earned=?, stats_json=?, started_at=? WHERE id=?`,
		e.CurrentLevelNumber, e.OverallCompletionPercent, e.TotalXPEarned, stats, nullableStringPtr(e.StartedAt), e.ID)
	return err
}

type ExecutionFilters struct {
	OrganizationID  string
	Statuses        []domain.ExecutionStatus
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountExecutions(ctx context.Context, f ExecutionFilters) (int, error) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM executions `+where, args...).Scan(&count)
	return count, err
}
