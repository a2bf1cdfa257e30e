package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finguard/internal/domain"
)

// EnqueueActionTx records the collaborator action for a terminal request. A
// request gets at most one action; repeated calls report false.
func (r Repo) EnqueueActionTx(ctx context.Context, tx *sql.Tx, requestID, action, createdAt string) (bool, error) {
	if action != domain.ActionCommit && action != domain.ActionDiscard {
		return false, fmt.Errorf("invalid outbox action %q", action)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO action_outbox(request_id,action,attempts,created_at) VALUES (?,?,0,?) ON CONFLICT(request_id) DO NOTHING`,
		requestID, action, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const outboxColumns = `request_id,action,attempts,COALESCE(last_error,''),created_at,delivered_at`

func scanOutbox(rs interface{ Scan(...any) error }) (domain.OutboxEntry, error) {
	var e domain.OutboxEntry
	var delivered sql.NullString
	err := rs.Scan(&e.RequestID, &e.Action, &e.Attempts, &e.LastError, &e.CreatedAt, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if delivered.Valid {
		e.DeliveredAt = &delivered.String
	}
	return e, nil
}

func (r Repo) GetAction(ctx context.Context, requestID string) (domain.OutboxEntry, error) {
	return scanOutbox(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM action_outbox WHERE request_id=?`, requestID))
}

// PendingActions lists undelivered actions with fewer than maxAttempts
// attempts, oldest first. maxAttempts <= 0 means no limit.
func (r Repo) PendingActions(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + outboxColumns + ` FROM action_outbox WHERE delivered_at IS NULL`
	args := []any{}
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at, request_id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkDelivered reports false when the row was already delivered.
func (r Repo) MarkDelivered(ctx context.Context, requestID, at string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE action_outbox SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE request_id=? AND delivered_at IS NULL`, at, requestID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) RecordAttempt(ctx context.Context, requestID, lastErr string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE action_outbox SET attempts=attempts+1, last_error=? WHERE request_id=? AND delivered_at IS NULL`, nullable(lastErr), requestID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MissingActions returns terminal instances without an outbox row.
func (r Repo) MissingActions(ctx context.Context) ([]domain.WorkflowInstance, error) {
	return missingActions(ctx, r.DB)
}

func (r Repo) MissingActionsTx(ctx context.Context, tx *sql.Tx) ([]domain.WorkflowInstance, error) {
	return missingActions(ctx, tx)
}

func missingActions(ctx context.Context, q querier) ([]domain.WorkflowInstance, error) {
	rows, err := q.QueryContext(ctx, `SELECT w.request_id,w.action_type,w.submitted_by,w.stages_json,w.current_stage_index,w.status,w.escalation_tier,w.created_at,w.updated_at FROM workflow_instances w
LEFT JOIN action_outbox o ON o.request_id = w.request_id
WHERE o.request_id IS NULL AND w.status IN (?,?,?)`, domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}
