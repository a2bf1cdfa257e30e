package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"finguard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx. Reads made while a ledger
// transaction is open must go through the transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ---- governance requests ----

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.GovernanceRequest, verdict domain.RuleVerdict) error {
	actor, err := json.Marshal(req.Actor)
	if err != nil {
		return fmt.Errorf("marshal actor: %w", err)
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	v, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO governance_requests(id,actor_id,actor_json,action_type,payload_json,verdict_json,submitted_at) VALUES (?,?,?,?,?,?,?)`,
		req.ID, req.Actor.ID, string(actor), req.ActionType, string(payload), string(v), req.SubmittedAt)
	return err
}

func scanRequest(rs interface{ Scan(...any) error }) (domain.GovernanceRequest, domain.RuleVerdict, error) {
	var req domain.GovernanceRequest
	var verdict domain.RuleVerdict
	var actor, payload string
	var v sql.NullString
	if err := rs.Scan(&req.ID, &actor, &req.ActionType, &payload, &v, &req.SubmittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return req, verdict, ErrNotFound
		}
		return req, verdict, err
	}
	if err := json.Unmarshal([]byte(actor), &req.Actor); err != nil {
		return req, verdict, fmt.Errorf("decode actor of %s: %w", req.ID, err)
	}
	if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
		return req, verdict, fmt.Errorf("decode payload of %s: %w", req.ID, err)
	}
	if v.Valid && v.String != "" {
		if err := json.Unmarshal([]byte(v.String), &verdict); err != nil {
			return req, verdict, fmt.Errorf("decode verdict of %s: %w", req.ID, err)
		}
	}
	return req, verdict, nil
}

const requestColumns = `id,actor_json,action_type,payload_json,verdict_json,submitted_at`

func (r Repo) GetRequest(ctx context.Context, id string) (domain.GovernanceRequest, domain.RuleVerdict, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM governance_requests WHERE id=?`, id))
}

// RecentRequests returns requests of actionType submitted at or after since,
// newest first.
func (r Repo) RecentRequests(ctx context.Context, actionType, since string, limit int) ([]domain.GovernanceRequest, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM governance_requests WHERE action_type=? AND submitted_at>=? ORDER BY submitted_at DESC LIMIT ?`, actionType, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceRequest
	for rows.Next() {
		req, _, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ---- workflow instances ----

const instanceColumns = `request_id,action_type,submitted_by,stages_json,current_stage_index,status,escalation_tier,created_at,updated_at`

func scanInstance(rs interface{ Scan(...any) error }) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var stages string
	err := rs.Scan(&inst.RequestID, &inst.ActionType, &inst.SubmittedBy, &stages, &inst.CurrentStageIndex, &inst.Status, &inst.EscalationTier, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(stages), &inst.Stages); err != nil {
		return inst, fmt.Errorf("decode stages of %s: %w", inst.RequestID, err)
	}
	return inst, nil
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	stages, err := json.Marshal(inst.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		inst.RequestID, inst.ActionType, inst.SubmittedBy, string(stages), inst.CurrentStageIndex, inst.Status, inst.EscalationTier, inst.CreatedAt, inst.UpdatedAt)
	return err
}

// UpdateInstanceTx persists the mutable fields of an instance.
func (r Repo) UpdateInstanceTx(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET current_stage_index=?, status=?, escalation_tier=?, updated_at=? WHERE request_id=?`,
		inst.CurrentStageIndex, inst.Status, inst.EscalationTier, inst.UpdatedAt, inst.RequestID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceInstanceTx writes the instance whether or not a row exists. Used by
// recovery only.
func (r Repo) ReplaceInstanceTx(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	stages, err := json.Marshal(inst.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(request_id) DO UPDATE SET stages_json=excluded.stages_json, current_stage_index=excluded.current_stage_index,
status=excluded.status, escalation_tier=excluded.escalation_tier, updated_at=excluded.updated_at`,
		inst.RequestID, inst.ActionType, inst.SubmittedBy, string(stages), inst.CurrentStageIndex, inst.Status, inst.EscalationTier, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, requestID string) (domain.WorkflowInstance, error) {
	return getInstance(ctx, r.DB, requestID)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, requestID string) (domain.WorkflowInstance, error) {
	return getInstance(ctx, tx, requestID)
}

func getInstance(ctx context.Context, q querier, requestID string) (domain.WorkflowInstance, error) {
	return scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE request_id=?`, requestID))
}

// ListInstances returns instances, optionally filtered by status, newest first.
func (r Repo) ListInstances(ctx context.Context, status domain.Status, limit int) ([]domain.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, request_id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

// ---- approval decisions ----

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.ApprovalDecision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_decisions(request_id,stage_name,approver,decision,comment,decided_at) VALUES (?,?,?,?,?,?)`,
		d.RequestID, d.StageName, d.Approver, d.Decision, nullable(d.Comment), d.DecidedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, requestID string) ([]domain.ApprovalDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,stage_name,approver,decision,COALESCE(comment,''),decided_at FROM approval_decisions WHERE request_id=? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalDecision
	for rows.Next() {
		var d domain.ApprovalDecision
		if err := rows.Scan(&d.RequestID, &d.StageName, &d.Approver, &d.Decision, &d.Comment, &d.DecidedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
