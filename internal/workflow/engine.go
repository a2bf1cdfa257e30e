// Package workflow runs the approval state machine of governed requests.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"finguard/internal/audit"
	"finguard/internal/config"
	"finguard/internal/domain"
	"finguard/internal/lock"
	"finguard/internal/metrics"
	"finguard/internal/repo"
	"finguard/internal/sla"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  *audit.Ledger
	Timers  *sla.Engine
	Locks   lock.Locker
	Metrics *metrics.Collector
	Logger  *slog.Logger

	Workflows          map[string]config.WorkflowConfig
	ForbidSelfApproval bool

	Now func() time.Time
	// OnTerminal runs inside the transaction of every terminal transition.
	OnTerminal func(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error
	// Committed runs after a terminal transition is durable, outside the
	// request lock.
	Committed func(ctx context.Context, inst domain.WorkflowInstance)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default().With("component", "workflow")
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Snapshot is the externally visible state of one request.
type Snapshot struct {
	Instance  domain.WorkflowInstance   `json:"instance"`
	Decisions []domain.ApprovalDecision `json:"decisions"`
	Timers    []domain.SLATimer         `json:"timers"`
}

// Stages resolves the approval stages a request of actionType with payload
// would be routed through.
func (e Engine) Stages(actionType string, payload map[string]any) ([]domain.StageDefinition, error) {
	wf, ok := e.Workflows[actionType]
	if !ok {
		return nil, fmt.Errorf("no workflow configured for action type %s", actionType)
	}
	stages, err := ResolveStages(wf, payload)
	if err != nil {
		return nil, fmt.Errorf("resolve stages: %w", err)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("workflow for %s resolved no stages", actionType)
	}
	return stages, nil
}

// StartTx creates the instance for req inside the caller's ledger
// transaction: WORKFLOW-STARTED, then STAGE-ENTERED for the first stage with
// its timer armed.
func (e Engine) StartTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, req domain.GovernanceRequest) (domain.WorkflowInstance, error) {
	stages, err := e.Stages(req.ActionType, req.Payload)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	ts := e.timestamp()
	inst := domain.WorkflowInstance{
		RequestID:   req.ID,
		ActionType:  req.ActionType,
		SubmittedBy: req.Actor.ID,
		Stages:      stages,
		Status:      domain.StatusPending,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := e.Repo.InsertInstanceTx(ctx, tx, inst); err != nil {
		return inst, fmt.Errorf("insert workflow instance: %w", err)
	}
	if _, err := rec.Append(ctx, domain.EventWorkflowStarted, startedPayload{
		RequestID:   inst.RequestID,
		ActionType:  inst.ActionType,
		SubmittedBy: inst.SubmittedBy,
		Stages:      inst.Stages,
		Status:      inst.Status,
		CreatedAt:   inst.CreatedAt,
	}); err != nil {
		return inst, err
	}
	timer, err := e.Timers.StartTx(ctx, tx, inst.RequestID, stages[0].Name, time.Duration(stages[0].SLASeconds)*time.Second)
	if err != nil {
		return inst, err
	}
	if err := e.transition(ctx, tx, rec, &inst, EventBegin, transitionExtra{Deadline: timer.Deadline}); err != nil {
		return inst, err
	}
	return inst, nil
}

// Start is StartTx under the request lock in its own ledger transaction.
func (e Engine) Start(ctx context.Context, req domain.GovernanceRequest) (domain.WorkflowInstance, error) {
	unlock, err := e.Locks.Lock(ctx, req.ID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer unlock()
	var inst domain.WorkflowInstance
	_, err = e.Ledger.Transact(ctx, func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		inst, err = e.StartTx(ctx, tx, rec, req)
		return err
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.Metrics.WorkflowStarted()
	e.Metrics.Transition(string(inst.Status), false)
	return inst, nil
}

// SubmitDecision applies an approver's decision to the current stage.
func (e Engine) SubmitDecision(ctx context.Context, d domain.ApprovalDecision, approver domain.Actor) (domain.WorkflowInstance, error) {
	if d.Decision != domain.DecisionApprove && d.Decision != domain.DecisionReject {
		return domain.WorkflowInstance{}, fmt.Errorf("invalid decision %q", d.Decision)
	}
	var inst domain.WorkflowInstance
	err := e.locked(ctx, d.RequestID, func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		inst, err = e.Repo.GetInstanceTx(ctx, tx, d.RequestID)
		if err != nil {
			return err
		}
		if inst.Status != domain.StatusInReview && inst.Status != domain.StatusEscalated {
			return fmt.Errorf("%w: request %s is %s", domain.ErrInvalidStateTransition, inst.RequestID, inst.Status)
		}
		stage, _ := inst.CurrentStage()
		if d.StageName != stage.Name {
			return fmt.Errorf("%w: decision for stage %q, current stage is %q", domain.ErrInvalidStateTransition, d.StageName, stage.Name)
		}
		allowed := stage.AllowedRoles(inst.EscalationTier)
		if !slices.ContainsFunc(approver.Roles, func(r string) bool { return slices.Contains(allowed, r) }) {
			return fmt.Errorf("%w: %s needs one of %v for stage %s", domain.ErrUnauthorizedApprover, approver.ID, allowed, stage.Name)
		}
		if e.ForbidSelfApproval && approver.ID == inst.SubmittedBy {
			return fmt.Errorf("%w: %s submitted request %s", domain.ErrUnauthorizedApprover, approver.ID, inst.RequestID)
		}

		d.Approver = approver.ID
		d.DecidedAt = e.timestamp()
		if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		extra := transitionExtra{Approver: d.Approver, Comment: d.Comment}

		if d.Decision == domain.DecisionReject {
			return e.transition(ctx, tx, rec, &inst, EventReject, extra)
		}
		if err := e.Timers.CancelTx(ctx, tx, inst.RequestID, stage.Name); err != nil {
			return err
		}
		if inst.CurrentStageIndex == len(inst.Stages)-1 {
			inst.CurrentStageIndex = len(inst.Stages)
			return e.transition(ctx, tx, rec, &inst, EventComplete, extra)
		}
		inst.CurrentStageIndex++
		inst.EscalationTier = 0
		next := inst.Stages[inst.CurrentStageIndex]
		timer, err := e.Timers.StartTx(ctx, tx, inst.RequestID, next.Name, time.Duration(next.SLASeconds)*time.Second)
		if err != nil {
			return err
		}
		extra.Deadline = timer.Deadline
		return e.transition(ctx, tx, rec, &inst, EventAdvance, extra)
	})
	switch {
	case errors.Is(err, domain.ErrUnauthorizedApprover):
		e.logger().Error("unauthorized approval attempt", "request_id", d.RequestID, "stage", d.StageName, "approver", approver.ID, "roles", approver.Roles, "error", err)
		return domain.WorkflowInstance{}, err
	case errors.Is(err, domain.ErrInvalidStateTransition):
		e.logger().Warn("decision rejected", "request_id", d.RequestID, "stage", d.StageName, "approver", approver.ID, "error", err)
		return domain.WorkflowInstance{}, err
	case err != nil:
		return domain.WorkflowInstance{}, err
	}
	e.committed(ctx, inst)
	return inst, nil
}

// Cancel moves a non-terminal instance to CANCELLED. The submitter or anyone
// allowed to decide the current stage may cancel.
func (e Engine) Cancel(ctx context.Context, requestID string, actor domain.Actor, reason string) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	err := e.locked(ctx, requestID, func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		inst, err = e.Repo.GetInstanceTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if _, err := Next(inst.Status, EventCancel); err != nil {
			return err
		}
		stage, ok := inst.CurrentStage()
		if actor.ID != inst.SubmittedBy {
			allowed := stage.AllowedRoles(inst.EscalationTier)
			if !ok || !slices.ContainsFunc(actor.Roles, func(r string) bool { return slices.Contains(allowed, r) }) {
				return fmt.Errorf("%w: %s may not cancel request %s", domain.ErrUnauthorizedApprover, actor.ID, requestID)
			}
		}
		return e.transition(ctx, tx, rec, &inst, EventCancel, transitionExtra{Actor: actor.ID, Reason: reason})
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			e.logger().Warn("cancel rejected", "request_id", requestID, "actor", actor.ID, "error", err)
		}
		return domain.WorkflowInstance{}, err
	}
	e.committed(ctx, inst)
	return inst, nil
}

// OnSLAFired applies a timer expiry. Stale or lost-race fires are absorbed:
// applied is false and err is nil.
func (e Engine) OnSLAFired(ctx context.Context, exp sla.Expiry) (applied bool, err error) {
	var inst domain.WorkflowInstance
	noop := false
	err = e.locked(ctx, exp.RequestID, func(tx *sql.Tx, rec *audit.Recorder) error {
		ok, err := e.Timers.AckTx(ctx, tx, exp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: timer %s/%s generation %d", domain.ErrSLARaceNoop, exp.RequestID, exp.Stage, exp.Generation)
		}
		inst, err = e.Repo.GetInstanceTx(ctx, tx, exp.RequestID)
		if errors.Is(err, repo.ErrNotFound) {
			noop = true
			return nil
		}
		if err != nil {
			return err
		}
		stage, ok := inst.CurrentStage()
		if !ok || stage.Name != exp.Stage || (inst.Status != domain.StatusInReview && inst.Status != domain.StatusEscalated) {
			// The ack is kept so the timer does not fire again.
			noop = true
			return nil
		}
		if inst.Status == domain.StatusInReview || inst.EscalationTier < len(stage.Escalation) {
			var after int64
			if inst.EscalationTier < len(stage.Escalation) {
				inst.EscalationTier++
				after = stage.Escalation[inst.EscalationTier-1].AfterSeconds
			} else if stage.OnExhaust == "reject" {
				// No tiers: the rejection deadline is one more stage SLA.
				after = stage.SLASeconds
			}
			extra := transitionExtra{Roles: stage.AllowedRoles(inst.EscalationTier)}
			if after > 0 {
				timer, err := e.Timers.StartTx(ctx, tx, inst.RequestID, stage.Name, time.Duration(after)*time.Second)
				if err != nil {
					return err
				}
				extra.Deadline = timer.Deadline
			}
			return e.transition(ctx, tx, rec, &inst, EventEscalate, extra)
		}
		if stage.OnExhaust == "reject" {
			return e.transition(ctx, tx, rec, &inst, EventReject, transitionExtra{Reason: "sla exhausted"})
		}
		e.logger().Info("sla exhausted, holding for approval", "request_id", inst.RequestID, "stage", stage.Name, "tier", inst.EscalationTier)
		noop = true
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrSLARaceNoop):
		e.logger().Debug("stale sla fire ignored", "request_id", exp.RequestID, "stage", exp.Stage, "generation", exp.Generation)
		e.Metrics.SLAFire("noop")
		return false, nil
	case err != nil:
		e.Metrics.SLAFire("error")
		return false, err
	case noop:
		e.Metrics.SLAFire("noop")
		return false, nil
	}
	e.Metrics.SLAFire("applied")
	e.committed(ctx, inst)
	return true, nil
}

// Run consumes timer expiries until ctx is done.
func (e Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case exp := <-e.Timers.Expired():
			if _, err := e.OnSLAFired(ctx, exp); err != nil && ctx.Err() == nil {
				e.logger().Error("sla fire failed", "request_id", exp.RequestID, "stage", exp.Stage, "error", err)
			}
			e.Timers.Done(exp)
		}
	}
}

// Snapshot returns the instance with its decisions and timers.
func (e Engine) Snapshot(ctx context.Context, requestID string) (Snapshot, error) {
	inst, err := e.Repo.GetInstance(ctx, requestID)
	if err != nil {
		return Snapshot{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, requestID)
	if err != nil {
		return Snapshot{}, err
	}
	timers, err := e.Timers.Timers(ctx, requestID)
	if err != nil {
		return Snapshot{}, err
	}
	if decisions == nil {
		decisions = []domain.ApprovalDecision{}
	}
	if timers == nil {
		timers = []domain.SLATimer{}
	}
	return Snapshot{Instance: inst, Decisions: decisions, Timers: timers}, nil
}

// locked runs fn in a ledger transaction while holding the request lock.
func (e Engine) locked(ctx context.Context, requestID string, fn func(tx *sql.Tx, rec *audit.Recorder) error) error {
	unlock, err := e.Locks.Lock(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = e.Ledger.Transact(ctx, fn)
	return err
}

func (e Engine) committed(ctx context.Context, inst domain.WorkflowInstance) {
	e.Metrics.Transition(string(inst.Status), inst.Status.Terminal())
	if inst.Status.Terminal() && e.Committed != nil {
		e.Committed(ctx, inst)
	}
}

type startedPayload struct {
	RequestID   string                   `json:"request_id"`
	ActionType  string                   `json:"action_type"`
	SubmittedBy string                   `json:"submitted_by"`
	Stages      []domain.StageDefinition `json:"stages"`
	Status      domain.Status            `json:"status"`
	CreatedAt   string                   `json:"created_at"`
}

// transitionPayload is the ledger record of one transition. Recovery
// rebuilds instances and timers from it.
type transitionPayload struct {
	RequestID  string        `json:"request_id"`
	Event      Event         `json:"event"`
	From       domain.Status `json:"from"`
	To         domain.Status `json:"to"`
	StageIndex int           `json:"stage_index"`
	StageName  string        `json:"stage_name,omitempty"`
	Tier       int           `json:"tier"`
	At         string        `json:"at"`
	transitionExtra
}

type transitionExtra struct {
	Deadline string   `json:"deadline,omitempty"`
	Approver string   `json:"approver,omitempty"`
	Comment  string   `json:"comment,omitempty"`
	Actor    string   `json:"actor,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// transition applies ev to inst, persists it and appends its ledger entry.
// Callers set the stage index and tier beforehand.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, inst *domain.WorkflowInstance, ev Event, extra transitionExtra) error {
	from := inst.Status
	to, err := Next(from, ev)
	if err != nil {
		return err
	}
	inst.Status = to
	inst.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateInstanceTx(ctx, tx, *inst); err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	stageName := ""
	if stage, ok := inst.CurrentStage(); ok {
		stageName = stage.Name
	}
	if _, err := rec.Append(ctx, AuditType(ev), transitionPayload{
		RequestID:       inst.RequestID,
		Event:           ev,
		From:            from,
		To:              to,
		StageIndex:      inst.CurrentStageIndex,
		StageName:       stageName,
		Tier:            inst.EscalationTier,
		At:              inst.UpdatedAt,
		transitionExtra: extra,
	}); err != nil {
		return err
	}
	if !to.Terminal() {
		return nil
	}
	if stageName != "" {
		if err := e.Timers.CancelTx(ctx, tx, inst.RequestID, stageName); err != nil {
			return err
		}
	}
	if e.OnTerminal != nil {
		if err := e.OnTerminal(ctx, tx, *inst); err != nil {
			return fmt.Errorf("terminal hook: %w", err)
		}
	}
	return nil
}
