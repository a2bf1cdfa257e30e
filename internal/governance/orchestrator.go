// Package governance is the single entry point collaborators use to submit
// mutations. It is the only component that triggers collaborator
// commit/discard.
package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"finguard/internal/audit"
	"finguard/internal/domain"
	"finguard/internal/metrics"
	"finguard/internal/repo"
	"finguard/internal/rules"
	"finguard/internal/sla"
	"finguard/internal/workflow"
)

const tracerName = "finguard/internal/governance"

type Options struct {
	Repo       repo.Repo
	Rules      *rules.Engine
	Ledger     *audit.Ledger
	Timers     *sla.Engine
	Workflow   workflow.Engine
	Dispatcher *Dispatcher
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
	NewID      func() string

	// HistoryWindow bounds the earlier requests handed to the rules.
	HistoryWindow  time.Duration
	SLASchedule    string
	VerifySchedule string
	RetrySchedule  string
}

type Orchestrator struct {
	repo       repo.Repo
	rules      *rules.Engine
	ledger     *audit.Ledger
	timers     *sla.Engine
	workflow   workflow.Engine
	dispatcher *Dispatcher
	metrics    *metrics.Collector
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string

	historyWindow  time.Duration
	slaSchedule    string
	verifySchedule string
	retrySchedule  string
}

// New wires the workflow engine's terminal hooks to the outbox and the
// dispatcher.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		repo:           opts.Repo,
		rules:          opts.Rules,
		ledger:         opts.Ledger,
		timers:         opts.Timers,
		dispatcher:     opts.Dispatcher,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		now:            opts.Now,
		newID:          opts.NewID,
		historyWindow:  opts.HistoryWindow,
		slaSchedule:    opts.SLASchedule,
		verifySchedule: opts.VerifySchedule,
		retrySchedule:  opts.RetrySchedule,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "governance")
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.historyWindow <= 0 {
		o.historyWindow = 30 * 24 * time.Hour
	}
	wf := opts.Workflow
	wf.OnTerminal = o.enqueueAction
	wf.Committed = func(ctx context.Context, inst domain.WorkflowInstance) {
		if o.dispatcher != nil {
			o.dispatcher.Dispatch(ctx, inst.RequestID)
		}
	}
	if wf.Now == nil {
		wf.Now = o.now
	}
	o.workflow = wf
	return o
}

// Workflow returns the wired workflow engine.
func (o *Orchestrator) Workflow() workflow.Engine { return o.workflow }

func (o *Orchestrator) Ledger() *audit.Ledger { return o.ledger }

func (o *Orchestrator) enqueueAction(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	action := domain.ActionDiscard
	if inst.Status == domain.StatusApproved {
		action = domain.ActionCommit
	}
	_, err := o.repo.EnqueueActionTx(ctx, tx, inst.RequestID, action, inst.UpdatedAt)
	return err
}

func (o *Orchestrator) checkLedger() error {
	if o.ledger.Halted() {
		return fmt.Errorf("%w: %s", domain.ErrLedgerCorruption, o.ledger.HaltReason())
	}
	return nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RoutingRuleID marks requests whose payload cannot be routed to approvers.
const RoutingRuleID = "WORKFLOW-ROUTING"

type rejectedPayload struct {
	RequestID   string             `json:"request_id"`
	ActionType  string             `json:"action_type"`
	Actor       domain.Actor       `json:"actor"`
	SubmittedAt string             `json:"submitted_at"`
	Violations  []domain.Violation `json:"violations"`
}

// Submit validates req and either rejects it or starts its approval
// workflow. A REJECTED decision is returned with a nil error; callers wanting
// an error use GovernanceDecision.Err.
func (o *Orchestrator) Submit(ctx context.Context, req domain.GovernanceRequest) (decision domain.GovernanceDecision, err error) {
	ctx, span := o.tracer.Start(ctx, "governance.Submit", trace.WithAttributes(
		attribute.String("finguard.action_type", req.ActionType),
		attribute.String("finguard.actor", req.Actor.ID),
	))
	defer func() { finish(span, err) }()

	if err := o.checkLedger(); err != nil {
		return decision, err
	}
	if req.ActionType == "" {
		return decision, fmt.Errorf("%w: action_type is required", domain.ErrValidationFailure)
	}
	if req.Actor.ID == "" {
		return decision, fmt.Errorf("%w: actor is required", domain.ErrValidationFailure)
	}
	if req.ID == "" {
		req.ID = o.newID()
	}
	now := o.now().UTC()
	if req.SubmittedAt == "" {
		req.SubmittedAt = now.Format(time.RFC3339)
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	span.SetAttributes(attribute.String("finguard.request_id", req.ID))

	recent, err := o.repo.RecentRequests(ctx, req.ActionType, now.Add(-o.historyWindow).Format(time.RFC3339), 500)
	if err != nil {
		return decision, fmt.Errorf("load request history: %w", err)
	}
	started := time.Now()
	verdict := o.rules.Evaluate(req, rules.History{Recent: recent})
	evalTime := time.Since(started)
	verdict.RequestID = req.ID
	if verdict.Passed {
		// A request the rules accept but no workflow can route is rejected
		// here rather than failing inside the ledger transaction.
		if _, err := o.workflow.Stages(req.ActionType, req.Payload); err != nil {
			verdict.Passed = false
			verdict.Violations = append(verdict.Violations, domain.Violation{
				RuleID:   RoutingRuleID,
				Severity: domain.SeverityBlocking,
				Message:  err.Error(),
			})
		}
	}

	decision = domain.GovernanceDecision{RequestID: req.ID, Status: domain.StatusPending, Violations: verdict.Violations}
	if !verdict.Passed {
		decision.Status = domain.StatusRejected
	}

	unlock, err := o.workflow.Locks.Lock(ctx, req.ID)
	if err != nil {
		return decision, err
	}
	defer unlock()
	_, err = o.ledger.Transact(ctx, func(tx *sql.Tx, rec *audit.Recorder) error {
		if err := o.repo.InsertRequestTx(ctx, tx, req, verdict); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		if !verdict.Passed {
			_, err := rec.Append(ctx, domain.EventRejectedByRule, rejectedPayload{
				RequestID:   req.ID,
				ActionType:  req.ActionType,
				Actor:       req.Actor,
				SubmittedAt: req.SubmittedAt,
				Violations:  verdict.Violations,
			})
			return err
		}
		_, err := o.workflow.StartTx(ctx, tx, rec, req)
		return err
	})
	if err != nil {
		o.metrics.Submission(req.ActionType, "error", evalTime)
		return domain.GovernanceDecision{}, err
	}
	span.SetAttributes(attribute.String("finguard.decision", string(decision.Status)))
	if decision.Status == domain.StatusRejected {
		o.metrics.Submission(req.ActionType, "rejected", evalTime)
		o.logger.Info("request rejected by rules", "request_id", req.ID, "action_type", req.ActionType, "violations", len(verdict.Violations))
		return decision, nil
	}
	o.metrics.Submission(req.ActionType, "pending", evalTime)
	o.metrics.WorkflowStarted()
	o.metrics.Transition(string(domain.StatusInReview), false)
	o.logger.Info("request submitted", "request_id", req.ID, "action_type", req.ActionType, "actor", req.Actor.ID)
	return decision, nil
}

// RecordDecision applies an approver's decision on a stage.
func (o *Orchestrator) RecordDecision(ctx context.Context, requestID, stage string, d domain.Decision, comment string, approver domain.Actor) (inst domain.WorkflowInstance, err error) {
	ctx, span := o.tracer.Start(ctx, "governance.RecordDecision", trace.WithAttributes(
		attribute.String("finguard.request_id", requestID),
		attribute.String("finguard.stage", stage),
		attribute.String("finguard.decision", string(d)),
	))
	defer func() { finish(span, err) }()
	if err := o.checkLedger(); err != nil {
		return inst, err
	}
	return o.workflow.SubmitDecision(ctx, domain.ApprovalDecision{
		RequestID: requestID,
		StageName: stage,
		Decision:  d,
		Comment:   comment,
	}, approver)
}

func (o *Orchestrator) Cancel(ctx context.Context, requestID string, actor domain.Actor, reason string) (inst domain.WorkflowInstance, err error) {
	ctx, span := o.tracer.Start(ctx, "governance.Cancel", trace.WithAttributes(attribute.String("finguard.request_id", requestID)))
	defer func() { finish(span, err) }()
	if err := o.checkLedger(); err != nil {
		return inst, err
	}
	return o.workflow.Cancel(ctx, requestID, actor, reason)
}

// RequestStatus is everything known about one request.
type RequestStatus struct {
	Request   domain.GovernanceRequest  `json:"request"`
	Verdict   domain.RuleVerdict        `json:"verdict"`
	Instance  *domain.WorkflowInstance  `json:"instance,omitempty"`
	Decisions []domain.ApprovalDecision `json:"decisions"`
	Timers    []domain.SLATimer         `json:"timers"`
	Action    *domain.OutboxEntry       `json:"action,omitempty"`
}

// Status returns the request with its verdict, workflow state and outbox row.
// Requests rejected by rules have no instance.
func (o *Orchestrator) Status(ctx context.Context, requestID string) (RequestStatus, error) {
	req, verdict, err := o.repo.GetRequest(ctx, requestID)
	if err != nil {
		return RequestStatus{}, err
	}
	st := RequestStatus{Request: req, Verdict: verdict, Decisions: []domain.ApprovalDecision{}, Timers: []domain.SLATimer{}}
	snap, err := o.workflow.Snapshot(ctx, requestID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return st, err
	default:
		st.Instance = &snap.Instance
		st.Decisions = snap.Decisions
		st.Timers = snap.Timers
	}
	action, err := o.repo.GetAction(ctx, requestID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return st, err
	default:
		st.Action = &action
	}
	return st, nil
}

// Verify recomputes the ledger chain; a broken chain halts all mutations.
func (o *Orchestrator) Verify(ctx context.Context) (report audit.VerifyReport, err error) {
	ctx, span := o.tracer.Start(ctx, "governance.Verify")
	defer func() { finish(span, err) }()
	report, err = o.ledger.Verify(ctx)
	if err != nil {
		return report, err
	}
	span.SetAttributes(attribute.Bool("finguard.ledger_valid", report.Valid), attribute.Int64("finguard.ledger_entries", report.Entries))
	if !report.Valid {
		o.logger.Error("audit chain verification failed", "broken_at", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}

// Resume clears a ledger halt once the stored chain verifies again.
func (o *Orchestrator) Resume(ctx context.Context) (audit.VerifyReport, error) {
	return o.ledger.Resume(ctx)
}

// Run verifies the ledger, recovers workflow state from it and then serves
// timers, outbox retries and periodic verification until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	report, err := o.Verify(ctx)
	if err != nil {
		return stopped(ctx, err)
	}
	if !report.Valid {
		return fmt.Errorf("%w: %s", domain.ErrLedgerCorruption, report.Reason)
	}
	if _, err := o.workflow.Recover(ctx); err != nil {
		return stopped(ctx, fmt.Errorf("recover workflows: %w", err))
	}
	if err := o.timers.Start(ctx, o.slaSchedule); err != nil {
		return stopped(ctx, err)
	}
	defer o.timers.Stop()

	c := cron.New(cron.WithLocation(time.UTC))
	verify := o.verifySchedule
	if verify == "" {
		verify = "@every 5m"
	}
	if _, err := c.AddFunc(verify, func() {
		if _, err := o.Verify(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("audit verification failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid verify schedule %q: %w", verify, err)
	}
	if o.dispatcher != nil {
		retry := o.retrySchedule
		if retry == "" {
			retry = "@every 10s"
		}
		if _, err := c.AddFunc(retry, func() {
			if _, err := o.dispatcher.RetryPending(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox retry failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid retry schedule %q: %w", retry, err)
		}
		// Rows left undelivered by a previous process.
		if _, err := o.dispatcher.RetryPending(ctx); err != nil {
			o.logger.Warn("initial outbox retry failed", "error", err)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	o.logger.Info("governance running", "sla_schedule", o.slaSchedule, "verify_schedule", verify)
	err = o.workflow.Run(ctx)
	if o.dispatcher != nil {
		o.dispatcher.Wait()
	}
	return stopped(ctx, err)
}

// stopped hides errors caused by ctx ending; cancellation is a clean stop.
func stopped(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
