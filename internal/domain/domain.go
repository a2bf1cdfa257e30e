package domain

import (
	"encoding/json"
	"fmt"
	"slices"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInReview  Status = "IN_REVIEW"
	StatusEscalated Status = "ESCALATED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityBlocking Severity = "BLOCKING"
)

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityBlocking:
		return Severity(s), nil
	}
	return "", fmt.Errorf("invalid severity %q", s)
}

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

type Actor struct {
	ID          string   `json:"id"`
	Roles       []string `json:"roles,omitempty"`
	CostCenters []string `json:"cost_centers,omitempty"`
}

func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

type GovernanceRequest struct {
	ID          string         `json:"id"`
	Actor       Actor          `json:"actor"`
	ActionType  string         `json:"action_type"`
	Payload     map[string]any `json:"payload"`
	SubmittedAt string         `json:"submitted_at" format:"date-time"`
}

type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity" enum:"INFO,WARNING,BLOCKING"`
	Message  string   `json:"message"`
}

type RuleVerdict struct {
	RequestID  string      `json:"request_id"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
}

type EscalationTier struct {
	Roles        []string `json:"roles,omitempty"`
	AfterSeconds int64    `json:"after_seconds,omitempty"`
}

type StageDefinition struct {
	Name         string           `json:"name"`
	RequiredRole string           `json:"required_role"`
	SLASeconds   int64            `json:"sla_seconds"`
	Escalation   []EscalationTier `json:"escalation,omitempty"`
	OnExhaust    string           `json:"on_exhaust,omitempty" enum:"hold,reject"`
}

// AllowedRoles returns the required role plus every role widened by the
// escalation tiers reached so far.
func (s StageDefinition) AllowedRoles(tier int) []string {
	roles := []string{s.RequiredRole}
	for i := 0; i < tier && i < len(s.Escalation); i++ {
		for _, r := range s.Escalation[i].Roles {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	return roles
}

type WorkflowInstance struct {
	RequestID         string            `json:"request_id"`
	ActionType        string            `json:"action_type"`
	SubmittedBy       string            `json:"submitted_by"`
	Stages            []StageDefinition `json:"stages"`
	CurrentStageIndex int               `json:"current_stage_index"`
	Status            Status            `json:"status" enum:"PENDING,IN_REVIEW,ESCALATED,APPROVED,REJECTED,CANCELLED"`
	EscalationTier    int               `json:"escalation_tier"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

// CurrentStage returns the stage under review. ok is false once the index
// has run past the last stage.
func (w WorkflowInstance) CurrentStage() (StageDefinition, bool) {
	if w.CurrentStageIndex < 0 || w.CurrentStageIndex >= len(w.Stages) {
		return StageDefinition{}, false
	}
	return w.Stages[w.CurrentStageIndex], true
}

type ApprovalDecision struct {
	RequestID string   `json:"request_id"`
	StageName string   `json:"stage_name"`
	Approver  string   `json:"approver"`
	Decision  Decision `json:"decision" enum:"APPROVE,REJECT"`
	Comment   string   `json:"comment,omitempty"`
	DecidedAt string   `json:"decided_at" format:"date-time"`
}

type SLATimer struct {
	RequestID  string `json:"request_id"`
	StageName  string `json:"stage_name"`
	Deadline   string `json:"deadline" format:"date-time"`
	Fired      bool   `json:"fired"`
	Generation int64  `json:"generation"`
}

type AuditEntry struct {
	SequenceNo  int64           `json:"sequence_no"`
	PrevHash    string          `json:"prev_hash"`
	PayloadHash string          `json:"payload_hash"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	RecordedAt  string          `json:"recorded_at" format:"date-time"`
}

type GovernanceDecision struct {
	RequestID  string      `json:"request_id"`
	Status     Status      `json:"status" enum:"APPROVED,REJECTED,PENDING"`
	Violations []Violation `json:"violations"`
}

// Err returns ErrValidationFailure for a request rejected by rules.
func (d GovernanceDecision) Err() error {
	if d.Status != StatusRejected {
		return nil
	}
	for _, v := range d.Violations {
		if v.Severity == SeverityBlocking {
			return fmt.Errorf("%w: %s %s", ErrValidationFailure, v.RuleID, v.Message)
		}
	}
	return ErrValidationFailure
}

// Audit event types.
const (
	EventRejectedByRule    = "REJECTED-BY-RULE"
	EventWorkflowStarted   = "WORKFLOW-STARTED"
	EventStageEntered      = "STAGE-ENTERED"
	EventStageAdvanced     = "STAGE-ADVANCED"
	EventWorkflowEscalated = "WORKFLOW-ESCALATED"
	EventWorkflowApproved  = "WORKFLOW-APPROVED"
	EventWorkflowRejected  = "WORKFLOW-REJECTED"
	EventWorkflowCancelled = "WORKFLOW-CANCELLED"
)

// Outbox actions sent to the collaborator.
const (
	ActionCommit  = "commit"
	ActionDiscard = "discard"
)

type OutboxEntry struct {
	RequestID   string  `json:"request_id"`
	Action      string  `json:"action" enum:"commit,discard"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}

// APIKey authenticates a collaborator service. Only the hash of the key is
// stored.
type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
