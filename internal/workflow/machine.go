package workflow

import (
	"fmt"

	"finguard/internal/domain"
)

// Event drives a workflow instance from one status to the next.
type Event string

const (
	EventBegin    Event = "begin"
	EventAdvance  Event = "advance"
	EventComplete Event = "complete"
	EventReject   Event = "reject"
	EventEscalate Event = "escalate"
	EventCancel   Event = "cancel"
)

type edge struct {
	from domain.Status
	ev   Event
}

// transitions is the complete table. Pairs not listed are invalid.
var transitions = map[edge]domain.Status{
	{domain.StatusPending, EventBegin}: domain.StatusInReview,

	{domain.StatusInReview, EventAdvance}:  domain.StatusInReview,
	{domain.StatusInReview, EventComplete}: domain.StatusApproved,
	{domain.StatusInReview, EventReject}:   domain.StatusRejected,
	{domain.StatusInReview, EventEscalate}: domain.StatusEscalated,

	{domain.StatusEscalated, EventAdvance}:  domain.StatusInReview,
	{domain.StatusEscalated, EventComplete}: domain.StatusApproved,
	{domain.StatusEscalated, EventReject}:   domain.StatusRejected,
	{domain.StatusEscalated, EventEscalate}: domain.StatusEscalated,

	{domain.StatusPending, EventCancel}:   domain.StatusCancelled,
	{domain.StatusInReview, EventCancel}:  domain.StatusCancelled,
	{domain.StatusEscalated, EventCancel}: domain.StatusCancelled,
}

var auditTypes = map[Event]string{
	EventBegin:    domain.EventStageEntered,
	EventAdvance:  domain.EventStageAdvanced,
	EventComplete: domain.EventWorkflowApproved,
	EventReject:   domain.EventWorkflowRejected,
	EventEscalate: domain.EventWorkflowEscalated,
	EventCancel:   domain.EventWorkflowCancelled,
}

// Next returns the status reached from `from` on ev.
func Next(from domain.Status, ev Event) (domain.Status, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", domain.ErrInvalidStateTransition, ev, from)
	}
	return to, nil
}

// AuditType names the ledger entry written for ev.
func AuditType(ev Event) string {
	return auditTypes[ev]
}

// Events lists every event, in table order.
func Events() []Event {
	return []Event{EventBegin, EventAdvance, EventComplete, EventReject, EventEscalate, EventCancel}
}
