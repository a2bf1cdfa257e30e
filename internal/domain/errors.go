package domain

import "errors"

var (
	// ErrValidationFailure marks a request rejected by a blocking rule.
	ErrValidationFailure = errors.New("validation failure")
	// ErrInvalidStateTransition is returned for decisions on the wrong stage
	// or on a terminal instance.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrSLARaceNoop marks a timer fire that lost a race with another
	// transition. Consumers treat it as a no-op.
	ErrSLARaceNoop = errors.New("sla fire is stale")
	// ErrLedgerCorruption is fatal until an operator resumes the ledger.
	ErrLedgerCorruption = errors.New("audit ledger corruption")
	// ErrUnauthorizedApprover is returned when the approver lacks a role
	// allowed on the current stage.
	ErrUnauthorizedApprover = errors.New("unauthorized approver")
)
