package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"finguard/internal/domain"
	"finguard/internal/repo"
)

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	Entries           int `json:"entries"`
	Instances         int `json:"instances"`
	InstancesRepaired int `json:"instances_repaired"`
	TimersRestored    int `json:"timers_restored"`
	TimersCancelled   int `json:"timers_cancelled"`
	ActionsEnqueued   int `json:"actions_enqueued"`
}

type replayed struct {
	inst     domain.WorkflowInstance
	stage    string
	deadline string
}

// Recover rebuilds instance rows and pending timers from the ledger, then
// enqueues collaborator actions for terminal instances that lack one. It must
// run before the engine accepts work.
func (e Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if e.Ledger.Halted() {
		return report, fmt.Errorf("%w: %s", domain.ErrLedgerCorruption, e.Ledger.HaltReason())
	}
	state, entries, err := e.replay(ctx)
	if err != nil {
		return report, err
	}
	report.Entries = entries
	report.Instances = len(state)

	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	for _, id := range ids {
		r := state[id]
		current, err := e.Repo.GetInstanceTx(ctx, tx, id)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return report, err
		}
		if errors.Is(err, repo.ErrNotFound) || !sameState(current, r.inst) {
			if err := e.Repo.ReplaceInstanceTx(ctx, tx, r.inst); err != nil {
				return report, fmt.Errorf("repair instance %s: %w", id, err)
			}
			report.InstancesRepaired++
			e.logger().Warn("workflow instance repaired from ledger", "request_id", id, "status", r.inst.Status, "stage_index", r.inst.CurrentStageIndex)
		}

		timers, err := e.Timers.TimersTx(ctx, tx, id)
		if err != nil {
			return report, err
		}
		if r.inst.Status.Terminal() {
			for _, t := range timers {
				if err := e.Timers.CancelTx(ctx, tx, id, t.StageName); err != nil {
					return report, err
				}
				report.TimersCancelled++
			}
			continue
		}
		if r.deadline == "" {
			continue
		}
		found := false
		for _, t := range timers {
			if t.StageName == r.stage && t.Deadline == r.deadline {
				found = true
			}
		}
		if found {
			continue
		}
		deadline, err := time.Parse(time.RFC3339, r.deadline)
		if err != nil {
			return report, fmt.Errorf("ledger deadline of %s: %w", id, err)
		}
		if _, err := e.Timers.StartAtTx(ctx, tx, id, r.stage, deadline); err != nil {
			return report, err
		}
		report.TimersRestored++
		e.logger().Warn("sla timer restored from ledger", "request_id", id, "stage", r.stage, "deadline", r.deadline)
	}

	if e.OnTerminal != nil {
		missing, err := e.Repo.MissingActionsTx(ctx, tx)
		if err != nil {
			return report, err
		}
		for _, inst := range missing {
			if err := e.OnTerminal(ctx, tx, inst); err != nil {
				return report, fmt.Errorf("terminal hook for %s: %w", inst.RequestID, err)
			}
			report.ActionsEnqueued++
		}
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	e.logger().Info("workflow recovery complete",
		"entries", report.Entries,
		"instances", report.Instances,
		"repaired", report.InstancesRepaired,
		"timers_restored", report.TimersRestored,
		"actions_enqueued", report.ActionsEnqueued)
	return report, nil
}

// replay folds the ledger into the last known state of every instance.
func (e Engine) replay(ctx context.Context) (map[string]*replayed, int, error) {
	state := map[string]*replayed{}
	var after int64
	total := 0
	for {
		page, err := e.Ledger.Export(ctx, after, 1000)
		if err != nil {
			return nil, 0, err
		}
		if len(page) == 0 {
			return state, total, nil
		}
		for _, entry := range page {
			if err := fold(state, entry); err != nil {
				return nil, 0, fmt.Errorf("replay entry %d: %w", entry.SequenceNo, err)
			}
		}
		total += len(page)
		after = page[len(page)-1].SequenceNo
	}
}

func fold(state map[string]*replayed, entry domain.AuditEntry) error {
	switch entry.EventType {
	case domain.EventWorkflowStarted:
		var p startedPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		state[p.RequestID] = &replayed{inst: domain.WorkflowInstance{
			RequestID:   p.RequestID,
			ActionType:  p.ActionType,
			SubmittedBy: p.SubmittedBy,
			Stages:      p.Stages,
			Status:      p.Status,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.CreatedAt,
		}}
	case domain.EventStageEntered, domain.EventStageAdvanced, domain.EventWorkflowEscalated,
		domain.EventWorkflowApproved, domain.EventWorkflowRejected, domain.EventWorkflowCancelled:
		var p transitionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		r, ok := state[p.RequestID]
		if !ok {
			return fmt.Errorf("%s for unknown request %s", entry.EventType, p.RequestID)
		}
		r.inst.Status = p.To
		r.inst.CurrentStageIndex = p.StageIndex
		r.inst.EscalationTier = p.Tier
		r.inst.UpdatedAt = p.At
		// A transition without a deadline leaves no timer running.
		r.stage = p.StageName
		r.deadline = p.Deadline
	}
	return nil
}

func sameState(a, b domain.WorkflowInstance) bool {
	return a.Status == b.Status &&
		a.CurrentStageIndex == b.CurrentStageIndex &&
		a.EscalationTier == b.EscalationTier &&
		a.UpdatedAt == b.UpdatedAt &&
		len(a.Stages) == len(b.Stages)
}
