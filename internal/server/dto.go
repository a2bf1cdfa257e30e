package server

import (
	"finguard/internal/domain"
)

// Request payloads

type SubmitRequest struct {
	ID         string         `json:"id,omitempty" doc:"Client chosen request id, generated when empty"`
	ActionType string         `json:"action_type" minLength:"1" example:"actual_posting"`
	Payload    map[string]any `json:"payload"`
}

type DecisionRequest struct {
	Stage    string          `json:"stage" minLength:"1"`
	Decision domain.Decision `json:"decision" enum:"APPROVE,REJECT"`
	Comment  string          `json:"comment,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type AuditEntryResponse struct {
	SequenceNo  int64  `json:"sequence_no"`
	PrevHash    string `json:"prev_hash"`
	PayloadHash string `json:"payload_hash"`
	EventType   string `json:"event_type"`
	Payload     any    `json:"payload"`
	RecordedAt  string `json:"recorded_at" format:"date-time"`
}

type AuditPage struct {
	Items     []AuditEntryResponse `json:"items"`
	NextAfter int64                `json:"next_after,omitempty" doc:"Pass as after to read the next page"`
}

func auditPage(entries []domain.AuditEntry, limit int) AuditPage {
	page := AuditPage{Items: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		page.Items = append(page.Items, AuditEntryResponse{
			SequenceNo:  e.SequenceNo,
			PrevHash:    e.PrevHash,
			PayloadHash: e.PayloadHash,
			EventType:   e.EventType,
			Payload:     e.Payload,
			RecordedAt:  e.RecordedAt,
		})
	}
	if len(entries) == limit && limit > 0 {
		page.NextAfter = entries[len(entries)-1].SequenceNo
	}
	return page
}
