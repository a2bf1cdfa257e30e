package finguardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal finguard HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Violation struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Decision is the outcome of a submission.
type Decision struct {
	RequestID  string      `json:"request_id"`
	Status     string      `json:"status"`
	Violations []Violation `json:"violations"`
}

type Stage struct {
	Name         string `json:"name"`
	RequiredRole string `json:"required_role"`
	SLASeconds   int64  `json:"sla_seconds"`
}

// Instance represents the workflow state of a request (partial).
type Instance struct {
	RequestID         string  `json:"request_id"`
	ActionType        string  `json:"action_type"`
	SubmittedBy       string  `json:"submitted_by"`
	Stages            []Stage `json:"stages"`
	CurrentStageIndex int     `json:"current_stage_index"`
	Status            string  `json:"status"`
	EscalationTier    int     `json:"escalation_tier"`
	UpdatedAt         string  `json:"updated_at"`
}

// CurrentStage returns the name of the stage under review, or "" once the
// workflow has finished.
func (i Instance) CurrentStage() string {
	if i.CurrentStageIndex < 0 || i.CurrentStageIndex >= len(i.Stages) {
		return ""
	}
	return i.Stages[i.CurrentStageIndex].Name
}

type ApprovalDecision struct {
	StageName string `json:"stage_name"`
	Approver  string `json:"approver"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
	DecidedAt string `json:"decided_at"`
}

type OutboxAction struct {
	Action      string  `json:"action"`
	Attempts    int     `json:"attempts"`
	DeliveredAt *string `json:"delivered_at,omitempty"`
}

// RequestStatus represents GET /requests/{id}.
type RequestStatus struct {
	Request struct {
		ID          string         `json:"id"`
		ActionType  string         `json:"action_type"`
		Payload     map[string]any `json:"payload"`
		SubmittedAt string         `json:"submitted_at"`
	} `json:"request"`
	Verdict struct {
		Passed     bool        `json:"passed"`
		Violations []Violation `json:"violations"`
	} `json:"verdict"`
	Instance  *Instance          `json:"instance,omitempty"`
	Decisions []ApprovalDecision `json:"decisions"`
	Action    *OutboxAction      `json:"action,omitempty"`
}

type AuditEntry struct {
	SequenceNo  int64           `json:"sequence_no"`
	PrevHash    string          `json:"prev_hash"`
	PayloadHash string          `json:"payload_hash"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	RecordedAt  string          `json:"recorded_at"`
}

// AuditPage wraps ledger listings with a cursor. NextAfter is zero on the
// last page.
type AuditPage struct {
	Items     []AuditEntry `json:"items"`
	NextAfter int64        `json:"next_after"`
}

type VerifyReport struct {
	Valid        bool   `json:"valid"`
	Entries      int64  `json:"entries"`
	HeadSequence int64  `json:"head_sequence"`
	HeadHash     string `json:"head_hash"`
	BrokenAt     int64  `json:"broken_at"`
	Reason       string `json:"reason"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit sends a mutation for governance. A request rejected by a blocking
// rule returns an *APIError with code validation_failed.
func (c *Client) Submit(ctx context.Context, actionType string, payload map[string]any) (Decision, error) {
	body := map[string]any{
		"action_type": actionType,
		"payload":     payload,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// Status returns the request with its workflow state.
func (c *Client) Status(ctx context.Context, requestID string) (RequestStatus, error) {
	var resp RequestStatus
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

// Decide approves or rejects stage. decision is APPROVE or REJECT.
func (c *Client) Decide(ctx context.Context, requestID, stage, decision, comment string) (Instance, error) {
	body := map[string]any{
		"stage":    stage,
		"decision": decision,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/decisions", url.PathEscape(requestID)), body, &resp)
	return resp, err
}

// Cancel withdraws an open request.
func (c *Client) Cancel(ctx context.Context, requestID, reason string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/cancel", url.PathEscape(requestID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AuditEntries returns up to limit ledger entries after the given sequence
// number.
func (c *Client) AuditEntries(ctx context.Context, after int64, limit int) (AuditPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "audit/entries"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyChain asks the server to recompute the ledger chain.
func (c *Client) VerifyChain(ctx context.Context) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodGet, "audit/verify", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
