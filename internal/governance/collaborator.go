package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"finguard/internal/domain"
)

// Collaborator applies or drops the proposed mutation once governance has
// decided. Both calls may be repeated for the same request and must be
// idempotent on the receiving side.
type Collaborator interface {
	Commit(ctx context.Context, requestID string) error
	Discard(ctx context.Context, requestID string) error
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookCollaborator posts each action to an HTTP endpoint.
type WebhookCollaborator struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

func NewWebhookCollaborator(url, secret string, timeout time.Duration) *WebhookCollaborator {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookCollaborator{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

type webhookAction struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	SentAt    string `json:"sent_at"`
}

func (w *WebhookCollaborator) Commit(ctx context.Context, requestID string) error {
	return w.post(ctx, requestID, domain.ActionCommit)
}

func (w *WebhookCollaborator) Discard(ctx context.Context, requestID string) error {
	return w.post(ctx, requestID, domain.ActionDiscard)
}

func (w *WebhookCollaborator) post(ctx context.Context, requestID, action string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	data, err := json.Marshal(webhookAction{RequestID: requestID, Action: action, SentAt: now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestID+":"+action)
	req.Header.Set("X-Finguard-Action", action)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Finguard-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	// Client errors other than throttling will not succeed on retry.
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// LogCollaborator only logs actions. It is the default for local use.
type LogCollaborator struct {
	Logger *slog.Logger
}

func (l LogCollaborator) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default().With("component", "collaborator")
}

func (l LogCollaborator) Commit(_ context.Context, requestID string) error {
	l.logger().Info("commit mutation", "request_id", requestID)
	return nil
}

func (l LogCollaborator) Discard(_ context.Context, requestID string) error {
	l.logger().Info("discard mutation", "request_id", requestID)
	return nil
}
