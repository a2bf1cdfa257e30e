package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"finguard/internal/domain"
	"finguard/internal/metrics"
	"finguard/internal/repo"
)

// Dispatcher delivers outbox rows to the collaborator. A row is marked
// delivered once the collaborator accepts it and is never sent again.
type Dispatcher struct {
	Repo         repo.Repo
	Collaborator Collaborator
	// MaxAttempts stops background retries of a row. Zero retries forever.
	MaxAttempts int
	// Tries bounds the immediate retries of one delivery.
	Tries   uint
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Now     func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default().With("component", "dispatcher")
}

// Dispatch delivers the action of requestID in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Deliver(context.WithoutCancel(ctx), requestID); err != nil {
			d.logger().Warn("collaborator delivery failed, will retry", "request_id", requestID, "error", err)
		}
	}()
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) claim(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight == nil {
		d.inflight = map[string]bool{}
	}
	if d.inflight[requestID] {
		return false
	}
	d.inflight[requestID] = true
	return true
}

func (d *Dispatcher) release(requestID string) {
	d.mu.Lock()
	delete(d.inflight, requestID)
	d.mu.Unlock()
}

// Deliver sends the pending action of requestID. Already delivered rows and
// rows being delivered by another call are skipped.
func (d *Dispatcher) Deliver(ctx context.Context, requestID string) error {
	if !d.claim(requestID) {
		return nil
	}
	defer d.release(requestID)

	entry, err := d.Repo.GetAction(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load outbox row %s: %w", requestID, err)
	}
	if entry.DeliveredAt != nil {
		return nil
	}
	tries := d.Tries
	if tries == 0 {
		tries = 3
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.send(ctx, entry)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	if err != nil {
		d.Metrics.Delivery(entry.Action, "error")
		if recErr := d.Repo.RecordAttempt(ctx, requestID, err.Error()); recErr != nil && !errors.Is(recErr, repo.ErrNotFound) {
			return errors.Join(err, recErr)
		}
		return err
	}
	if _, err := d.Repo.MarkDelivered(ctx, requestID, d.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("mark %s delivered: %w", requestID, err)
	}
	d.Metrics.Delivery(entry.Action, "ok")
	d.logger().Info("collaborator notified", "request_id", requestID, "action", entry.Action)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, entry domain.OutboxEntry) error {
	switch entry.Action {
	case domain.ActionCommit:
		return d.Collaborator.Commit(ctx, entry.RequestID)
	case domain.ActionDiscard:
		return d.Collaborator.Discard(ctx, entry.RequestID)
	}
	return backoff.Permanent(fmt.Errorf("unknown outbox action %q", entry.Action))
}

// RetryPending delivers every undelivered row below MaxAttempts and returns
// how many were delivered.
func (d *Dispatcher) RetryPending(ctx context.Context) (int, error) {
	pending, err := d.Repo.PendingActions(ctx, d.MaxAttempts, 100)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := d.Deliver(ctx, entry.RequestID); err != nil {
			d.logger().Warn("outbox retry failed", "request_id", entry.RequestID, "attempts", entry.Attempts+1, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}
