// Package sla persists stage deadlines and reports the ones that expired.
package sla

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"finguard/internal/domain"
)

// Expiry is sent once per overdue timer generation until Done is called.
type Expiry struct {
	RequestID  string
	Stage      string
	Generation int64
	Deadline   time.Time
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
	// Buffer is the capacity of the expiry channel.
	Buffer int
}

type key struct {
	requestID string
	stage     string
}

// Engine keeps one timer row per (request, stage). Restarting a timer bumps
// its generation, so fires of the previous deadline can be told apart.
type Engine struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
	events chan Expiry

	mu       sync.Mutex
	inflight map[key]int64

	cronMu  sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(db *sql.DB, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Engine{
		db:       db,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "sla"),
		events:   make(chan Expiry, opts.Buffer),
		inflight: map[key]int64{},
	}
}

// Expired delivers overdue timers found by Tick.
func (e *Engine) Expired() <-chan Expiry {
	return e.events
}

// StartTx arms the timer for (requestID, stage) to fire after d. Any earlier
// timer for the key is superseded.
func (e *Engine) StartTx(ctx context.Context, tx *sql.Tx, requestID, stage string, d time.Duration) (domain.SLATimer, error) {
	return e.StartAtTx(ctx, tx, requestID, stage, e.now().Add(d))
}

// StartAtTx arms the timer with an absolute deadline. Recovery uses it to
// restore deadlines recorded in the ledger.
func (e *Engine) StartAtTx(ctx context.Context, tx *sql.Tx, requestID, stage string, deadline time.Time) (domain.SLATimer, error) {
	t := domain.SLATimer{
		RequestID: requestID,
		StageName: stage,
		Deadline:  deadline.UTC().Format(time.RFC3339),
	}
	err := tx.QueryRowContext(ctx, `INSERT INTO sla_timers(request_id,stage_name,deadline,fired,generation) VALUES (?,?,?,0,1)
ON CONFLICT(request_id,stage_name) DO UPDATE SET deadline=excluded.deadline, fired=0, generation=sla_timers.generation+1
RETURNING generation`, requestID, stage, t.Deadline).Scan(&t.Generation)
	if err != nil {
		return t, fmt.Errorf("start sla timer %s/%s: %w", requestID, stage, err)
	}
	return t, nil
}

// StartTimer is StartTx in its own transaction.
func (e *Engine) StartTimer(ctx context.Context, requestID, stage string, d time.Duration) (domain.SLATimer, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SLATimer{}, err
	}
	defer tx.Rollback()
	t, err := e.StartTx(ctx, tx, requestID, stage, d)
	if err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// CancelTx removes the timer for the key. Removing a missing timer is a no-op.
func (e *Engine) CancelTx(ctx context.Context, tx *sql.Tx, requestID, stage string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sla_timers WHERE request_id=? AND stage_name=?`, requestID, stage); err != nil {
		return fmt.Errorf("cancel sla timer %s/%s: %w", requestID, stage, err)
	}
	return nil
}

func (e *Engine) CancelTimer(ctx context.Context, requestID, stage string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.CancelTx(ctx, tx, requestID, stage); err != nil {
		return err
	}
	return tx.Commit()
}

// AckTx marks the fired generation as handled. It reports false when the
// timer was cancelled, restarted or already acknowledged.
func (e *Engine) AckTx(ctx context.Context, tx *sql.Tx, exp Expiry) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sla_timers SET fired=1 WHERE request_id=? AND stage_name=? AND generation=? AND fired=0`,
		exp.RequestID, exp.Stage, exp.Generation)
	if err != nil {
		return false, fmt.Errorf("ack sla timer %s/%s: %w", exp.RequestID, exp.Stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Tick sends every overdue, unacknowledged timer that is not already in
// flight. It never blocks on a full channel; skipped timers are picked up by
// a later tick.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	now := e.now().UTC().Format(time.RFC3339)
	rows, err := e.db.QueryContext(ctx, `SELECT request_id, stage_name, deadline, generation FROM sla_timers WHERE fired=0 AND deadline <= ? ORDER BY deadline`, now)
	if err != nil {
		return 0, fmt.Errorf("query due timers: %w", err)
	}
	var due []Expiry
	for rows.Next() {
		var exp Expiry
		var deadline string
		if err := rows.Scan(&exp.RequestID, &exp.Stage, &deadline, &exp.Generation); err != nil {
			rows.Close()
			return 0, err
		}
		exp.Deadline, _ = time.Parse(time.RFC3339, deadline)
		due = append(due, exp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sent := 0
	for _, exp := range due {
		k := key{exp.RequestID, exp.Stage}
		if gen, ok := e.inflight[k]; ok && gen == exp.Generation {
			continue
		}
		select {
		case e.events <- exp:
			e.inflight[k] = exp.Generation
			sent++
		default:
			e.logger.Warn("sla expiry channel full", "request_id", exp.RequestID, "stage", exp.Stage)
			return sent, nil
		}
	}
	return sent, nil
}

// Done releases an expiry so the key can be sent again.
func (e *Engine) Done(exp Expiry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := key{exp.RequestID, exp.Stage}
	if gen, ok := e.inflight[k]; ok && gen == exp.Generation {
		delete(e.inflight, k)
	}
}

// Pending lists unacknowledged timers ordered by deadline.
func (e *Engine) Pending(ctx context.Context) ([]domain.SLATimer, error) {
	return list(ctx, e.db, `SELECT request_id, stage_name, deadline, fired, generation FROM sla_timers WHERE fired=0 ORDER BY deadline`)
}

const timersOfRequest = `SELECT request_id, stage_name, deadline, fired, generation FROM sla_timers WHERE request_id=? ORDER BY stage_name`

// Timers lists every timer row of a request.
func (e *Engine) Timers(ctx context.Context, requestID string) ([]domain.SLATimer, error) {
	return list(ctx, e.db, timersOfRequest, requestID)
}

func (e *Engine) TimersTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.SLATimer, error) {
	return list(ctx, tx, timersOfRequest, requestID)
}

func list(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, query string, args ...any) ([]domain.SLATimer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SLATimer
	for rows.Next() {
		var t domain.SLATimer
		var fired int
		if err := rows.Scan(&t.RequestID, &t.StageName, &t.Deadline, &fired, &t.Generation); err != nil {
			return nil, err
		}
		t.Fired = fired == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// Start polls for overdue timers on the given cron schedule until ctx is done
// or Stop is called.
func (e *Engine) Start(ctx context.Context, schedule string) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.running {
		return nil
	}
	if schedule == "" {
		schedule = "@every 1s"
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("sla tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sla poll schedule %q: %w", schedule, err)
	}
	c.Start()
	e.cron = c
	e.running = true
	e.logger.Info("sla poller started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		e.Stop()
	}()
	return nil
}

// Stop halts polling and waits for a running tick to finish.
func (e *Engine) Stop() {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil && e.running {
		<-e.cron.Stop().Done()
		e.running = false
		e.logger.Info("sla poller stopped")
	}
}
